// Package state persists trade slots and accumulated losses as a JSON file.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bbtrader/internal/core"
)

const sentinelSuffix = "_NO_SL_ALERT_SENT"

// fileState is the on-disk layout. Decimals serialize as strings and
// timestamps as RFC3339 UTC, so a round-trip is loss-free.
type fileState struct {
	ActiveTrades      map[string]json.RawMessage `json:"active_trades"`
	AccumulatedLosses map[string]decimal.Decimal `json:"accumulated_losses"`
}

type sentinelPayload struct {
	AlertSentTimestamp time.Time `json:"alert_sent_timestamp"`
}

// FileStore implements core.IStateStore. A single control-loop writer is
// assumed; the mutex guards against incidental concurrent readers.
type FileStore struct {
	mu        sync.Mutex
	path      string
	logger    core.ILogger
	slots     map[string]*core.TradeSlot
	losses    map[string]decimal.Decimal
	sentinels map[string]time.Time
}

// NewFileStore loads the store from path. A missing file starts empty; a
// corrupted file starts empty with a logged warning, never an error.
func NewFileStore(path string, logger core.ILogger) *FileStore {
	s := &FileStore{
		path:      path,
		logger:    logger.WithField("component", "state_store"),
		slots:     make(map[string]*core.TradeSlot),
		losses:    make(map[string]decimal.Decimal),
		sentinels: make(map[string]time.Time),
	}
	s.load()
	return s
}

func (s *FileStore) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read state file, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var fs fileState
	if err := json.Unmarshal(raw, &fs); err != nil {
		s.logger.Warn("State file is corrupted, starting empty", "path", s.path, "error", err)
		return
	}

	for key, payload := range fs.ActiveTrades {
		if strings.HasSuffix(key, sentinelSuffix) {
			var sp sentinelPayload
			if err := json.Unmarshal(payload, &sp); err != nil {
				s.logger.Warn("Dropping unreadable sentinel entry", "key", key, "error", err)
				continue
			}
			s.sentinels[strings.TrimSuffix(key, sentinelSuffix)] = sp.AlertSentTimestamp
			continue
		}
		var slot core.TradeSlot
		if err := json.Unmarshal(payload, &slot); err != nil {
			s.logger.Warn("Dropping unreadable trade slot", "key", key, "error", err)
			continue
		}
		slot.Key = key
		s.slots[key] = &slot
	}
	for key, loss := range fs.AccumulatedLosses {
		s.losses[key] = loss
	}

	s.logger.Info("State loaded", "slots", len(s.slots), "losses", len(s.losses))
}

// persist writes the whole state atomically. Callers hold s.mu.
func (s *FileStore) persist() error {
	fs := fileState{
		ActiveTrades:      make(map[string]json.RawMessage, len(s.slots)+len(s.sentinels)),
		AccumulatedLosses: s.losses,
	}
	for key, slot := range s.slots {
		data, err := json.Marshal(slot)
		if err != nil {
			return fmt.Errorf("failed to marshal slot %s: %w", key, err)
		}
		fs.ActiveTrades[key] = data
	}
	for key, at := range s.sentinels {
		data, err := json.Marshal(sentinelPayload{AlertSentTimestamp: at.UTC()})
		if err != nil {
			return fmt.Errorf("failed to marshal sentinel %s: %w", key, err)
		}
		fs.ActiveTrades[key+sentinelSuffix] = data
	}

	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *FileStore) GetSlot(key string) (*core.TradeSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[key]
	return slot, ok
}

func (s *FileStore) PutSlot(slot *core.TradeSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot.Key] = slot
	return s.persist()
}

func (s *FileStore) DeleteSlot(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[key]; !ok {
		return nil
	}
	delete(s.slots, key)
	return s.persist()
}

func (s *FileStore) SlotKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.slots))
	for key := range s.slots {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *FileStore) AccumulatedLoss(key string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.losses[key]
}

func (s *FileStore) AddAccumulatedLoss(key string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("accumulated loss increment must be non-negative, got %s", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.losses[key] = s.losses[key].Add(amount)
	return s.persist()
}

func (s *FileStore) ResetAccumulatedLoss(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.losses[key]; !ok {
		return nil
	}
	delete(s.losses, key)
	return s.persist()
}

func (s *FileStore) SetSentinel(key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentinels[key] = at.UTC()
	return s.persist()
}

func (s *FileStore) Sentinel(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.sentinels[key]
	return at, ok
}

func (s *FileStore) ClearSentinel(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sentinels[key]; !ok {
		return nil
	}
	delete(s.sentinels, key)
	return s.persist()
}
