package marketdata

import (
	"sort"
	"sync"

	"bbtrader/internal/core"
)

// series is the per-(symbol, interval) candle ring plus derived bands.
// The ingestion goroutine is the single writer; readers take the lock and
// copy, so a candle and its bands are always observed together.
type series struct {
	mu      sync.RWMutex
	symbol  string
	interval string
	limit   int
	bb      *core.BBParams

	candles []core.Candle
	bands   *core.BollingerBands
}

func newSeries(symbol, interval string, limit int, bb *core.BBParams) *series {
	if limit < 2 {
		limit = 2
	}
	if bb != nil && limit < bb.Length+1 {
		limit = bb.Length + 1
	}
	return &series{
		symbol:   symbol,
		interval: interval,
		limit:    limit,
		bb:       bb,
		candles:  make([]core.Candle, 0, limit),
	}
}

// setBackfill replaces the series content with closed historical candles.
func (s *series) setBackfill(candles []core.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})
	if len(candles) > s.limit {
		candles = candles[len(candles)-s.limit:]
	}
	s.candles = append(s.candles[:0], candles...)
	s.recomputeLocked()
}

// apply folds one stream update into the series. Updates for the current
// open candle overwrite in place, newer candles append with eviction, and
// late duplicates are dropped.
func (s *series) apply(c core.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candles)
	if n == 0 {
		s.candles = append(s.candles, c)
		s.recomputeLocked()
		return
	}

	last := s.candles[n-1].OpenTime
	switch {
	case c.OpenTime.Equal(last):
		s.candles[n-1] = c
	case c.OpenTime.After(last):
		s.candles = append(s.candles, c)
		if len(s.candles) > s.limit {
			s.candles = s.candles[len(s.candles)-s.limit:]
		}
	default:
		return
	}
	s.recomputeLocked()
}

// merge inserts closed candles fetched after a reconnect, keeping any live
// open candle that arrived in the meantime.
func (s *series) merge(candles []core.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTime := make(map[int64]core.Candle, len(s.candles)+len(candles))
	for _, c := range s.candles {
		byTime[c.OpenTime.UnixMilli()] = c
	}
	for _, c := range candles {
		existing, ok := byTime[c.OpenTime.UnixMilli()]
		// A closed candle supersedes a stale open snapshot of itself.
		if !ok || (!existing.IsClosed && c.IsClosed) || existing.IsClosed == c.IsClosed {
			byTime[c.OpenTime.UnixMilli()] = c
		}
	}

	merged := make([]core.Candle, 0, len(byTime))
	for _, c := range byTime {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime.Before(merged[j].OpenTime)
	})
	if len(merged) > s.limit {
		merged = merged[len(merged)-s.limit:]
	}
	s.candles = merged
	s.recomputeLocked()
}

// recomputeLocked refreshes the derived bands. Callers hold s.mu.
func (s *series) recomputeLocked() {
	if s.bb == nil {
		return
	}
	bands, err := ComputeBands(s.candles, *s.bb)
	if err != nil {
		s.bands = nil
		return
	}
	s.bands = &bands
}

// snapshot returns a copy of the candle slice.
func (s *series) snapshot() []core.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// latest returns the most recent candle, open or closed.
func (s *series) latest() (core.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return core.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// contextualBands returns bands from the last closed candle, if derivable.
func (s *series) contextualBands() (core.BollingerBands, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bands == nil {
		return core.BollingerBands{}, false
	}
	return *s.bands, true
}
