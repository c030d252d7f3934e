package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"bbtrader/internal/core"
)

// SymbolsFile is the on-disk symbol universe: symbol -> per-symbol settings.
type SymbolsFile map[string]core.SymbolConfig

// LoadSymbolsFile reads the symbols JSON. A missing file returns (nil, nil)
// so the caller can fall back to a generated default.
func LoadSymbolsFile(path string) (SymbolsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read symbols file: %w", err)
	}

	var sf SymbolsFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse symbols file: %w", err)
	}
	return sf, nil
}

// SaveSymbolsFile writes the symbol universe atomically (temp file + rename).
func SaveSymbolsFile(path string, sf SymbolsFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal symbols file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".symbols-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp symbols file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp symbols file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp symbols file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace symbols file: %w", err)
	}
	return nil
}

// DefaultSymbols builds a single-symbol universe from process config.
// Returns nil when no default symbol is configured.
func DefaultSymbols(cfg *Config) SymbolsFile {
	if cfg.Trading.DefaultSymbol == "" {
		return nil
	}
	return SymbolsFile{
		cfg.Trading.DefaultSymbol: {
			PrimaryInterval: cfg.Trading.PrimaryInterval,
			TriggerInterval: cfg.Trading.TriggerInterval,
			MAType:          cfg.Trading.MAType,
			Length:          cfg.Trading.BBLength,
			MultOrig:        cfg.Trading.MultOrig,
			MultNew:         cfg.Trading.MultNew,
			DataLimit:       cfg.Trading.DataLimit,
			FixedQuantity:   cfg.Trading.FixedQuantity,
			Leverage:        cfg.Trading.DefaultLeverage,
			Active:          true,
		},
	}
}

// ActiveSymbols returns the sorted active subset of the universe.
func (sf SymbolsFile) ActiveSymbols() []string {
	out := make([]string, 0, len(sf))
	for sym, sc := range sf {
		if sc.Active {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
