package config

import (
	"fmt"
	"time"
)

// intervalDurations maps the exchange kline interval strings this engine
// supports to their wall-clock lengths.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
}

// IntervalDuration resolves an interval string like "5m" to a duration.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported kline interval %q", interval)
	}
	return d, nil
}
