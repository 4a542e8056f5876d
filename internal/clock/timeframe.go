// Package clock provides the tick sources that drive strategy execution: a
// wall-aligned realtime clock and a fast-forward backtest clock with
// cooperative backpressure.
package clock

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe identifies a bar duration. Boundaries align to UTC.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// ParseTimeframe validates a timeframe code.
func ParseTimeframe(raw string) (Timeframe, error) {
	tf := Timeframe(strings.TrimSpace(raw))
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", raw)
	}
	return tf, nil
}

// Valid reports whether the timeframe is a supported code.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the bar duration for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Floor returns the latest boundary at or before t, in UTC. The zero time of
// the Go epoch aligns to every supported boundary, so Truncate lands on UTC
// bar starts for all codes including 4h and 1d.
func (tf Timeframe) Floor(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// Ceil returns the earliest boundary at or after t, in UTC.
func (tf Timeframe) Ceil(t time.Time) time.Time {
	floored := tf.Floor(t)
	if floored.Equal(t.UTC()) {
		return floored
	}
	return floored.Add(tf.Duration())
}

// String implements fmt.Stringer.
func (tf Timeframe) String() string { return string(tf) }
