// Package latency collects the round-trip durations clients report at the end
// of a run.
package latency

import (
	"errors"
	"time"
)

var ErrNoSamples = errors.New("no latency samples recorded")

// Report is one client's self-measured round trip in milliseconds.
type Report struct {
	GroupID  int    `json:"group_id"`
	ClientID int32  `json:"client_id"`
	Millis   uint64 `json:"millis"`
}

// Aggregator is owned by a single goroutine.
type Aggregator struct {
	sum   uint64
	count uint64
	min   uint64
	max   uint64
}

func (a *Aggregator) Record(ms uint64) {
	if a.count == 0 || ms < a.min {
		a.min = ms
	}
	if ms > a.max {
		a.max = ms
	}
	a.sum += ms
	a.count++
}

func (a *Aggregator) Count() int {
	return int(a.count)
}

// Average is floor(sum/count).
func (a *Aggregator) Average() (uint64, error) {
	if a.count == 0 {
		return 0, ErrNoSamples
	}
	return a.sum / a.count, nil
}

func (a *Aggregator) Min() uint64 { return a.min }

func (a *Aggregator) Max() uint64 { return a.max }

func Average(samples []uint64) (uint64, error) {
	var a Aggregator
	for _, s := range samples {
		a.Record(s)
	}
	return a.Average()
}

// Summary is the outcome of one simulation run.
type Summary struct {
	RunID         string         `json:"run_id"`
	Strategy      string         `json:"strategy"`
	Groups        int            `json:"groups"`
	Clients       int            `json:"clients"`
	Unplaced      int            `json:"unplaced"`
	Failed        []int          `json:"failed_groups,omitempty"`
	Reports       int            `json:"reports"`
	Average       uint64         `json:"average_ms"`
	Min           uint64         `json:"min_ms"`
	Max           uint64         `json:"max_ms"`
	GroupAverages map[int]uint64 `json:"group_averages,omitempty"`
	Started       time.Time      `json:"started"`
	Duration      time.Duration  `json:"duration_ns"`
}
