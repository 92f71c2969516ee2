// Package perfstats accumulates timings of repeated operations, such as model calls.
package perfstats

import (
	"sync"
	"time"
)

// TimeAccumulator accumulates samples of how long something took.
// It is safe for concurrent use.
type TimeAccumulator struct {
	lock    sync.Mutex
	samples int64
	total   time.Duration
	max     time.Duration
}

type Summary struct {
	Samples   int64   `json:"samples"`
	AverageMS float64 `json:"averageMS"`
	MaxMS     float64 `json:"maxMS"`
}

func (a *TimeAccumulator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples = 0
	a.total = 0
	a.max = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples++
	a.total += v
	a.max = max(a.max, v)
}

// AddSince adds the time elapsed since start.
// Typical use is "defer acc.AddSince(time.Now())".
func (a *TimeAccumulator) AddSince(start time.Time) {
	a.AddSample(time.Since(start))
}

func (a *TimeAccumulator) Average() time.Duration {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.samples == 0 {
		return 0
	}
	return time.Duration(a.total.Nanoseconds() / a.samples)
}

func (a *TimeAccumulator) Summary() Summary {
	a.lock.Lock()
	defer a.lock.Unlock()
	s := Summary{
		Samples: a.samples,
		MaxMS:   a.max.Seconds() * 1000,
	}
	if a.samples != 0 {
		s.AverageMS = a.total.Seconds() * 1000 / float64(a.samples)
	}
	return s
}

// ModelStats are the timings of the model calls of all sessions
type ModelStats struct {
	Embed    TimeAccumulator
	Classify TimeAccumulator
	Detect   TimeAccumulator
}
