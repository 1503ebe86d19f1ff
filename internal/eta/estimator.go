// Package eta estimates remaining run time and a smoothed progress percentage.
package eta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// Defaults for the estimator
const (
	DefaultWindow       = 5
	DefaultTickInterval = time.Second
	DefaultStallAfter   = 2500 * time.Millisecond
	DefaultStep         = 0.3
	DefaultLead         = 2.0
	// maxSmoothed is the ceiling while the run is not complete
	maxSmoothed = 99.0
)

// Estimate is a point-in-time view of the estimator
type Estimate struct {
	AvgUnitMs       int64     `json:"avg_unit_ms"`
	EtaMs           int64     `json:"eta_ms"`
	ActualPercent   float64   `json:"actual_percent"`
	SmoothedPercent float64   `json:"smoothed_percent"`
	LastProgressAt  time.Time `json:"last_progress_at"`
	Samples         int       `json:"samples"`
}

// Estimator keeps a rolling window of non-skipped unit durations.
// It is safe for concurrent use; the ticker normally runs on its own goroutine.
type Estimator struct {
	mu sync.Mutex

	window     int
	stallAfter time.Duration
	step       float64
	lead       float64
	now        func() time.Time

	durations      []int64
	agg            types.RunAggregate
	smoothed       float64
	lastProgressAt time.Time
}

// Option configures an Estimator
type Option func(*Estimator)

// WithWindow sets the number of durations averaged
func WithWindow(n int) Option {
	return func(e *Estimator) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStallAfter sets how long without progress before smoothing kicks in
func WithStallAfter(d time.Duration) Option {
	return func(e *Estimator) {
		if d >= 0 {
			e.stallAfter = d
		}
	}
}

// WithStep sets the per-tick smoothing increment
func WithStep(step float64) Option {
	return func(e *Estimator) {
		if step > 0 {
			e.step = step
		}
	}
}

// New creates an estimator
func New(opts ...Option) *Estimator {
	e := &Estimator{
		window:     DefaultWindow,
		stallAfter: DefaultStallAfter,
		step:       DefaultStep,
		lead:       DefaultLead,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.lastProgressAt = e.now()
	return e
}

// Reset starts a new pass from the given aggregate.
// The window is cleared and the smoothed percentage restarts at the actual percentage.
func (e *Estimator) Reset(agg types.RunAggregate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.durations = nil
	e.agg = agg
	e.smoothed = 0
	e.lastProgressAt = e.now()
	e.raiseLocked()
}

// Observe records a processed unit. Skipped units do not enter the window.
func (e *Estimator) Observe(m types.UnitMetrics) {
	if m.Skipped || m.DurationMs <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.durations = append(e.durations, m.DurationMs)
	if over := len(e.durations) - e.window; over > 0 {
		e.durations = append([]int64(nil), e.durations[over:]...)
	}
}

// Progress updates the aggregate. Any change in processed units counts as real progress.
func (e *Estimator) Progress(agg types.RunAggregate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	advanced := agg.Done+agg.Failed != e.agg.Done+e.agg.Failed || agg.Total != e.agg.Total
	e.agg = agg
	if advanced {
		e.lastProgressAt = e.now()
	}
	e.raiseLocked()
}

// Tick advances the smoothed percentage toward min(actual+lead, 99) when progress has stalled
func (e *Estimator) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completeLocked() {
		e.smoothed = 100
		return
	}
	if e.now().Sub(e.lastProgressAt) <= e.stallAfter {
		return
	}
	target := math.Min(e.agg.Percent()+e.lead, maxSmoothed)
	if e.smoothed >= target {
		return
	}
	e.smoothed = math.Min(e.smoothed+e.step, target)
}

// Snapshot returns the current estimate
func (e *Estimator) Snapshot() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	avg := e.averageLocked()
	return Estimate{
		AvgUnitMs:       avg,
		EtaMs:           avg * int64(e.agg.Remaining()),
		ActualPercent:   e.agg.Percent(),
		SmoothedPercent: e.smoothed,
		LastProgressAt:  e.lastProgressAt,
		Samples:         len(e.durations),
	}
}

// Run ticks every interval until ctx is done
func (e *Estimator) Run(ctx context.Context, interval time.Duration, onTick func(Estimate)) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
			if onTick != nil {
				onTick(e.Snapshot())
			}
		}
	}
}

func (e *Estimator) raiseLocked() {
	if e.completeLocked() {
		e.smoothed = 100
		return
	}
	actual := math.Min(e.agg.Percent(), maxSmoothed)
	if actual > e.smoothed {
		e.smoothed = actual
	}
}

func (e *Estimator) completeLocked() bool {
	return e.agg.AllDone()
}

func (e *Estimator) averageLocked() int64 {
	if len(e.durations) == 0 {
		return 0
	}
	var sum int64
	for _, d := range e.durations {
		sum += d
	}
	return sum / int64(len(e.durations))
}
