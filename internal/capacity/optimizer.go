// Package capacity sizes the training worker pool from recent queue depth.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/simflow/internal/model"
)

// Optimizer defaults.
const (
	DefaultMin        = 0
	DefaultMax        = 5
	DefaultHysteresis = 1
	DefaultPeriod     = 60 * time.Second
	DefaultWindow     = 5 * time.Minute
)

var (
	queueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simflow_capacity_queue_depth",
			Help: "Most recent training queue depth sample.",
		},
	)

	currentCapacityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simflow_capacity_current",
			Help: "Current training worker capacity.",
		},
	)

	desiredCapacityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simflow_capacity_desired",
			Help: "Training worker capacity computed from the depth window.",
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepthGauge)
	prometheus.MustRegister(currentCapacityGauge)
	prometheus.MustRegister(desiredCapacityGauge)
}

// DepthReader reports how many messages wait in a queue.
type DepthReader interface {
	Depth(ctx context.Context, step model.Step) (int, error)
}

// Resizer is the worker pool whose size the optimizer controls.
type Resizer interface {
	Size() int
	Resize(n int) error
}

// Config tunes an Optimizer. Zero Max, Hysteresis and durations take the
// package defaults.
type Config struct {
	Step       model.Step
	Min        int
	Max        int
	Hysteresis int
	Period     time.Duration
	Window     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Step == "" {
		c.Step = model.StepTraining
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.Min < 0 {
		c.Min = DefaultMin
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.Hysteresis <= 0 {
		c.Hysteresis = DefaultHysteresis
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Decision is the outcome of one optimization tick.
type Decision struct {
	Depth   int
	Average float64
	Current int
	Desired int
	Applied bool
}

type sample struct {
	at    time.Time
	depth int
}

// Optimizer periodically samples queue depth and resizes the pool when the
// desired capacity drifts more than Hysteresis away from the current one.
type Optimizer struct {
	queue  DepthReader
	pool   Resizer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	samples []sample
}

// NewOptimizer creates an optimizer for cfg.Step.
func NewOptimizer(q DepthReader, pool Resizer, cfg Config, logger *slog.Logger) *Optimizer {
	return &Optimizer{
		queue:  q,
		pool:   pool,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// DesiredCapacity maps an average queue depth to a worker count: one worker
// per two queued messages, clamped to [min, max].
func DesiredCapacity(avgDepth float64, lo, hi int) int {
	d := int(math.Round(avgDepth / 2))
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// RunOnce takes one depth sample and applies the resulting decision. A
// failed depth read skips the tick; a failed resize is logged and the
// decision is returned unapplied.
func (o *Optimizer) RunOnce(ctx context.Context) (Decision, error) {
	depth, err := o.queue.Depth(ctx, o.cfg.Step)
	if err != nil {
		return Decision{}, fmt.Errorf("read %s depth: %w", o.cfg.Step, err)
	}
	avg := o.record(depth)

	d := Decision{
		Depth:   depth,
		Average: avg,
		Current: o.pool.Size(),
		Desired: DesiredCapacity(avg, o.cfg.Min, o.cfg.Max),
	}
	queueDepthGauge.Set(float64(depth))

	// An empty pool with queued work never waits on hysteresis.
	starving := d.Current == 0 && depth > 0
	if starving {
		d.Desired = max(d.Desired, 1)
	}
	desiredCapacityGauge.Set(float64(d.Desired))

	if starving || abs(d.Current-d.Desired) > o.cfg.Hysteresis {
		if err := o.pool.Resize(d.Desired); err != nil {
			currentCapacityGauge.Set(float64(d.Current))
			return d, fmt.Errorf("resize %s pool to %d: %w", o.cfg.Step, d.Desired, err)
		}
		d.Applied = true
		o.logger.Info("capacity adjusted", "step", o.cfg.Step, "from", d.Current, "to", d.Desired, "avg_depth", avg)
	}
	if d.Applied {
		currentCapacityGauge.Set(float64(d.Desired))
	} else {
		currentCapacityGauge.Set(float64(d.Current))
	}
	return d, nil
}

// record appends a sample, drops samples older than the window and returns
// the window average.
func (o *Optimizer) record(depth int) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	o.samples = append(o.samples, sample{at: now, depth: depth})
	cutoff := now.Add(-o.cfg.Window)
	i := 0
	for i < len(o.samples) && o.samples[i].at.Before(cutoff) {
		i++
	}
	o.samples = o.samples[i:]

	var sum int
	for _, s := range o.samples {
		sum += s.depth
	}
	return float64(sum) / float64(len(o.samples))
}

// Run ticks every Period until ctx is cancelled. Tick failures are logged
// and never stop the loop.
func (o *Optimizer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Period)
	defer ticker.Stop()

	for {
		if _, err := o.RunOnce(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("capacity tick failed", "step", o.cfg.Step, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
