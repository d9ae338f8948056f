// Package maintenance removes expired workflow state and stale model blobs
// and keeps the workflow population gauges current.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/simflow/internal/blob"
	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/store"
)

// Janitor defaults.
const (
	DefaultPeriod         = time.Hour
	DefaultModelRetention = 30 * 24 * time.Hour

	modelPrefix = "models/"
)

var (
	purgedWorkflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_janitor_purged_workflows_total",
			Help: "Total number of expired workflow records removed.",
		},
	)

	purgedInferenceResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_janitor_purged_inference_results_total",
			Help: "Total number of expired inference results removed.",
		},
	)

	deletedBlobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_janitor_deleted_blobs_total",
			Help: "Total number of stale model blobs deleted.",
		},
	)

	freedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_janitor_freed_bytes_total",
			Help: "Total size of stale model blobs deleted.",
		},
	)

	workflowsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simflow_workflows",
			Help: "Number of stored workflows by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(purgedWorkflows)
	prometheus.MustRegister(purgedInferenceResults)
	prometheus.MustRegister(deletedBlobs)
	prometheus.MustRegister(freedBytes)
	prometheus.MustRegister(workflowsByStatus)
}

// Invalidator drops cached models whose bytes were removed.
type Invalidator interface {
	Invalidate(workflowID string)
}

// Report summarizes one janitor pass.
type Report struct {
	Purged       store.PurgeStats
	DeletedBlobs int
	FreedBytes   int64
	Counts       map[model.Status]int
}

// Janitor runs the periodic cleanup pass.
type Janitor struct {
	store          store.Store
	blobs          blob.Store
	cache          Invalidator
	period         time.Duration
	modelRetention time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewJanitor creates a janitor. cache may be nil. Zero durations take the
// package defaults.
func NewJanitor(s store.Store, blobs blob.Store, cache Invalidator, period, modelRetention time.Duration, logger *slog.Logger) *Janitor {
	if period <= 0 {
		period = DefaultPeriod
	}
	if modelRetention <= 0 {
		modelRetention = DefaultModelRetention
	}
	return &Janitor{
		store:          s,
		blobs:          blobs,
		cache:          cache,
		period:         period,
		modelRetention: modelRetention,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one pass. Each phase runs even if an earlier one
// failed; the returned error joins every phase failure.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	now := j.now()
	var rep Report
	var errs []error

	stats, err := j.store.PurgeExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge expired records: %w", err))
	} else {
		rep.Purged = stats
		purgedWorkflows.Add(float64(stats.Workflows))
		purgedInferenceResults.Add(float64(stats.InferenceResults))
	}

	n, size, err := j.deleteStaleModels(ctx, now.Add(-j.modelRetention))
	rep.DeletedBlobs, rep.FreedBytes = n, size
	if err != nil {
		errs = append(errs, err)
	}

	counts, err := j.store.CountByStatus(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("count workflows: %w", err))
	} else {
		rep.Counts = counts
		for _, s := range model.AllStatuses() {
			workflowsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
	}

	j.logger.Info("maintenance pass finished",
		"purged_workflows", rep.Purged.Workflows,
		"purged_inference_results", rep.Purged.InferenceResults,
		"deleted_blobs", rep.DeletedBlobs,
		"freed_bytes", rep.FreedBytes,
	)
	return rep, errors.Join(errs...)
}

func (j *Janitor) deleteStaleModels(ctx context.Context, cutoff time.Time) (int, int64, error) {
	objs, err := j.blobs.List(ctx, modelPrefix)
	if err != nil {
		return 0, 0, fmt.Errorf("list model blobs: %w", err)
	}

	var (
		deleted int
		freed   int64
		errs    []error
	)
	for _, o := range objs {
		if !o.ModTime.Before(cutoff) {
			continue
		}
		if err := j.blobs.Delete(ctx, o.Key); err != nil {
			errs = append(errs, fmt.Errorf("delete blob %s: %w", o.Key, err))
			continue
		}
		deleted++
		freed += o.Size
		deletedBlobs.Inc()
		freedBytes.Add(float64(o.Size))
		if j.cache != nil {
			if id := workflowOfKey(o.Key); id != "" {
				j.cache.Invalidate(id)
			}
		}
	}
	return deleted, freed, errors.Join(errs...)
}

// workflowOfKey extracts the workflow id from "models/{id}/...".
func workflowOfKey(key string) string {
	rest, ok := strings.CutPrefix(key, modelPrefix)
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

// Run performs a pass every period until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("maintenance pass failed", "error", err)
			}
		}
	}
}
