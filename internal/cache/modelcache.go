// Package cache keeps recently used trained-model metadata in memory so
// inference requests avoid a State Store read per call.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/simflow/internal/model"
)

// ErrNotReady is returned when the workflow exists but has not completed.
var ErrNotReady = errors.New("model not ready")

var (
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_model_cache_hits_total",
			Help: "Total number of model cache hits.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_model_cache_misses_total",
			Help: "Total number of model cache misses.",
		},
	)

	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_model_cache_evictions_total",
			Help: "Total number of model cache evictions.",
		},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simflow_model_cache_entries",
			Help: "Number of entries currently held in the model cache.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(cacheEvictions)
	prometheus.MustRegister(cacheEntries)
}

// WorkflowGetter is the slice of the State Store the cache reads from.
type WorkflowGetter interface {
	GetWorkflow(ctx context.Context, id string) (*model.WorkflowRecord, error)
}

// ModelCache is a bounded map of workflow id to model metadata. Hits are
// served under a read lock; inserts and evictions take the write lock.
// Concurrent misses for the same id share one store read.
type ModelCache struct {
	store    WorkflowGetter
	capacity int

	mu      sync.RWMutex
	entries map[string]model.ModelCacheEntry
	policy  Policy

	loads singleflight.Group
	now   func() time.Time
}

// New creates a cache holding at most capacity entries. A nil policy means FIFO.
func New(store WorkflowGetter, capacity int, policy Policy) *ModelCache {
	if capacity < 1 {
		capacity = 1
	}
	if policy == nil {
		policy = NewFIFO()
	}
	return &ModelCache{
		store:    store,
		capacity: capacity,
		entries:  make(map[string]model.ModelCacheEntry, capacity),
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetOrLoad returns the entry for workflowID, loading it from the store on a
// miss. Workflows that are not completed yield ErrNotReady.
func (c *ModelCache) GetOrLoad(ctx context.Context, workflowID string) (model.ModelCacheEntry, error) {
	if e, ok := c.lookup(workflowID); ok {
		cacheHits.Inc()
		return e, nil
	}
	cacheMisses.Inc()

	v, err, _ := c.loads.Do(workflowID, func() (any, error) {
		if e, ok := c.lookup(workflowID); ok {
			return e, nil
		}
		e, err := c.load(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		c.insert(e)
		return e, nil
	})
	if err != nil {
		return model.ModelCacheEntry{}, err
	}
	return v.(model.ModelCacheEntry), nil
}

func (c *ModelCache) lookup(workflowID string) (model.ModelCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[workflowID]
	if ok {
		c.policy.Accessed(workflowID)
	}
	return e, ok
}

func (c *ModelCache) load(ctx context.Context, workflowID string) (model.ModelCacheEntry, error) {
	w, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.ModelCacheEntry{}, fmt.Errorf("load model %s: %w", workflowID, err)
	}
	if w.Status != model.StatusCompleted {
		return model.ModelCacheEntry{}, fmt.Errorf("%w: workflow %s is %s", ErrNotReady, workflowID, w.Status)
	}

	entry := model.ModelCacheEntry{
		WorkflowID:      w.ID,
		DomainType:      w.DomainType,
		TrainingMetrics: w.TrainingMetrics,
		LoadedAt:        c.now(),
	}
	if len(w.AnalysisResult) > 0 {
		var analysis model.AnalysisResult
		if err := json.Unmarshal(w.AnalysisResult, &analysis); err == nil {
			entry.ArchitectureSummary = analysis.Architecture
		}
	}
	if len(w.ModelArtifacts) > 0 {
		var artifacts model.ModelArtifacts
		if err := json.Unmarshal(w.ModelArtifacts, &artifacts); err == nil {
			entry.ModelKey = artifacts.ModelKey
		}
	}
	return entry, nil
}

func (c *ModelCache) insert(e model.ModelCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[e.WorkflowID]; ok {
		c.entries[e.WorkflowID] = e
		return
	}
	if len(c.entries) >= c.capacity {
		if victim := c.policy.Victim(); victim != "" {
			delete(c.entries, victim)
			c.policy.Removed(victim)
			cacheEvictions.Inc()
		}
	}
	c.entries[e.WorkflowID] = e
	c.policy.Inserted(e.WorkflowID)
	cacheEntries.Set(float64(len(c.entries)))
}

// Invalidate drops workflowID from the cache if present.
func (c *ModelCache) Invalidate(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[workflowID]; ok {
		delete(c.entries, workflowID)
		c.policy.Removed(workflowID)
		cacheEntries.Set(float64(len(c.entries)))
	}
}

// Contains reports whether workflowID is cached without touching the policy.
func (c *ModelCache) Contains(workflowID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[workflowID]
	return ok
}

// Len reports the number of cached entries.
func (c *ModelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
