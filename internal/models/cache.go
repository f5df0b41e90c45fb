// Package models owns the process-wide cache of loaded inference engines.
// One engine is materialized per model identifier and lives until shutdown;
// there is no eviction, since the model set is small and memory-resident by
// design.
package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/stt-service/internal/engine"
)

// ErrModelLoad indicates that the backend could not instantiate a model
// (missing weights, unsupported identifier, device unavailable). The failure
// is not cached; a later Get with the same identifier retries the load.
var ErrModelLoad = errors.New("models: model load failed")

// Cache is a thread-safe get-or-load cache of inference engines keyed by
// model identifier. Loads run under the cache lock: they are rare, cached for
// the process lifetime, and holding the lock keeps the exactly-once guarantee
// trivial. Callers must not hold unrelated locks while calling Get.
type Cache struct {
	loader  engine.Loader
	logger  *slog.Logger
	onLoad  func(modelID string, duration time.Duration)
	mu      sync.Mutex
	engines map[string]engine.Engine
}

// NewCache creates an empty engine cache backed by the given loader.
// onLoad, if non-nil, is invoked after every successful load (metrics hook).
func NewCache(loader engine.Loader, logger *slog.Logger, onLoad func(modelID string, duration time.Duration)) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		loader:  loader,
		logger:  logger,
		onLoad:  onLoad,
		engines: make(map[string]engine.Engine),
	}
}

// Get returns the engine for the model identifier, loading it on first
// access. Concurrent first-access callers for the same identifier serialize
// on the cache lock so the load runs exactly once.
func (c *Cache) Get(ctx context.Context, modelID string) (engine.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if eng, ok := c.engines[modelID]; ok {
		return eng, nil
	}

	c.logger.Info("Loading model", slog.String("model", modelID))
	start := time.Now()

	eng, err := c.loader.Load(ctx, modelID)
	if err != nil {
		c.logger.Error("Model load failed",
			slog.String("model", modelID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, modelID, err)
	}

	c.engines[modelID] = eng
	elapsed := time.Since(start)

	c.logger.Info("Model loaded",
		slog.String("model", modelID),
		slog.Duration("load_time", elapsed),
	)

	if c.onLoad != nil {
		c.onLoad(modelID, elapsed)
	}

	return eng, nil
}

// Preload eagerly loads a model at startup so the first request does not pay
// the load latency.
func (c *Cache) Preload(ctx context.Context, modelID string) error {
	_, err := c.Get(ctx, modelID)
	return err
}

// Loaded returns the sorted identifiers of currently loaded models.
func (c *Cache) Loaded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.engines))
	for id := range c.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every loaded engine. Called once at process shutdown.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, eng := range c.engines {
		if err := eng.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing model %s: %w", id, err)
		}
		delete(c.engines, id)
	}
	return firstErr
}
