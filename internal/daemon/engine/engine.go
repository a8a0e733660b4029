// Package engine orchestrates the monitor's background collectors.
package engine

import (
	"context"
	"sync"

	"github.com/lmtoy/pipeline-web/internal/daemon/collector"
	"github.com/lmtoy/pipeline-web/internal/daemon/store"
	"github.com/sirupsen/logrus"
)

// Engine manages and runs all collectors.
type Engine struct {
	store      *store.Store
	collectors []collector.Collector
	logger     *logrus.Entry
}

// New creates a new Engine instance.
func New(st *store.Store, logger *logrus.Entry) *Engine {
	return &Engine{
		store:  st,
		logger: logger,
	}
}

// Register adds a collector to the engine.
func (e *Engine) Register(c collector.Collector) {
	e.collectors = append(e.collectors, c)
}

// Collectors returns the names of the registered collectors.
func (e *Engine) Collectors() []string {
	names := make([]string, len(e.collectors))
	for i, c := range e.collectors {
		names[i] = c.Name()
	}
	return names
}

// Start runs all collectors and blocks until ctx is canceled and every
// collector has returned. Updates still queued at shutdown are applied.
func (e *Engine) Start(ctx context.Context) {
	updates := make(chan store.Update, 100)
	var collectors sync.WaitGroup

	for _, c := range e.collectors {
		collectors.Add(1)
		go func(col collector.Collector) {
			defer collectors.Done()
			e.logger.WithField("collector", col.Name()).Info("Starting collector")
			if err := col.Run(ctx, e.store, updates); err != nil {
				e.logger.WithField("collector", col.Name()).WithError(err).Error("Collector failed")
			}
		}(c)
	}

	go func() {
		collectors.Wait()
		close(updates)
	}()

	for u := range updates {
		e.store.ApplyUpdate(u)
	}
}

// Store returns the engine's state store.
func (e *Engine) Store() *store.Store {
	return e.store
}
