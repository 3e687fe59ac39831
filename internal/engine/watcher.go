package engine

import (
	"context"
	"time"

	"github.com/gerlofvanek/basicswap/pkg/logging"
)

// Watcher runs the engine scheduler on an interval until its context is
// cancelled. Ticks never overlap; a slow pass just delays the next one.
type Watcher struct {
	engine   *Engine
	interval time.Duration
	log      *logging.Logger
}

// NewWatcher creates a Watcher. A non-positive interval defaults to 10s.
func NewWatcher(e *Engine, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		engine:   e,
		interval: interval,
		log:      logging.Component("watcher"),
	}
}

// Run blocks, ticking the engine until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watcher started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			w.engine.Tick(ctx)
		}
	}
}
