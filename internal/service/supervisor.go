package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

// SnapshotReconciler applies one registry snapshot.
type SnapshotReconciler interface {
	Reconcile(ctx context.Context, snap domain.Snapshot) ReconcileResult
}

// Supervisor drives reconciliation from the registry watch and re-establishes
// the watch after it fails.
type Supervisor struct {
	watcher    port.RegistryWatcher
	reconciler SnapshotReconciler
	backoffMin time.Duration
	backoffMax time.Duration
	after      func(time.Duration) <-chan time.Time
}

func NewSupervisor(watcher port.RegistryWatcher, reconciler SnapshotReconciler, backoffMin, backoffMax time.Duration) *Supervisor {
	if backoffMin <= 0 {
		backoffMin = time.Second
	}
	if backoffMax < backoffMin {
		backoffMax = backoffMin
	}
	return &Supervisor{
		watcher:    watcher,
		reconciler: reconciler,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		after:      time.After,
	}
}

// Run blocks until ctx is done. Snapshots are applied one at a time in the
// order the watch yields them.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logger.From(ctx)
	delay := s.backoffMin
	for {
		received, err := s.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			delay = s.backoffMin
		}
		registryWatchFailures.Inc()
		log.Error("registry watch ended", slog.Any("error", err), slog.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(delay):
		}
		delay = min(delay*2, s.backoffMax)
	}
}

func (s *Supervisor) watchOnce(ctx context.Context) (bool, error) {
	received := false
	for u := range s.watcher.Watch(ctx) {
		if u.Err != nil {
			return received, fmt.Errorf("%w: %w", domain.ErrRegistryWatch, u.Err)
		}
		received = true
		s.reconciler.Reconcile(ctx, u.Snapshot)
	}
	return received, fmt.Errorf("%w: watch closed", domain.ErrRegistryWatch)
}
