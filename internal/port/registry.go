package port

import (
	"context"

	"github.com/strogmv/txwatch/internal/domain"
)

// RegistryUpdate carries either a full snapshot or a terminal watch error.
// An update with Err set is the last one sent before the channel closes.
type RegistryUpdate struct {
	Snapshot domain.Snapshot
	Err      error
}

// RegistryWatcher streams full registry snapshots: the current content first,
// then one snapshot per change. Rapid changes may be coalesced.
type RegistryWatcher interface {
	Watch(ctx context.Context) <-chan RegistryUpdate
}

// RegistryReader loads the current registry content.
type RegistryReader interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

// RegistryWriter mutates registrations. Both operations are idempotent and
// report whether membership changed.
type RegistryWriter interface {
	AddDestination(ctx context.Context, topic domain.Topic, dest domain.Destination) (bool, error)
	RemoveDestination(ctx context.Context, topic domain.Topic, dest domain.Destination) (bool, error)
}

// Registry is implemented by every registry backend.
type Registry interface {
	RegistryWatcher
	RegistryReader
	RegistryWriter
}
