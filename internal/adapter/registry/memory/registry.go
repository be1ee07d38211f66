// Package memory provides an in-process registry, used for local runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/port"
)

type Registry struct {
	mu       sync.Mutex
	topics   map[domain.Topic]domain.DestinationSet
	watchers map[chan struct{}]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		topics:   make(map[domain.Topic]domain.DestinationSet),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (r *Registry) AddDestination(ctx context.Context, topic domain.Topic, dest domain.Destination) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.topics[topic]
	added := set.Add(dest)
	r.topics[topic] = set
	if added {
		r.notifyLocked()
	}
	return added, nil
}

// RemoveDestination drops dest; a topic left without destinations is removed.
func (r *Registry) RemoveDestination(ctx context.Context, topic domain.Topic, dest domain.Destination) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[topic]
	if !ok || !set.Remove(dest) {
		return false, nil
	}
	if set.Len() == 0 {
		delete(r.topics, topic)
	}
	r.notifyLocked()
	return true, nil
}

func (r *Registry) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

// Watch sends the current snapshot, then a fresh one after each change.
// Changes made while the consumer is busy collapse into one snapshot.
func (r *Registry) Watch(ctx context.Context) <-chan port.RegistryUpdate {
	out := make(chan port.RegistryUpdate)
	sig := make(chan struct{}, 1)

	r.mu.Lock()
	r.watchers[sig] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.watchers, sig)
			r.mu.Unlock()
		}()
		for {
			snap, _ := r.Snapshot(ctx)
			select {
			case out <- port.RegistryUpdate{Snapshot: snap}:
			case <-ctx.Done():
				return
			}
			select {
			case <-sig:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Registry) snapshotLocked() domain.Snapshot {
	snap := make(domain.Snapshot, len(r.topics))
	for t, set := range r.topics {
		snap[t] = set.Clone()
	}
	return snap
}

func (r *Registry) notifyLocked() {
	for sig := range r.watchers {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
}

var _ port.Registry = (*Registry)(nil)
