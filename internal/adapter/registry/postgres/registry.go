// Package postgres stores registrations in a table and announces changes
// with LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/port"
)

// NotifyChannel carries the topic of every registry mutation.
const NotifyChannel = "txwatch_registry"

const schema = `
CREATE TABLE IF NOT EXISTS registrations (
	topic      TEXT        NOT NULL,
	scope_id   TEXT        NOT NULL,
	channel_id TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (topic, scope_id, channel_id)
)`

type Registry struct {
	DB *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{DB: pool}
}

// EnsureSchema creates the registrations table when it is missing.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *Registry) AddDestination(ctx context.Context, topic domain.Topic, dest domain.Destination) (bool, error) {
	return r.mutate(ctx, topic,
		"INSERT INTO registrations (topic, scope_id, channel_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
		dest)
}

func (r *Registry) RemoveDestination(ctx context.Context, topic domain.Topic, dest domain.Destination) (bool, error) {
	return r.mutate(ctx, topic,
		"DELETE FROM registrations WHERE topic = $1 AND scope_id = $2 AND channel_id = $3",
		dest)
}

// mutate runs stmt and notifies listeners in the same transaction when a
// row changed.
func (r *Registry) mutate(ctx context.Context, topic domain.Topic, stmt string, dest domain.Destination) (bool, error) {
	changed := false
	err := pgx.BeginFunc(ctx, r.DB, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, stmt, string(topic), dest.ScopeID, dest.ChannelID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		changed = true
		_, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(topic))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update registration %s for %s: %w", dest, topic, err)
	}
	return changed, nil
}

func (r *Registry) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	rows, err := r.DB.Query(ctx, "SELECT topic, scope_id, channel_id FROM registrations ORDER BY topic")
	if err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}
	defer rows.Close()

	snap := domain.Snapshot{}
	for rows.Next() {
		var topic string
		var d domain.Destination
		if err := rows.Scan(&topic, &d.ScopeID, &d.ChannelID); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		set := snap[domain.Topic(topic)]
		set.Add(d)
		snap[domain.Topic(topic)] = set
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}
	return snap, nil
}

// Watch holds one pooled connection in LISTEN mode and emits a reloaded
// snapshot after every notification.
func (r *Registry) Watch(ctx context.Context) <-chan port.RegistryUpdate {
	out := make(chan port.RegistryUpdate)
	go func() {
		defer close(out)
		send := func(u port.RegistryUpdate) bool {
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}

		conn, err := r.DB.Acquire(ctx)
		if err != nil {
			send(port.RegistryUpdate{Err: fmt.Errorf("acquire listen connection: %w", err)})
			return
		}
		defer func() {
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(cleanup, "UNLISTEN *"); err != nil {
				conn.Conn().Close(cleanup)
			}
			conn.Release()
		}()

		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
			send(port.RegistryUpdate{Err: fmt.Errorf("listen: %w", err)})
			return
		}

		for {
			snap, err := r.Snapshot(ctx)
			if err != nil {
				send(port.RegistryUpdate{Err: err})
				return
			}
			if !send(port.RegistryUpdate{Snapshot: snap}) {
				return
			}
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					send(port.RegistryUpdate{Err: fmt.Errorf("wait for notification: %w", err)})
				}
				return
			}
		}
	}()
	return out
}

var _ port.Registry = (*Registry)(nil)
