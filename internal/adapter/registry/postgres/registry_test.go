package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/port"
)

func newTestRegistry(t *testing.T) (*Registry, domain.Topic) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	r := NewRegistry(pool)
	require.NoError(t, r.EnsureSchema(ctx))

	topic := domain.Topic(fmt.Sprintf("test-%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DELETE FROM registrations WHERE topic = $1", string(topic))
		pool.Close()
	})
	return r, topic
}

func TestAddRemoveSnapshot(t *testing.T) {
	r, topic := newTestRegistry(t)
	ctx := context.Background()
	a := domain.Destination{ScopeID: "guild1", ChannelID: "chanA"}

	added, err := r.AddDestination(ctx, topic, a)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = r.AddDestination(ctx, topic, a)
	require.NoError(t, err)
	assert.False(t, added)

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Destination{a}, snap[topic].Slice())

	removed, err := r.RemoveDestination(ctx, topic, a)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = r.RemoveDestination(ctx, topic, a)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestWatchEmitsOnNotify(t *testing.T) {
	r, topic := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := r.Watch(ctx)
	recv := func() port.RegistryUpdate {
		select {
		case u := <-updates:
			return u
		case <-time.After(3 * time.Second):
			t.Fatal("no registry update")
			return port.RegistryUpdate{}
		}
	}

	first := recv()
	require.NoError(t, first.Err)
	assert.NotContains(t, first.Snapshot, topic)

	_, err := r.AddDestination(ctx, topic, domain.Destination{ScopeID: "g", ChannelID: "c"})
	require.NoError(t, err)

	// Other tests may notify too; wait for the snapshot carrying our topic.
	for {
		u := recv()
		require.NoError(t, u.Err)
		if u.Snapshot[topic].Len() == 1 {
			break
		}
	}

	cancel()
	for range updates {
	}
}
