package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/txwatch/internal/domain"
)

func TestSubject(t *testing.T) {
	c := NewWithConn(nil, "alerts.")
	assert.Equal(t, "alerts.guild1.chanA", c.Subject(domain.Destination{ScopeID: "guild1", ChannelID: "chanA"}))
	assert.Equal(t, "alerts.g_1.c__", c.Subject(domain.Destination{ScopeID: "g.1", ChannelID: "c*>"}))

	assert.Equal(t, "txwatch.notify.g.c", NewWithConn(nil, "").Subject(domain.Destination{ScopeID: "g", ChannelID: "c"}))
}

func TestResolveRequiresConnection(t *testing.T) {
	c := NewWithConn(nil, "")
	_, err := c.Resolve(context.Background(), domain.Destination{ScopeID: "g", ChannelID: "c"})
	assert.ErrorIs(t, err, errNotConnected)
}

func TestPublishRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	c, err := NewClient(url, "txwatch.test")
	require.NoError(t, err)
	defer c.Close()

	got := make(chan Envelope, 1)
	sub, err := c.Subscribe(func(env Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	dest := domain.Destination{ScopeID: "guild1", ChannelID: "chanA"}
	ctx := context.Background()
	h, err := c.Resolve(ctx, dest)
	require.NoError(t, err)
	require.NoError(t, c.Deliver(ctx, h, domain.Notification{Title: "LIST Widget"}))

	select {
	case env := <-got:
		assert.Equal(t, dest, env.Destination)
		assert.Equal(t, "LIST Widget", env.Notification.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
