package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	prev := slog.Default()
	buf := &syncBuffer{}
	logger.InitWriter(buf, "debug")
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestDispatchFansOutEveryPair(t *testing.T) {
	deliverer := &DelivererMock{}
	d := NewDispatcher(&EnricherMock{}, &RendererMock{}, deliverer, DispatcherOptions{})
	dests := domain.NewDestinationSet(guild1A, guild1B, guild2C)

	for _, key := range []string{"m1", "m2"} {
		d.Dispatch(context.Background(), "topicA", dests, domain.RawEvent{ReferenceKey: key, TxType: domain.TxList})
	}
	waitIdle(t, d)

	got := deliverer.deliveries()
	assert.Len(t, got, 6)
	pairs := map[string]int{}
	for _, dl := range got {
		pairs[dl.Dest.String()+"/"+dl.Notification.Title]++
	}
	for _, dest := range dests.Slice() {
		assert.Equal(t, 1, pairs[dest.String()+"/LIST name-m1"])
		assert.Equal(t, 1, pairs[dest.String()+"/LIST name-m2"])
	}
}

func TestDispatchDeliversRenderedNotification(t *testing.T) {
	enricher := &EnricherMock{LookupFunc: func(ctx context.Context, key string) (domain.Enrichment, error) {
		assert.Equal(t, "mintX", key)
		return domain.Enrichment{Name: "Widget"}, nil
	}}
	deliverer := &DelivererMock{}
	d := NewDispatcher(enricher, &RendererMock{}, deliverer, DispatcherOptions{})

	d.Dispatch(context.Background(), "topicA", domain.NewDestinationSet(guild1A),
		domain.RawEvent{ReferenceKey: "mintX", TxType: domain.TxList})
	waitIdle(t, d)

	got := deliverer.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, guild1A, got[0].Dest)
	assert.Equal(t, "LIST Widget", got[0].Notification.Title)
}

func TestDispatchLookupFailureIsIsolated(t *testing.T) {
	logs := captureLogs(t)
	enricher := &EnricherMock{LookupFunc: func(ctx context.Context, key string) (domain.Enrichment, error) {
		if key == "bad" {
			return domain.Enrichment{}, errors.New("mint not found")
		}
		return domain.Enrichment{Name: key}, nil
	}}
	deliverer := &DelivererMock{}
	d := NewDispatcher(enricher, &RendererMock{}, deliverer, DispatcherOptions{})
	dests := domain.NewDestinationSet(guild1A, guild1B)

	d.Dispatch(context.Background(), "topicA", dests, domain.RawEvent{ReferenceKey: "bad", TxType: domain.TxList})
	d.Dispatch(context.Background(), "topicA", dests, domain.RawEvent{ReferenceKey: "good", TxType: domain.TxList})
	waitIdle(t, d)

	got := deliverer.deliveries()
	require.Len(t, got, 2)
	for _, dl := range got {
		assert.Equal(t, "LIST good", dl.Notification.Title)
	}
	assert.Contains(t, logs.String(), `"outcome":"lookup_failed"`)
	assert.Contains(t, logs.String(), `"reference":"bad"`)
}

func TestDispatchOnePairFailureDoesNotAffectOthers(t *testing.T) {
	deliverer := &DelivererMock{DeliverFunc: func(ctx context.Context, h port.Handle, n domain.Notification) error {
		if h.Destination() == guild1B {
			return errors.New("missing access")
		}
		return nil
	}}
	d := NewDispatcher(&EnricherMock{}, &RendererMock{}, deliverer, DispatcherOptions{})

	d.Dispatch(context.Background(), "topicA", domain.NewDestinationSet(guild1A, guild1B, guild2C), domain.RawEvent{ReferenceKey: "m1"})
	waitIdle(t, d)

	var dests []domain.Destination
	for _, dl := range deliverer.deliveries() {
		dests = append(dests, dl.Dest)
	}
	assert.ElementsMatch(t, []domain.Destination{guild1A, guild2C}, dests)
}

func TestDispatchSlowLookupDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	enricher := &EnricherMock{LookupFunc: func(ctx context.Context, key string) (domain.Enrichment, error) {
		if key == "slow" {
			<-release
		}
		return domain.Enrichment{Name: key}, nil
	}}
	deliverer := &DelivererMock{}
	d := NewDispatcher(enricher, &RendererMock{}, deliverer, DispatcherOptions{})

	d.Dispatch(context.Background(), "topicA", domain.NewDestinationSet(guild1A), domain.RawEvent{ReferenceKey: "slow"})
	d.Dispatch(context.Background(), "topicA", domain.NewDestinationSet(guild1A), domain.RawEvent{ReferenceKey: "fast"})

	require.Eventually(t, func() bool { return len(deliverer.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, " fast", deliverer.deliveries()[0].Notification.Title)

	close(release)
	waitIdle(t, d)
	assert.Len(t, deliverer.deliveries(), 2)
}

func TestDispatchNotFoundSkipsLookup(t *testing.T) {
	logs := captureLogs(t)
	var lookups atomic.Int32
	enricher := &EnricherMock{LookupFunc: func(ctx context.Context, key string) (domain.Enrichment, error) {
		lookups.Add(1)
		return domain.Enrichment{}, nil
	}}
	deliverer := &DelivererMock{ResolveFunc: func(ctx context.Context, dest domain.Destination) (port.Handle, error) {
		return nil, domain.ErrDestinationNotFound
	}}
	d := NewDispatcher(enricher, &RendererMock{}, deliverer, DispatcherOptions{})

	d.Dispatch(context.Background(), "topicA", domain.NewDestinationSet(guild1A), domain.RawEvent{ReferenceKey: "m1"})
	waitIdle(t, d)

	assert.Zero(t, lookups.Load())
	assert.Empty(t, deliverer.deliveries())
	assert.Contains(t, logs.String(), `"outcome":"not_found"`)
}

func TestDispatchTimeout(t *testing.T) {
	logs := captureLogs(t)
	enricher := &EnricherMock{LookupFunc: func(ctx context.Context, key string) (domain.Enrichment, error) {
		<-ctx.Done()
		return domain.Enrichment{}, ctx.Err()
	}}
	deliverer := &DelivererMock{}
	d := NewDispatcher(enricher, &RendererMock{}, deliverer, DispatcherOptions{Timeout: 20 * time.Millisecond})

	d.Dispatch(context.Background(), "topicA", domain.NewDestinationSet(guild1A), domain.RawEvent{ReferenceKey: "m1"})
	waitIdle(t, d)

	assert.Empty(t, deliverer.deliveries())
	// The lookup wrapper wins over the deadline; both are logged.
	assert.Contains(t, logs.String(), `"outcome":"lookup_failed"`)
	assert.Contains(t, logs.String(), "context deadline exceeded")
}

func TestDispatchSurvivesCancelledParent(t *testing.T) {
	deliverer := &DelivererMock{}
	d := NewDispatcher(&EnricherMock{}, &RendererMock{}, deliverer, DispatcherOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Dispatch(ctx, "topicA", domain.NewDestinationSet(guild1A), domain.RawEvent{ReferenceKey: "m1"})
	waitIdle(t, d)
	assert.Len(t, deliverer.deliveries(), 1)
}

func TestDispatchRecoversPanic(t *testing.T) {
	logs := captureLogs(t)
	renderer := &RendererMock{RenderFunc: func(ev domain.EnrichedEvent) domain.Notification {
		if ev.Event.ReferenceKey == "boom" {
			panic("template exploded")
		}
		return domain.Notification{Title: ev.Event.ReferenceKey}
	}}
	deliverer := &DelivererMock{}
	d := NewDispatcher(&EnricherMock{}, renderer, deliverer, DispatcherOptions{})

	d.Dispatch(context.Background(), "topicA", domain.NewDestinationSet(guild1A), domain.RawEvent{ReferenceKey: "boom"})
	d.Dispatch(context.Background(), "topicA", domain.NewDestinationSet(guild1A), domain.RawEvent{ReferenceKey: "ok"})
	waitIdle(t, d)

	require.Len(t, deliverer.deliveries(), 1)
	assert.Equal(t, "ok", deliverer.deliveries()[0].Notification.Title)
	assert.Contains(t, logs.String(), `"outcome":"panic"`)
}

func TestDispatchRespectsMaxInFlight(t *testing.T) {
	var running, peak atomic.Int32
	enricher := &EnricherMock{LookupFunc: func(ctx context.Context, key string) (domain.Enrichment, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return domain.Enrichment{}, nil
	}}
	deliverer := &DelivererMock{}
	d := NewDispatcher(enricher, &RendererMock{}, deliverer, DispatcherOptions{MaxInFlight: 2})

	dests := domain.NewDestinationSet(guild1A, guild1B, guild2C)
	for i := 0; i < 4; i++ {
		d.Dispatch(context.Background(), "topicA", dests, domain.RawEvent{ReferenceKey: "m"})
	}
	waitIdle(t, d)

	assert.Len(t, deliverer.deliveries(), 12)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	expired, cancel := context.WithTimeout(ctx, -time.Second)
	defer cancel()

	assert.Equal(t, OutcomeDelivered, classify(ctx, nil))
	assert.Equal(t, OutcomeNotFound, classify(ctx, domain.ErrDestinationNotFound))
	assert.Equal(t, OutcomeLookupFailed, classify(ctx, &domain.LookupError{Key: "k", Err: errors.New("x")}))
	assert.Equal(t, OutcomeDeliveryFailed, classify(ctx, &domain.DeliveryError{Destination: guild1A, Err: errors.New("x")}))
	assert.Equal(t, OutcomeTimeout, classify(expired, context.DeadlineExceeded))
	assert.Equal(t, OutcomeResolveFailed, classify(ctx, errors.New("dial tcp")))
}
