package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

// StreamState describes a live subscription's upstream stream.
type StreamState int32

const (
	StreamActive StreamState = iota
	StreamFailed
	StreamCompleted
)

func (s StreamState) String() string {
	switch s {
	case StreamActive:
		return "active"
	case StreamFailed:
		return "failed"
	case StreamCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// LiveInfo is a read-only view of one live subscription.
type LiveInfo struct {
	Topic        domain.Topic `json:"topic"`
	Destinations int          `json:"destinations"`
	State        string       `json:"state"`
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Closed int
	Opened []domain.Topic
	Failed map[domain.Topic]error
}

type liveSubscription struct {
	topic  domain.Topic
	dests  domain.DestinationSet
	stream port.Stream
	done   chan struct{}
	state  atomic.Int32
}

// Reconciler owns the topic -> live subscription map. Every pass replaces
// the whole map; passes are serialized.
type Reconciler struct {
	upstream   port.UpstreamFactory
	dispatcher EventDispatcher

	mu   sync.Mutex
	live map[domain.Topic]*liveSubscription
}

func NewReconciler(upstream port.UpstreamFactory, dispatcher EventDispatcher) *Reconciler {
	return &Reconciler{
		upstream:   upstream,
		dispatcher: dispatcher,
		live:       make(map[domain.Topic]*liveSubscription),
	}
}

// Reconcile cancels every held subscription, waits for their consumers to
// stop, then opens one subscription per topic in snap. Topics whose
// subscription cannot be opened are logged and left out.
func (r *Reconciler) Reconcile(ctx context.Context, snap domain.Snapshot) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logger.From(ctx)
	res := ReconcileResult{Failed: map[domain.Topic]error{}}
	res.Closed = r.closeAllLocked(log)

	for _, topic := range snap.Topics() {
		stream, err := r.upstream.Open(ctx, topic)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", domain.ErrUpstreamOpen, topic, err)
			res.Failed[topic] = err
			upstreamOpenFailures.Inc()
			log.Error("upstream subscribe failed", slog.String("topic", string(topic)), slog.Any("error", err))
			continue
		}
		ls := &liveSubscription{
			topic:  topic,
			dests:  snap[topic].Clone(),
			stream: stream,
			done:   make(chan struct{}),
		}
		r.live[topic] = ls
		res.Opened = append(res.Opened, topic)
		log.Info("subscribed", slog.String("topic", string(topic)), slog.Int("destinations", ls.dests.Len()))
		go r.consume(ctx, ls)
	}

	reconciliations.Inc()
	liveSubscriptions.Set(float64(len(r.live)))
	log.Info("reconciled",
		slog.Int("closed", res.Closed),
		slog.Int("opened", len(res.Opened)),
		slog.Int("failed", len(res.Failed)),
	)
	return res
}

// Shutdown cancels every live subscription.
func (r *Reconciler) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeAllLocked(logger.From(ctx))
	liveSubscriptions.Set(0)
}

// Live lists the current subscriptions sorted by topic.
func (r *Reconciler) Live() []LiveInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LiveInfo, 0, len(r.live))
	for _, ls := range r.live {
		out = append(out, LiveInfo{
			Topic:        ls.topic,
			Destinations: ls.dests.Len(),
			State:        StreamState(ls.state.Load()).String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// closeAllLocked returns only after every consumer goroutine has exited, so
// no topic ever has two streams open at once.
func (r *Reconciler) closeAllLocked(log *slog.Logger) int {
	n := len(r.live)
	for topic, ls := range r.live {
		log.Info("disposing subscription", slog.String("topic", string(topic)))
		ls.stream.Close()
		<-ls.done
	}
	clear(r.live)
	return n
}

func (r *Reconciler) consume(ctx context.Context, ls *liveSubscription) {
	defer close(ls.done)
	log := logger.From(ctx).With(slog.String("topic", string(ls.topic)))

	for msg := range ls.stream.Events() {
		switch msg.Kind {
		case port.StreamNext:
			r.dispatcher.Dispatch(ctx, ls.topic, ls.dests, msg.Event)
		case port.StreamError:
			ls.state.Store(int32(StreamFailed))
			streamTerminations.WithLabelValues(msg.Kind.String()).Inc()
			log.Error("upstream stream failed", slog.Any("error", fmt.Errorf("%w: %w", domain.ErrUpstreamStream, msg.Err)))
		case port.StreamComplete:
			ls.state.Store(int32(StreamCompleted))
			streamTerminations.WithLabelValues(msg.Kind.String()).Inc()
			log.Warn("upstream stream completed", slog.Any("error", domain.ErrUpstreamComplete))
		}
	}
}
