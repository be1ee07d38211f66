package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

const (
	defaultPipelineTimeout = 15 * time.Second
	defaultMaxInFlight     = 64
)

// Pipeline outcomes, used as metric labels.
const (
	OutcomeDelivered      = "delivered"
	OutcomeNotFound       = "not_found"
	OutcomeResolveFailed  = "resolve_failed"
	OutcomeLookupFailed   = "lookup_failed"
	OutcomeDeliveryFailed = "delivery_failed"
	OutcomeTimeout        = "timeout"
	OutcomePanic          = "panic"
)

var errPipelinePanic = errors.New("pipeline panic")

// EventDispatcher receives every event read from a topic's stream.
type EventDispatcher interface {
	Dispatch(ctx context.Context, topic domain.Topic, dests domain.DestinationSet, ev domain.RawEvent)
}

type DispatcherOptions struct {
	// Timeout bounds each destination pipeline.
	Timeout time.Duration
	// MaxInFlight caps pipelines running at once across all events.
	MaxInFlight int64
}

// Dispatcher fans each event out to every destination of its topic. Each
// destination runs resolve, lookup, render and deliver in its own goroutine;
// a failure ends only that destination's pipeline.
type Dispatcher struct {
	enricher  port.Enricher
	renderer  port.Renderer
	deliverer port.Deliverer
	timeout   time.Duration
	sem       *semaphore.Weighted
	tracer    trace.Tracer
	wg        sync.WaitGroup
}

func NewDispatcher(enricher port.Enricher, renderer port.Renderer, deliverer port.Deliverer, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPipelineTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	return &Dispatcher{
		enricher:  enricher,
		renderer:  renderer,
		deliverer: deliverer,
		timeout:   opts.Timeout,
		sem:       semaphore.NewWeighted(opts.MaxInFlight),
		tracer:    otel.Tracer("github.com/strogmv/txwatch/internal/service"),
	}
}

// Dispatch starts one pipeline per destination and returns immediately.
// Pipelines run on a context detached from ctx's cancellation so an event
// received before a reconciliation still finishes.
func (d *Dispatcher) Dispatch(ctx context.Context, topic domain.Topic, dests domain.DestinationSet, ev domain.RawEvent) {
	eventID := uuid.NewString()
	base := context.WithoutCancel(ctx)
	for _, dest := range dests.Slice() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliverOne(base, eventID, topic, dest, ev)
		}()
	}
}

// Wait blocks until every started pipeline has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, eventID string, topic domain.Topic, dest domain.Destination, ev domain.RawEvent) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "fanout.pipeline", trace.WithAttributes(
		attribute.String("txwatch.topic", string(topic)),
		attribute.String("txwatch.destination", dest.String()),
		attribute.String("txwatch.reference", ev.ReferenceKey),
	))
	defer span.End()

	log := logger.From(ctx).With(
		slog.String("event_id", eventID),
		slog.String("topic", string(topic)),
		slog.String("destination", dest.String()),
		slog.String("reference", ev.ReferenceKey),
		slog.String("tx_id", ev.TxID),
		slog.String("tx_type", ev.TxType),
	)
	start := time.Now()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPipelinePanic, r)
		}
		outcome := classify(ctx, err)
		pipelines.WithLabelValues(outcome).Inc()
		pipelineDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			log.Debug("notification delivered")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if outcome == OutcomeNotFound {
			log.Warn("destination skipped", slog.String("outcome", outcome), slog.Any("error", err))
			return
		}
		log.Error("destination pipeline failed", slog.String("outcome", outcome), slog.Any("error", err))
	}()

	err = d.run(ctx, topic, dest, ev)
}

func (d *Dispatcher) run(ctx context.Context, topic domain.Topic, dest domain.Destination, ev domain.RawEvent) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for pipeline slot: %w", err)
	}
	defer d.sem.Release(1)

	h, err := d.deliverer.Resolve(ctx, dest)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dest, err)
	}

	enrichment, err := d.enricher.Lookup(ctx, ev.ReferenceKey)
	if err != nil {
		if !errors.Is(err, domain.ErrLookup) {
			err = &domain.LookupError{Key: ev.ReferenceKey, Err: err}
		}
		return err
	}

	n := d.renderer.Render(domain.EnrichedEvent{
		Topic:      topic,
		Event:      ev,
		Enrichment: enrichment,
	})

	if err := d.deliverer.Deliver(ctx, h, n); err != nil {
		if !errors.Is(err, domain.ErrDelivery) {
			err = &domain.DeliveryError{Destination: dest, Err: err}
		}
		return err
	}
	return nil
}

func classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, errPipelinePanic):
		return OutcomePanic
	case errors.Is(err, domain.ErrDestinationNotFound):
		return OutcomeNotFound
	case errors.Is(err, domain.ErrLookup):
		return OutcomeLookupFailed
	case errors.Is(err, domain.ErrDelivery):
		return OutcomeDeliveryFailed
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeResolveFailed
	}
}
