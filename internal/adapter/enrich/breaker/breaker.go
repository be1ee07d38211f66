// Package breaker guards an enricher with a circuit breaker.
package breaker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/circuitbreaker"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

var rejected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "txwatch_enrich_circuit_rejections_total",
	Help: "Lookups rejected while the enrichment circuit was open.",
})

// Enricher fails fast with domain.ErrCircuitOpen after repeated lookup
// failures, until the breaker's cooldown has passed. Answers without data
// (domain.ErrNoEnrichment) count as successful calls.
type Enricher struct {
	next port.Enricher
	cb   *circuitbreaker.Breaker
}

func New(next port.Enricher, cb *circuitbreaker.Breaker) *Enricher {
	return &Enricher{next: next, cb: cb}
}

func (e *Enricher) Lookup(ctx context.Context, key string) (domain.Enrichment, error) {
	if !e.cb.Allow() {
		rejected.Inc()
		return domain.Enrichment{}, &domain.LookupError{Key: key, Err: domain.ErrCircuitOpen}
	}
	out, err := e.next.Lookup(ctx, key)
	if errors.Is(err, domain.ErrNoEnrichment) {
		e.cb.RecordSuccess()
		return domain.Enrichment{}, err
	}
	if err != nil {
		before := e.cb.State()
		e.cb.RecordFailure()
		if after := e.cb.State(); after != before && after == circuitbreaker.Open {
			logger.From(ctx).Warn("enrichment circuit opened", slog.Any("error", err))
		}
		return domain.Enrichment{}, err
	}
	e.cb.RecordSuccess()
	return out, nil
}

var _ port.Enricher = (*Enricher)(nil)
