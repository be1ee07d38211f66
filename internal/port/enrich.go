package port

import (
	"context"

	"github.com/strogmv/txwatch/internal/domain"
)

// Enricher fetches metadata for a reference key. Failures are *domain.LookupError.
type Enricher interface {
	Lookup(ctx context.Context, key string) (domain.Enrichment, error)
}

// Renderer formats an enriched event. It must be deterministic.
type Renderer interface {
	Render(ev domain.EnrichedEvent) domain.Notification
}
