// Package cache memoizes successful enrichment lookups for a TTL, in Redis
// when a client is configured and in process memory otherwise. Failures are
// never cached.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

const keyPrefix = "enrich:"

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txwatch_enrich_cache_total",
	Help: "Enrichment cache lookups by result.",
}, []string{"result"})

type entry struct {
	value   domain.Enrichment
	expires time.Time
}

type Enricher struct {
	next   port.Enricher
	ttl    time.Duration
	redis  *redis.Client
	prefix string

	mu    sync.Mutex
	local map[string]entry
	now   func() time.Time
}

// New wraps next. rdb may be nil; prefix namespaces Redis keys.
func New(next port.Enricher, ttl time.Duration, rdb *redis.Client, prefix string) *Enricher {
	return &Enricher{
		next:   next,
		ttl:    ttl,
		redis:  rdb,
		prefix: prefix + keyPrefix,
		local:  make(map[string]entry),
		now:    time.Now,
	}
}

func (e *Enricher) Lookup(ctx context.Context, key string) (domain.Enrichment, error) {
	if v, ok := e.get(ctx, key); ok {
		lookups.WithLabelValues("hit").Inc()
		return v, nil
	}
	lookups.WithLabelValues("miss").Inc()

	v, err := e.next.Lookup(ctx, key)
	if err != nil {
		return domain.Enrichment{}, err
	}
	e.set(ctx, key, v)
	return v, nil
}

func (e *Enricher) get(ctx context.Context, key string) (domain.Enrichment, bool) {
	if e.redis != nil {
		raw, err := e.redis.Get(ctx, e.prefix+key).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logger.From(ctx).Warn("enrichment cache read failed", slog.String("reference", key), slog.Any("error", err))
			}
			return domain.Enrichment{}, false
		}
		var v domain.Enrichment
		if err := json.Unmarshal(raw, &v); err != nil {
			return domain.Enrichment{}, false
		}
		return v, true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.local[key]
	if !ok {
		return domain.Enrichment{}, false
	}
	if !e.now().Before(ent.expires) {
		delete(e.local, key)
		return domain.Enrichment{}, false
	}
	return ent.value, true
}

func (e *Enricher) set(ctx context.Context, key string, v domain.Enrichment) {
	if e.redis != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		if err := e.redis.Set(ctx, e.prefix+key, raw, e.ttl).Err(); err != nil {
			logger.From(ctx).Warn("enrichment cache write failed", slog.String("reference", key), slog.Any("error", err))
		}
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for k, ent := range e.local {
		if !now.Before(ent.expires) {
			delete(e.local, k)
		}
	}
	e.local[key] = entry{value: v, expires: now.Add(e.ttl)}
}

var _ port.Enricher = (*Enricher)(nil)
