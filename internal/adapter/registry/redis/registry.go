// Package redis stores registrations as Redis sets and announces changes on
// a pub/sub channel.
//
// Layout, relative to the configured prefix:
//
//	topics          set of topics
//	topic:<topic>   set of "<scope>-<channel>" destinations
//	changes         channel carrying the topic of every mutation
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

var errSubscriptionClosed = errors.New("change subscription closed")

// KEYS: destination set, topic set, change channel. ARGV: destination, topic.
var addScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 then
  redis.call('SADD', KEYS[2], ARGV[2])
  redis.call('PUBLISH', KEYS[3], ARGV[2])
end
return added
`)

var removeScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 1 then
  if redis.call('SCARD', KEYS[1]) == 0 then
    redis.call('SREM', KEYS[2], ARGV[2])
  end
  redis.call('PUBLISH', KEYS[3], ARGV[2])
end
return removed
`)

type Registry struct {
	rdb    *redis.Client
	prefix string
}

func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
	})
}

func NewRegistry(rdb *redis.Client, prefix string) *Registry {
	return &Registry{rdb: rdb, prefix: prefix}
}

func (r *Registry) topicsKey() string                  { return r.prefix + "topics" }
func (r *Registry) topicKey(topic domain.Topic) string { return r.prefix + "topic:" + string(topic) }
func (r *Registry) changesChannel() string             { return r.prefix + "changes" }

func (r *Registry) keys(topic domain.Topic) []string {
	return []string{r.topicKey(topic), r.topicsKey(), r.changesChannel()}
}

func (r *Registry) AddDestination(ctx context.Context, topic domain.Topic, dest domain.Destination) (bool, error) {
	n, err := addScript.Run(ctx, r.rdb, r.keys(topic), dest.String(), string(topic)).Int()
	if err != nil {
		return false, fmt.Errorf("add %s to %s: %w", dest, topic, err)
	}
	return n == 1, nil
}

func (r *Registry) RemoveDestination(ctx context.Context, topic domain.Topic, dest domain.Destination) (bool, error) {
	n, err := removeScript.Run(ctx, r.rdb, r.keys(topic), dest.String(), string(topic)).Int()
	if err != nil {
		return false, fmt.Errorf("remove %s from %s: %w", dest, topic, err)
	}
	return n == 1, nil
}

func (r *Registry) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	topics, err := r.rdb.SMembers(ctx, r.topicsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	cmds := make([]*redis.StringSliceCmd, len(topics))
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, t := range topics {
			cmds[i] = p.SMembers(ctx, r.topicKey(domain.Topic(t)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}

	log := logger.From(ctx)
	snap := make(domain.Snapshot, len(topics))
	for i, t := range topics {
		var set domain.DestinationSet
		for _, member := range cmds[i].Val() {
			d, err := domain.ParseDestination(member)
			if err != nil {
				log.Warn("skipping malformed registration", slog.String("topic", t), slog.Any("error", err))
				continue
			}
			set.Add(d)
		}
		if set.Len() > 0 {
			snap[domain.Topic(t)] = set
		}
	}
	return snap, nil
}

// Watch subscribes to the change channel, then emits the current snapshot
// and a reloaded one per burst of change messages.
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
		emit := func() bool {
			snap, err := r.Snapshot(ctx)
			if err != nil {
				send(port.RegistryUpdate{Err: err})
				return false
			}
			return send(port.RegistryUpdate{Snapshot: snap})
		}

		pubsub := r.rdb.Subscribe(ctx, r.changesChannel())
		defer pubsub.Close()
		if _, err := pubsub.Receive(ctx); err != nil {
			send(port.RegistryUpdate{Err: fmt.Errorf("subscribe %s: %w", r.changesChannel(), err)})
			return
		}
		// Subscription confirmations after the first one mean the client
		// reconnected; changes published in between were lost, so reload.
		msgs := pubsub.ChannelWithSubscriptions()

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					send(port.RegistryUpdate{Err: errSubscriptionClosed})
					return
				}
				if !triggersReload(m) {
					continue
				}
			}
		drain:
			for {
				select {
				case _, ok := <-msgs:
					if !ok {
						send(port.RegistryUpdate{Err: errSubscriptionClosed})
						return
					}
				default:
					break drain
				}
			}
			if !emit() {
				return
			}
		}
	}()
	return out
}

func triggersReload(m any) bool {
	switch v := m.(type) {
	case *redis.Message:
		return true
	case *redis.Subscription:
		return v.Kind == "subscribe"
	}
	return false
}

var _ port.Registry = (*Registry)(nil)
