// Package notifications routes each destination to every configured sink.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

// Router implements port.Deliverer over several sinks. A destination is
// not found only when every sink reports it not found.
type Router struct {
	sinks []port.NotificationSink
}

// NewRouter builds a router; sinks are tried in the order given.
func NewRouter(sinks ...port.NotificationSink) (*Router, error) {
	if len(sinks) == 0 {
		return nil, errors.New("no notification sinks configured")
	}
	seen := map[string]bool{}
	for _, s := range sinks {
		name := strings.TrimSpace(s.Name())
		if seen[name] {
			return nil, fmt.Errorf("notification sink %q configured twice", name)
		}
		seen[name] = true
	}
	return &Router{sinks: sinks}, nil
}

type sinkHandle struct {
	sink   port.NotificationSink
	handle port.Handle
}

type routedHandle struct {
	dest    domain.Destination
	targets []sinkHandle
}

func (h routedHandle) Destination() domain.Destination { return h.dest }

func (r *Router) Resolve(ctx context.Context, dest domain.Destination) (port.Handle, error) {
	out := routedHandle{dest: dest}
	var errs []error
	notFound := 0
	for _, s := range r.sinks {
		h, err := s.Resolve(ctx, dest)
		switch {
		case err == nil:
			out.targets = append(out.targets, sinkHandle{sink: s, handle: h})
		case errors.Is(err, domain.ErrDestinationNotFound):
			notFound++
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		default:
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(out.targets) > 0 {
		if len(errs) > 0 {
			logger.From(ctx).Warn("destination partially resolved",
				slog.String("destination", dest.String()),
				slog.Any("error", errors.Join(errs...)),
			)
		}
		return out, nil
	}
	if notFound == len(r.sinks) {
		return nil, errors.Join(errs...)
	}
	// Mixed failures are reported without the not-found sentinel.
	return nil, fmt.Errorf("resolve %s: %s", dest, errors.Join(errs...).Error())
}

// Deliver sends n through every sink the destination resolved on.
func (r *Router) Deliver(ctx context.Context, h port.Handle, n domain.Notification) error {
	rh, ok := h.(routedHandle)
	if !ok {
		return &domain.DeliveryError{Destination: h.Destination(), Err: errors.New("handle was not resolved by the router")}
	}
	var errs []error
	for _, t := range rh.targets {
		if err := t.sink.Deliver(ctx, t.handle, n); err != nil {
			errs = append(errs, fmt.Errorf("send via %s: %w", t.sink.Name(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &domain.DeliveryError{Destination: rh.dest, Err: errors.Join(errs...)}
}

var _ port.Deliverer = (*Router)(nil)
