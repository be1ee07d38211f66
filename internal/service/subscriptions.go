package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/port"
)

// ErrInvalidRegistration is returned for malformed topic or destination input.
var ErrInvalidRegistration = errors.New("invalid registration")

// Subscriptions is the command-side entry point for registry mutations.
type Subscriptions struct {
	writer port.RegistryWriter
	reader port.RegistryReader
}

func NewSubscriptions(writer port.RegistryWriter, reader port.RegistryReader) *Subscriptions {
	return &Subscriptions{writer: writer, reader: reader}
}

// Subscribe registers dest for topic. added is false when it was already
// registered.
func (s *Subscriptions) Subscribe(ctx context.Context, topic string, dest domain.Destination) (added bool, err error) {
	t, d, err := normalize(topic, dest)
	if err != nil {
		return false, err
	}
	added, err = s.writer.AddDestination(ctx, t, d)
	if err != nil {
		return false, fmt.Errorf("subscribe %s to %s: %w", d, t, err)
	}
	return added, nil
}

// Unsubscribe removes dest from topic. removed is false when it was not
// registered.
func (s *Subscriptions) Unsubscribe(ctx context.Context, topic string, dest domain.Destination) (removed bool, err error) {
	t, d, err := normalize(topic, dest)
	if err != nil {
		return false, err
	}
	removed, err = s.writer.RemoveDestination(ctx, t, d)
	if err != nil {
		return false, fmt.Errorf("unsubscribe %s from %s: %w", d, t, err)
	}
	return removed, nil
}

// List returns the registry content.
func (s *Subscriptions) List(ctx context.Context) (domain.Snapshot, error) {
	return s.reader.Snapshot(ctx)
}

func normalize(topic string, dest domain.Destination) (domain.Topic, domain.Destination, error) {
	topic = strings.TrimSpace(topic)
	dest.ScopeID = strings.TrimSpace(dest.ScopeID)
	dest.ChannelID = strings.TrimSpace(dest.ChannelID)
	switch {
	case topic == "":
		return "", dest, fmt.Errorf("%w: topic is required", ErrInvalidRegistration)
	case dest.ScopeID == "" || dest.ChannelID == "":
		return "", dest, fmt.Errorf("%w: scope and channel are required", ErrInvalidRegistration)
	case strings.Contains(dest.ScopeID, "-"):
		return "", dest, fmt.Errorf("%w: scope must not contain '-'", ErrInvalidRegistration)
	}
	return domain.Topic(topic), dest, nil
}
