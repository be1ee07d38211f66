// Package nats publishes notifications as JSON on per-destination subjects.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	natspkg "github.com/nats-io/nats.go"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/port"
)

const (
	SinkName      = "nats"
	DefaultPrefix = "txwatch.notify"
)

var errNotConnected = errors.New("nats connection is not established")

// Envelope is the published message body.
type Envelope struct {
	Destination  domain.Destination  `json:"destination"`
	Notification domain.Notification `json:"notification"`
}

type Client struct {
	nc     *natspkg.Conn
	prefix string
}

func NewClient(url, prefix string) (*Client, error) {
	nc, err := natspkg.Connect(url, natspkg.Name("txwatch"))
	if err != nil {
		return nil, err
	}
	return NewWithConn(nc, prefix), nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(nc *natspkg.Conn, prefix string) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

func (c *Client) Close() {
	c.nc.Close()
}

func (c *Client) Name() string { return SinkName }

func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.Status() == natspkg.CONNECTED
}

// Subject returns the subject notifications for dest are published on.
func (c *Client) Subject(dest domain.Destination) string {
	return c.prefix + "." + token(dest.ScopeID) + "." + token(dest.ChannelID)
}

type subjectHandle struct {
	dest    domain.Destination
	subject string
}

func (h subjectHandle) Destination() domain.Destination { return h.dest }

// Resolve never reports ErrDestinationNotFound: every destination maps to a
// subject.
func (c *Client) Resolve(ctx context.Context, dest domain.Destination) (port.Handle, error) {
	if !c.IsConnected() {
		return nil, errNotConnected
	}
	return subjectHandle{dest: dest, subject: c.Subject(dest)}, nil
}

func (c *Client) Deliver(ctx context.Context, h port.Handle, n domain.Notification) error {
	sh, ok := h.(subjectHandle)
	if !ok {
		sh = subjectHandle{dest: h.Destination(), subject: c.Subject(h.Destination())}
	}
	data, err := json.Marshal(Envelope{Destination: sh.dest, Notification: n})
	if err != nil {
		return &domain.DeliveryError{Destination: sh.dest, Err: err}
	}
	if err := c.nc.Publish(sh.subject, data); err != nil {
		return &domain.DeliveryError{Destination: sh.dest, Err: err}
	}
	return nil
}

// Subscribe hands every notification published under the prefix to handler.
func (c *Client) Subscribe(handler func(Envelope) error) (*natspkg.Subscription, error) {
	return c.nc.Subscribe(c.prefix+".>", func(msg *natspkg.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		_ = handler(env)
	})
}

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

var _ port.NotificationSink = (*Client)(nil)
