// Package discord delivers notifications to guild text channels through the
// Discord REST API.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/port"
)

const (
	SinkName = "discord"

	DefaultAPIURL    = "https://discord.com/api/v10"
	defaultTimeout   = 10 * time.Second
	channelCacheSize = 4096
)

var errForeignHandle = errors.New("handle was not resolved by the discord sink")

type Options struct {
	APIURL  string
	Token   string
	Timeout time.Duration
}

// Client resolves destinations to channels and posts one embed per
// notification. Resolved channels are cached.
type Client struct {
	apiURL     string
	token      string
	httpClient *http.Client
	channels   *lru.Cache
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	channels, err := lru.New(channelCacheSize)
	if err != nil {
		return nil, fmt.Errorf("channel cache: %w", err)
	}
	return &Client{
		apiURL: strings.TrimRight(opts.APIURL, "/"),
		token:  opts.Token,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		channels: channels,
	}, nil
}

func (c *Client) Name() string { return SinkName }

type channelHandle struct {
	dest      domain.Destination
	channelID string
}

func (h channelHandle) Destination() domain.Destination { return h.dest }

// Resolve fetches the channel and checks it belongs to the destination's
// guild. Unknown channels and guild mismatches are ErrDestinationNotFound.
func (c *Client) Resolve(ctx context.Context, dest domain.Destination) (port.Handle, error) {
	if v, ok := c.channels.Get(dest); ok {
		return v.(channelHandle), nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/channels/"+dest.ChannelID, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", dest.ChannelID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: channel %s: status %d", domain.ErrDestinationNotFound, dest.ChannelID, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetch channel %s: %w", dest.ChannelID, readAPIError(resp))
	}

	var ch channel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, fmt.Errorf("decode channel %s: %w", dest.ChannelID, err)
	}
	if ch.GuildID != dest.ScopeID {
		return nil, fmt.Errorf("%w: channel %s is not in guild %s", domain.ErrDestinationNotFound, dest.ChannelID, dest.ScopeID)
	}

	h := channelHandle{dest: dest, channelID: ch.ID}
	c.channels.Add(dest, h)
	return h, nil
}

// Deliver posts n to the resolved channel.
func (c *Client) Deliver(ctx context.Context, h port.Handle, n domain.Notification) error {
	ch, ok := h.(channelHandle)
	if !ok {
		return &domain.DeliveryError{Destination: h.Destination(), Err: errForeignHandle}
	}
	body, err := json.Marshal(toMessage(n))
	if err != nil {
		return &domain.DeliveryError{Destination: ch.dest, Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, "/channels/"+ch.channelID+"/messages", body)
	if err != nil {
		return &domain.DeliveryError{Destination: ch.dest, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
			c.channels.Remove(ch.dest)
		}
		return &domain.DeliveryError{Destination: ch.dest, Status: resp.StatusCode, Err: readAPIError(resp)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var ae apiError
	if err := json.Unmarshal(raw, &ae); err == nil && ae.Message != "" {
		return fmt.Errorf("discord %d: %s", ae.Code, ae.Message)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

var _ port.NotificationSink = (*Client)(nil)
