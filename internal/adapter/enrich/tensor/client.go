// Package tensor looks up mint metadata over the Tensor GraphQL HTTP API.
package tensor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/port"
)

// MintQuery fetches the metadata rendered into notifications.
const MintQuery = `query Mint($mint: String!) {
  mint(mint: $mint) {
    name
    imageUri
    slug
    lastSale {
      price
      txAt
    }
  }
}`

const defaultTimeout = 10 * time.Second

var (
	errNoMint     = fmt.Errorf("%w: mint not found", domain.ErrNoEnrichment)
	errNoLastSale = fmt.Errorf("%w: mint has no last sale", domain.ErrNoEnrichment)

	lookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txwatch_enrich_lookup_duration_seconds",
		Help:    "Mint lookup latency by result.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
)

type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for endpoint. The underlying transport is
// instrumented with OpenTelemetry.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:    endpoint,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type mintResponse struct {
	Data struct {
		Mint *struct {
			Name     string `json:"name"`
			ImageURI string `json:"imageUri"`
			Slug     string `json:"slug"`
			LastSale *struct {
				Price domain.Lamports `json:"price"`
				TxAt  domain.Millis   `json:"txAt"`
			} `json:"lastSale"`
		} `json:"mint"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

// Lookup fetches metadata for the mint key. Every failure is a
// *domain.LookupError.
func (c *Client) Lookup(ctx context.Context, key string) (domain.Enrichment, error) {
	start := time.Now()
	e, err := c.lookup(ctx, key)
	result := "ok"
	if err != nil {
		result = "error"
		err = &domain.LookupError{Key: key, Err: err}
	}
	lookupDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return e, err
}

func (c *Client) lookup(ctx context.Context, key string) (domain.Enrichment, error) {
	body, err := json.Marshal(graphqlRequest{
		Query:     MintQuery,
		Variables: map[string]any{"mint": key},
	})
	if err != nil {
		return domain.Enrichment{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.Enrichment{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TENSOR-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Enrichment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Enrichment{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Enrichment{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, ge := range out.Errors {
			msgs = append(msgs, ge.Message)
		}
		return domain.Enrichment{}, fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}

	mint := out.Data.Mint
	if mint == nil {
		return domain.Enrichment{}, errNoMint
	}
	if mint.LastSale == nil {
		return domain.Enrichment{}, errNoLastSale
	}
	return domain.Enrichment{
		Name:          mint.Name,
		ImageURI:      mint.ImageURI,
		Slug:          mint.Slug,
		LastSalePrice: mint.LastSale.Price,
		LastSaleAt:    mint.LastSale.TxAt.Time,
	}, nil
}

var _ port.Enricher = (*Client)(nil)
