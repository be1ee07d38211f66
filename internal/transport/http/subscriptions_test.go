package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/txwatch/internal/adapter/registry/memory"
	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/service"
)

type liveStub []service.LiveInfo

func (l liveStub) Live() []service.LiveInfo { return l }

type SubscriptionServiceMock struct {
	SubscribeFunc func(ctx context.Context, topic string, dest domain.Destination) (bool, error)
}

func (m *SubscriptionServiceMock) Subscribe(ctx context.Context, topic string, dest domain.Destination) (bool, error) {
	return m.SubscribeFunc(ctx, topic, dest)
}

func (m *SubscriptionServiceMock) Unsubscribe(ctx context.Context, topic string, dest domain.Destination) (bool, error) {
	return false, errors.New("not implemented")
}

func (m *SubscriptionServiceMock) List(ctx context.Context) (domain.Snapshot, error) {
	return nil, errors.New("registry unavailable")
}

func newTestRouter(t *testing.T) (http.Handler, *memory.Registry) {
	t.Helper()
	reg := memory.NewRegistry()
	live := liveStub{{Topic: "widgets", Destinations: 1, State: "active"}}
	return NewRouter(service.NewSubscriptions(reg, reg), live, Options{}), reg
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestSubscribeReplies(t *testing.T) {
	h, reg := newTestRouter(t)
	body := `{"topic":"widgets","scopeId":"guild1","channelId":"chanA"}`

	rec, out := do(t, h, http.MethodPost, "/api/v1/subscriptions", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Subscribed to widgets collection", out["message"])

	rec, out = do(t, h, http.MethodPost, "/api/v1/subscriptions", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Already subscribed to widgets collection", out["message"])

	snap, err := reg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Destination{{ScopeID: "guild1", ChannelID: "chanA"}}, snap["widgets"].Slice())
}

func TestUnsubscribeReplies(t *testing.T) {
	h, _ := newTestRouter(t)
	body := `{"topic":"widgets","scopeId":"guild1","channelId":"chanA"}`

	rec, _ := do(t, h, http.MethodDelete, "/api/v1/subscriptions", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	do(t, h, http.MethodPost, "/api/v1/subscriptions", body)
	rec, out := do(t, h, http.MethodDelete, "/api/v1/subscriptions", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Unsubscribed from widgets collection", out["message"])
}

func TestSubscribeValidation(t *testing.T) {
	h, _ := newTestRouter(t)

	cases := map[string]string{
		"bad json":      `{`,
		"missing topic": `{"scopeId":"g","channelId":"c"}`,
		"dash in scope": `{"topic":"t","scopeId":"g-1","channelId":"c"}`,
		"blank channel": `{"topic":"t","scopeId":"g","channelId":"   "}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, out := do(t, h, http.MethodPost, "/api/v1/subscriptions", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, out["error"])
		})
	}

	_, out := do(t, h, http.MethodPost, "/api/v1/subscriptions", `{"topic":"t","scopeId":"g-1","channelId":"c"}`)
	assert.Contains(t, out["error"], "scopeId")
}

func TestListShowsRegisteredAndLive(t *testing.T) {
	h, _ := newTestRouter(t)
	do(t, h, http.MethodPost, "/api/v1/subscriptions", `{"topic":"widgets","scopeId":"guild1","channelId":"chanA"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Registered, 1)
	assert.Equal(t, "widgets", resp.Registered[0].Topic)
	assert.Equal(t, []domain.Destination{{ScopeID: "guild1", ChannelID: "chanA"}}, resp.Registered[0].Destinations)
	assert.Equal(t, []service.LiveInfo{{Topic: "widgets", Destinations: 1, State: "active"}}, resp.Live)
}

func TestFailuresAreGeneric(t *testing.T) {
	svc := &SubscriptionServiceMock{SubscribeFunc: func(ctx context.Context, topic string, dest domain.Destination) (bool, error) {
		return false, errors.New("redis: connection refused")
	}}
	h := NewRouter(svc, nil, Options{})

	rec, out := do(t, h, http.MethodPost, "/api/v1/subscriptions", `{"topic":"t","scopeId":"g","channelId":"c"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgCommandFailed, out["error"])

	rec, out = do(t, h, http.MethodGet, "/api/v1/subscriptions", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgCommandFailed, out["error"])
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestRouter(t)

	rec, out := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])

	do(t, h, http.MethodGet, "/health", "")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `txwatch_http_requests_total{method="GET",path="/health",status="200"}`)
}
