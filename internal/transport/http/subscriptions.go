package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/service"
)

const (
	headerContentType = "Content-Type"
	mimeJSON          = "application/json"

	// msgCommandFailed is the only failure detail shown to callers.
	msgCommandFailed = "There was an error while executing this command!"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type registrationRequest struct {
	Topic     string `json:"topic" validate:"required,max=128"`
	ScopeID   string `json:"scopeId" validate:"required,excludes=-,max=64"`
	ChannelID string `json:"channelId" validate:"required,max=64"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type registrationView struct {
	Topic        string               `json:"topic"`
	Destinations []domain.Destination `json:"destinations"`
}

type listResponse struct {
	Registered []registrationView `json:"registered"`
	Live       []service.LiveInfo `json:"live"`
}

type SubscriptionHandler struct {
	subs SubscriptionService
	live LiveLister
}

// Subscribe handles POST /api/v1/subscriptions.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRegistration(w, r)
	if !ok {
		return
	}
	added, err := h.subs.Subscribe(r.Context(), req.Topic, domain.Destination{ScopeID: req.ScopeID, ChannelID: req.ChannelID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Already subscribed to %s collection", req.Topic)})
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: fmt.Sprintf("Subscribed to %s collection", req.Topic)})
}

// Unsubscribe handles DELETE /api/v1/subscriptions.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRegistration(w, r)
	if !ok {
		return
	}
	removed, err := h.subs.Unsubscribe(r.Context(), req.Topic, domain.Destination{ScopeID: req.ScopeID, ChannelID: req.ChannelID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: fmt.Sprintf("Not subscribed to %s collection", req.Topic)})
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Unsubscribed from %s collection", req.Topic)})
}

// List handles GET /api/v1/subscriptions.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	snap, err := h.subs.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := listResponse{Registered: []registrationView{}, Live: []service.LiveInfo{}}
	for _, t := range snap.Topics() {
		resp.Registered = append(resp.Registered, registrationView{Topic: string(t), Destinations: snap[t].Slice()})
	}
	if h.live != nil {
		resp.Live = append(resp.Live, h.live.Live()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SubscriptionHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrInvalidRegistration) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	logger.From(r.Context()).Error("command failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgCommandFailed})
}

func decodeRegistration(w http.ResponseWriter, r *http.Request) (registrationRequest, bool) {
	var req registrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return req, false
	}
	req.Topic = strings.TrimSpace(req.Topic)
	req.ScopeID = strings.TrimSpace(req.ScopeID)
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err)})
		return req, false
	}
	return req, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(headerContentType, mimeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
