package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/gateway"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	defaultUsageLimit   = 50
	maxUsageLimit       = 500
)

// ChatService runs chat completions.
type ChatService interface {
	Complete(ctx context.Context, req *domain.ChatCompletionRequest) (*domain.ChatCompletionResponse, error)
	Stream(ctx context.Context, req *domain.ChatCompletionRequest) (*gateway.Stream, error)
}

// UsageReader resolves callers and reads their usage for /v1/usage.
type UsageReader interface {
	Identify(ctx context.Context, credential string) (*domain.CallerEntitlement, error)
	Usage(ctx context.Context, callerID string, limit int) (*domain.CallerEntitlement, []domain.UsageRecord, error)
}

type ModelLister interface {
	Models() []domain.Model
}

type BreakerStates interface {
	States(ctx context.Context) map[string]circuitbreaker.State
}

type HandlerConfig struct {
	Service ChatService
	Usage   UsageReader
	Models  ModelLister

	// Optional.
	Breakers      BreakerStates
	Checkers      []HealthChecker
	HealthTimeout time.Duration
	Version       string
	MaxBodyBytes  int64
}

type Handler struct {
	service       ChatService
	usage         UsageReader
	models        ModelLister
	breakers      BreakerStates
	checkers      []HealthChecker
	healthTimeout time.Duration
	version       string
	maxBodyBytes  int64
	router        chi.Router
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		service:       cfg.Service,
		usage:         cfg.Usage,
		models:        cfg.Models,
		breakers:      cfg.Breakers,
		checkers:      cfg.Checkers,
		healthTimeout: cfg.HealthTimeout,
		version:       cfg.Version,
		maxBodyBytes:  cfg.MaxBodyBytes,
	}
	if h.healthTimeout <= 0 {
		h.healthTimeout = 2 * time.Second
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)

	r.Post("/v1/chat/completions", h.handleChatCompletions)
	r.Get("/v1/models", h.handleListModels)
	r.Get("/v1/usage", h.handleUsage)
	r.Get("/health", h.handleHealth)
	r.Get("/health/live", h.handleHealthLive)
	r.Get("/health/ready", h.handleHealthReady)
	r.Handle("/metrics", promhttp.Handler())

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	ctx := gateway.WithRequestID(r.Context(), requestID)
	w.Header().Set("X-Request-ID", requestID)

	var req domain.ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, &domain.Error{
			Kind:    domain.ErrInvalidRequest,
			Code:    "invalid_json",
			Message: "request body is not valid JSON: " + err.Error(),
		})
		return
	}
	req.Credential = extractCredential(r)

	if req.Stream {
		h.streamCompletion(ctx, w, &req)
		return
	}

	resp, err := h.service.Complete(ctx, &req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) streamCompletion(ctx context.Context, w http.ResponseWriter, req *domain.ChatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming not supported by response writer"))
		return
	}

	st, err := h.service.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	defer st.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writable := true
	for chunk := range st.Chunks() {
		if !writable {
			continue
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			slog.Error("failed to encode stream chunk", "request_id", gateway.RequestIDFrom(ctx), "error", err)
			continue
		}
		if _, err := w.Write(sseData(data)); err != nil {
			writable = false
			st.Close()
			continue
		}
		flusher.Flush()
	}

	if !writable || ctx.Err() != nil {
		return
	}
	if err := st.Err(); err != nil {
		data, _ := json.Marshal(envelopeFor(err))
		w.Write([]byte("event: error\n"))
		w.Write(sseData(data))
		flusher.Flush()
		return
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func sseData(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, '\n', '\n')
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.models.Models()
	if models == nil {
		models = []domain.Model{}
	}
	writeJSON(w, http.StatusOK, domain.ModelsResponse{Object: "list", Data: models})
}

type usageResponse struct {
	CallerID        string               `json:"caller_id"`
	TokenBudget     int64                `json:"token_budget"`
	TokensUsed      int64                `json:"tokens_used"`
	TokensRemaining *int64               `json:"tokens_remaining,omitempty"`
	UsageRatio      float64              `json:"usage_ratio"`
	PeriodResetAt   time.Time            `json:"period_reset_at"`
	RateLimitRPM    int                  `json:"rate_limit_rpm"`
	Records         []domain.UsageRecord `json:"records"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ent, err := h.usage.Identify(ctx, extractCredential(r))
	if err != nil {
		writeError(w, err)
		return
	}

	limit := defaultUsageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, domain.InvalidRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxUsageLimit)
	}

	ent, records, err := h.usage.Usage(ctx, ent.CallerID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.UsageRecord{}
	}

	resp := usageResponse{
		CallerID:      ent.CallerID,
		TokenBudget:   ent.TokenBudgetPeriod,
		TokensUsed:    ent.TokensUsedThisPeriod,
		UsageRatio:    ent.UsageRatio(),
		PeriodResetAt: ent.PeriodResetAt,
		RateLimitRPM:  ent.RateLimitRPM,
		Records:       records,
	}
	if ent.TokenBudgetPeriod > 0 {
		remaining := max(ent.TokenBudgetPeriod-ent.TokensUsedThisPeriod, 0)
		resp.TokensRemaining = &remaining
	}
	writeJSON(w, http.StatusOK, resp)
}

func extractCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
