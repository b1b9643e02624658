// Package gateway runs one chat completion request through validation,
// authorization, routing, dispatch, normalization and usage recording.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/llm-gateway/internal/cache"
	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/queue"
	"github.com/felipepmaragno/llm-gateway/internal/retry"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultRecordTimeout  = 5 * time.Second
)

// Gate authorizes callers and accounts for their usage.
type Gate interface {
	Authenticate(ctx context.Context, credential string) (*domain.CallerEntitlement, error)
	Permit(ent *domain.CallerEntitlement, provider string) error
	RecordUsage(ctx context.Context, callerID string, record domain.UsageRecord) error
}

type Resolver interface {
	Resolve(model string) (router.Route, error)
}

type AdapterSource interface {
	Adapter(ctx context.Context, name, credential string) (provider.Adapter, error)
}

type BreakerSource interface {
	Get(provider string) circuitbreaker.CircuitBreaker
}

type Config struct {
	Gate     Gate
	Router   Resolver
	Adapters AdapterSource
	Retry    retry.Policy

	// Optional.
	Breakers   BreakerSource
	Cache      cache.Cache
	Costs      *cost.Calculator
	UsageQueue queue.Queue

	RequestTimeout time.Duration
	RecordTimeout  time.Duration
}

type Service struct {
	gate           Gate
	router         Resolver
	adapters       AdapterSource
	retry          retry.Policy
	breakers       BreakerSource
	cache          cache.Cache
	costs          *cost.Calculator
	usageQueue     queue.Queue
	requestTimeout time.Duration
	recordTimeout  time.Duration
}

func New(cfg Config) *Service {
	s := &Service{
		gate:           cfg.Gate,
		router:         cfg.Router,
		adapters:       cfg.Adapters,
		retry:          cfg.Retry,
		breakers:       cfg.Breakers,
		cache:          cfg.Cache,
		costs:          cfg.Costs,
		usageQueue:     cfg.UsageQueue,
		requestTimeout: cfg.RequestTimeout,
		recordTimeout:  cfg.RecordTimeout,
	}
	if s.costs == nil {
		s.costs = cost.NewCalculator()
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = DefaultRequestTimeout
	}
	if s.recordTimeout <= 0 {
		s.recordTimeout = DefaultRecordTimeout
	}
	return s
}

// Complete serves a buffered request.
func (s *Service) Complete(ctx context.Context, req *domain.ChatCompletionRequest) (*domain.ChatCompletionResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.complete")
	defer span.End()

	c := newCall(ctx, req, span)
	if err := s.prepare(ctx, c); err != nil {
		return nil, c.fail(ctx, err)
	}

	var cacheKey string
	if s.cache != nil && cache.Cacheable(req) {
		cacheKey = cache.Key(c.route.Provider, req)
		if cached, ok := s.cache.Get(ctx, cacheKey); ok {
			metrics.RecordCacheHit(c.route.Provider)
			telemetry.AddCacheAttribute(span, true)
			cached.Model = c.route.Model
			c.succeed(ctx)
			return cached, nil
		}
		metrics.RecordCacheMiss(c.route.Provider)
		telemetry.AddCacheAttribute(span, false)
	}

	c.enter(ctx, Dispatching)
	resp, err := s.dispatch(ctx, c)
	if err != nil {
		if billed := domain.BilledUsageOf(err); billed != nil {
			c.enter(ctx, Recording)
			s.record(ctx, c, *billed, true)
		}
		return nil, c.fail(ctx, err)
	}

	c.enter(ctx, Normalizing)
	normalize(c, resp)

	if cacheKey != "" {
		if err := s.cache.Set(ctx, cacheKey, resp); err != nil {
			slog.Warn("failed to cache response", "request_id", c.requestID, "error", err)
		}
	}

	c.enter(ctx, Recording)
	s.record(ctx, c, resp.Usage, false)

	c.succeed(ctx)
	return resp, nil
}

// prepare runs Validating, Authorizing and Routing.
func (s *Service) prepare(ctx context.Context, c *call) error {
	if err := Validate(c.req); err != nil {
		return err
	}

	c.enter(ctx, Authorizing)
	ent, err := s.gate.Authenticate(ctx, c.req.Credential)
	if err != nil {
		return err
	}
	c.ent = ent

	c.enter(ctx, Routing)
	route, err := s.router.Resolve(c.req.Model)
	if err != nil {
		return err
	}
	c.route = route
	telemetry.AddRequestAttributes(c.span, ent.CallerID, route.Provider, route.Model, c.requestID)

	return s.gate.Permit(ent, route.Provider)
}

// upstream returns the adapter, breaker, retry policy and outbound request
// for the routed provider.
func (s *Service) upstream(ctx context.Context, c *call) (provider.Adapter, circuitbreaker.CircuitBreaker, retry.Policy, *domain.ChatCompletionRequest, error) {
	adapter, err := s.adapters.Adapter(ctx, c.route.Provider, c.upstreamCredential())
	if err != nil {
		return nil, nil, retry.Policy{}, nil, err
	}

	breaker := circuitbreaker.CircuitBreaker(noopBreaker{})
	if s.breakers != nil {
		breaker = s.breakers.Get(c.route.Provider)
	}

	policy := s.retry
	name := c.route.Provider
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.RecordRetry(name)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}

	out := *c.req
	out.Model = c.route.Model
	return adapter, breaker, policy, &out, nil
}

func (s *Service) dispatch(ctx context.Context, c *call) (*domain.ChatCompletionResponse, error) {
	adapter, breaker, policy, out, err := s.upstream(ctx, c)
	if err != nil {
		return nil, err
	}

	var resp *domain.ChatCompletionResponse
	err = policy.Execute(ctx, func(ctx context.Context) error {
		if err := breaker.Allow(ctx); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()

		r, err := adapter.Complete(attemptCtx, out)
		breaker.Record(ctx, err)
		if err != nil {
			if ctx.Err() == nil {
				metrics.RecordProviderError(c.route.Provider, domain.KindOf(err).Code)
			}
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// normalize fills gateway-owned fields and repairs vendor anomalies. It never
// discards the response.
func normalize(c *call, resp *domain.ChatCompletionResponse) {
	if resp.ID == "" {
		resp.ID = "chatcmpl-" + uuid.New().String()
	}
	resp.Object = "chat.completion"
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	resp.Model = c.route.Model

	if total := resp.Usage.PromptTokens + resp.Usage.CompletionTokens; resp.Usage.TotalTokens != total {
		slog.Warn("vendor usage total does not add up",
			"request_id", c.requestID,
			"provider", c.route.Provider,
			"reported", resp.Usage.TotalTokens,
			"computed", total,
		)
		resp.Usage.TotalTokens = total
	}

	if len(resp.Choices) == 0 {
		slog.Warn("vendor response has no choices", "request_id", c.requestID, "provider", c.route.Provider)
	}
	for i := range resp.Choices {
		resp.Choices[i].Index = i
		if fr := resp.Choices[i].FinishReason; fr != nil && !knownFinish(*fr) {
			slog.Warn("unknown finish reason", "request_id", c.requestID, "finish_reason", string(*fr))
			resp.Choices[i].FinishReason = nil
		}
	}
}

func knownFinish(r domain.FinishReason) bool {
	switch r {
	case domain.FinishStop, domain.FinishLength, domain.FinishContentFilter:
		return true
	}
	return false
}

// record prices usage and hands it to the gate on a context that outlives
// the caller. A failure is queued for replay and never reaches the caller.
func (s *Service) record(ctx context.Context, c *call, usage domain.Usage, partial bool) {
	if c.ent == nil {
		return
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	rec := domain.UsageRecord{
		ID:               uuid.New().String(),
		CallerID:         c.ent.CallerID,
		RequestID:        c.requestID,
		Provider:         c.route.Provider,
		Model:            c.route.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		TotalCost:        s.costs.Calculate(c.route.Model, usage),
		Partial:          partial,
		Streamed:         c.req.Stream,
		Timestamp:        time.Now().UTC(),
	}

	metrics.RecordTokens(rec.CallerID, rec.Provider, rec.Model, rec.PromptTokens, rec.CompletionTokens)
	metrics.RecordCost(rec.CallerID, rec.Provider, rec.Model, rec.TotalCost)
	telemetry.AddTokenAttributes(c.span, rec.PromptTokens, rec.CompletionTokens)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recordTimeout)
	defer cancel()

	err := s.gate.RecordUsage(rctx, rec.CallerID, rec)
	if err == nil {
		metrics.RecordUsageOutcome("recorded")
		return
	}

	slog.Error("failed to record usage",
		"request_id", c.requestID,
		"caller_id", rec.CallerID,
		"record_id", rec.ID,
		"total_tokens", rec.TotalTokens,
		"error", err,
	)
	s.enqueue(rctx, rec, err)
}

func (s *Service) enqueue(ctx context.Context, rec domain.UsageRecord, cause error) {
	if s.usageQueue == nil {
		metrics.RecordUsageOutcome("dropped")
		return
	}

	err := s.usageQueue.Enqueue(ctx, queue.PendingUsage{
		Record:     rec,
		LastError:  cause.Error(),
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		metrics.RecordUsageOutcome("dropped")
		slog.Error("failed to queue usage record", "record_id", rec.ID, "error", err)
		return
	}
	metrics.RecordUsageOutcome("queued")
}

// noopBreaker is used when no breaker source is configured.
type noopBreaker struct{}

func (noopBreaker) Allow(context.Context) error                { return nil }
func (noopBreaker) Record(context.Context, error)              {}
func (noopBreaker) State(context.Context) circuitbreaker.State { return circuitbreaker.StateClosed }
