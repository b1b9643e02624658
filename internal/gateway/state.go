package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
)

// State is a step in the lifecycle of one request.
type State int

const (
	Validating State = iota
	Authorizing
	Routing
	Dispatching
	Normalizing
	Recording
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Validating:
		return "validating"
	case Authorizing:
		return "authorizing"
	case Routing:
		return "routing"
	case Dispatching:
		return "dispatching"
	case Normalizing:
		return "normalizing"
	case Recording:
		return "recording"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// call carries the per-request context through the states.
type call struct {
	req       *domain.ChatCompletionRequest
	requestID string
	traceID   string
	start     time.Time
	span      trace.Span
	state     State

	ent   *domain.CallerEntitlement
	route router.Route
}

func newCall(ctx context.Context, req *domain.ChatCompletionRequest, span trace.Span) *call {
	return &call{
		req:       req,
		requestID: RequestIDFrom(ctx),
		traceID:   telemetry.GetTraceID(ctx),
		start:     time.Now(),
		span:      span,
		state:     Validating,
	}
}

func (c *call) enter(ctx context.Context, s State) {
	slog.DebugContext(ctx, "gateway state",
		"request_id", c.requestID,
		"from", c.state.String(),
		"to", s.String(),
		"provider", c.route.Provider,
	)
	c.state = s
	telemetry.AddStateEvent(c.span, s.String())
}

func (c *call) callerID() string {
	if c.ent == nil {
		return ""
	}
	return c.ent.CallerID
}

// upstreamCredential is the caller's own key for the routed provider, if it
// registered one. Empty means the provider's configured credential.
func (c *call) upstreamCredential() string {
	if c.ent == nil || c.ent.ProviderCredentials == nil {
		return ""
	}
	return c.ent.ProviderCredentials[c.route.Provider]
}

func (c *call) succeed(ctx context.Context) {
	c.enter(ctx, Completed)
	latency := time.Since(c.start)
	metrics.RecordRequest(c.callerID(), c.route.Provider, c.route.Model, "ok", c.req.Stream, latency.Seconds())
	slog.Info("request completed", c.logAttrs(
		"provider", c.route.Provider,
		"model", c.route.Model,
		"stream", c.req.Stream,
		"latency_ms", latency.Milliseconds(),
	)...)
}

// fail moves the call to Failed and returns err unchanged.
func (c *call) fail(ctx context.Context, err error) error {
	from := c.state
	c.enter(ctx, Failed)
	telemetry.AddErrorAttribute(c.span, err)

	code := domain.KindOf(err).Code
	if errors.Is(err, context.Canceled) {
		code = "canceled"
	}
	latency := time.Since(c.start)
	metrics.RecordRequest(c.callerID(), c.route.Provider, c.route.Model, code, c.req.Stream, latency.Seconds())

	level := slog.LevelWarn
	if code == "internal_error" {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "request failed", c.logAttrs(
		"provider", c.route.Provider,
		"model", c.req.Model,
		"state", from.String(),
		"code", code,
		"latency_ms", latency.Milliseconds(),
		"error", err,
	)...)
	return err
}

// logAttrs prefixes args with the request identifiers. trace_id is only
// present when tracing is enabled.
func (c *call) logAttrs(args ...any) []any {
	attrs := []any{"request_id", c.requestID, "caller_id", c.callerID()}
	if c.traceID != "" {
		attrs = append(attrs, "trace_id", c.traceID)
	}
	return append(attrs, args...)
}

type requestIDKey struct{}

// WithRequestID attaches the request id used in logs, spans and usage
// records.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
