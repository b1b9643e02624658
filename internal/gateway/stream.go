package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
)

// Stream is an open upstream stream relayed to the caller. Chunks are
// delivered in order on an unbuffered channel that is closed when the
// stream ends; Err is meaningful only after that.
type Stream struct {
	chunks chan domain.StreamChunk
	err    error
	cancel context.CancelFunc

	Provider string
	Model    string
}

func (s *Stream) Chunks() <-chan domain.StreamChunk {
	return s.chunks
}

// Err returns why the stream ended early, or nil after a terminal chunk.
func (s *Stream) Err() error {
	return s.err
}

// Close cancels the upstream request. It is safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
}

// opened is the upstream side of a stream whose first chunk has arrived.
type opened struct {
	first  domain.StreamChunk
	chunks <-chan domain.StreamChunk
	errs   <-chan error
	cancel context.CancelFunc
}

// Stream serves a streaming request. Errors before the first chunk are
// returned directly, with retries; later failures surface through Err.
func (s *Service) Stream(ctx context.Context, req *domain.ChatCompletionRequest) (*Stream, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.stream")

	c := newCall(ctx, req, span)
	fail := func(err error) (*Stream, error) {
		err = c.fail(ctx, err)
		span.End()
		return nil, err
	}

	if err := s.prepare(ctx, c); err != nil {
		return fail(err)
	}

	c.enter(ctx, Dispatching)
	adapter, breaker, policy, out, err := s.upstream(ctx, c)
	if err != nil {
		return fail(err)
	}
	if !adapter.SupportsStreaming() {
		return fail(domain.InvalidRequest("provider %s does not support streaming", c.route.Provider))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	var up opened
	err = policy.Execute(streamCtx, func(ctx context.Context) error {
		if err := breaker.Allow(ctx); err != nil {
			return err
		}

		o, err := s.open(ctx, c.route.Provider, func(ctx context.Context) (<-chan domain.StreamChunk, <-chan error) {
			return adapter.Stream(ctx, out)
		})
		if err != nil {
			breaker.Record(ctx, err)
			if ctx.Err() == nil {
				metrics.RecordProviderError(c.route.Provider, domain.KindOf(err).Code)
			}
			return err
		}
		up = o
		return nil
	})
	if err != nil {
		cancel()
		return fail(err)
	}

	st := &Stream{
		chunks:   make(chan domain.StreamChunk),
		cancel:   cancel,
		Provider: c.route.Provider,
		Model:    c.route.Model,
	}
	go s.relay(streamCtx, c, st, up, breaker)
	return st, nil
}

// open starts one upstream attempt and waits for its first chunk, for at
// most the request timeout.
func (s *Service) open(ctx context.Context, name string, start func(ctx context.Context) (<-chan domain.StreamChunk, <-chan error)) (opened, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	chunks, errs := start(attemptCtx)

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-chunks:
		if ok {
			return opened{first: chunk, chunks: chunks, errs: errs, cancel: cancel}, nil
		}
		cancel()
		if err := <-errs; err != nil {
			return opened{}, err
		}
		return opened{}, domain.ProviderError(domain.ErrUpstreamProtocol, name, nil, "stream closed before any chunk")
	case <-timer.C:
		cancel()
		return opened{}, domain.ProviderError(domain.ErrUpstreamTimeout, name, context.DeadlineExceeded, "no stream chunk within %s", s.requestTimeout)
	case <-ctx.Done():
		cancel()
		return opened{}, ctx.Err()
	}
}

// relay forwards upstream chunks to the caller, then settles the breaker,
// usage and metrics once the upstream ends.
func (s *Service) relay(ctx context.Context, c *call, st *Stream, up opened, breaker circuitbreaker.CircuitBreaker) {
	defer c.span.End()
	defer up.cancel()
	defer st.cancel()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	c.enter(ctx, Normalizing)

	var content strings.Builder
	var usage *domain.Usage
	var finished bool
	delivering := true

	forward := func(chunk domain.StreamChunk) {
		chunk.Model = c.route.Model
		content.WriteString(chunk.Content())
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		if chunk.FinishReason() != nil {
			finished = true
		}
		if !delivering {
			return
		}
		select {
		case st.chunks <- chunk:
		case <-ctx.Done():
			delivering = false
		}
	}

	forward(up.first)
	for chunk := range up.chunks {
		forward(chunk)
	}

	err := <-up.errs
	if err == nil && !finished {
		err = ctx.Err()
		if err == nil {
			err = domain.StreamInterrupted(c.route.Provider, nil)
		}
	}

	breaker.Record(context.WithoutCancel(ctx), err)
	if errors.Is(err, domain.ErrStreamInterrupted) {
		metrics.RecordStreamInterrupted(c.route.Provider)
	}

	c.enter(ctx, Recording)
	if usage == nil {
		usage = domain.BilledUsageOf(err)
	}
	if usage == nil {
		estimate := domain.Usage{
			PromptTokens:     cost.EstimatePromptTokens(c.req.Messages),
			CompletionTokens: cost.EstimateTokens(content.String()),
		}
		usage = &estimate
	}
	s.record(ctx, c, *usage, err != nil)

	st.err = err
	close(st.chunks)

	if err != nil {
		c.fail(ctx, err)
		return
	}
	c.succeed(ctx)
}
