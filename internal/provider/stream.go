package provider

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Emitter writes unified chunks for one stream and enforces the ordering
// contract: a role chunk first, content chunks next, exactly one terminal
// chunk last. Every send respects context cancellation.
type Emitter struct {
	ctx     context.Context
	out     chan<- domain.StreamChunk
	id      string
	model   string
	created int64

	opened   bool
	finished bool
	usage    *domain.Usage
}

func NewEmitter(ctx context.Context, out chan<- domain.StreamChunk, model string) *Emitter {
	return &Emitter{
		ctx:     ctx,
		out:     out,
		id:      "chatcmpl-" + uuid.New().String(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// SetID adopts the vendor's stream id. It has no effect once chunks have
// been sent.
func (e *Emitter) SetID(id string) {
	if id != "" && !e.opened {
		e.id = id
	}
}

// SetUsage records vendor-reported usage to attach to the terminal chunk.
func (e *Emitter) SetUsage(u domain.Usage) {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	e.usage = &u
}

func (e *Emitter) Finished() bool { return e.finished }

// Open sends the role chunk. Calling it again is a no-op.
func (e *Emitter) Open() error {
	if e.opened {
		return nil
	}
	e.opened = true
	return e.send(domain.ChunkChoice{Delta: domain.Delta{Role: domain.RoleAssistant}}, nil)
}

// Content sends one text fragment, opening the stream first if needed.
// Empty fragments are dropped.
func (e *Emitter) Content(text string) error {
	if text == "" {
		return nil
	}
	if err := e.Open(); err != nil {
		return err
	}
	return e.send(domain.ChunkChoice{Delta: domain.Delta{Content: text}}, nil)
}

// Finish sends the terminal chunk carrying the finish reason and any
// recorded usage.
func (e *Emitter) Finish(reason domain.FinishReason) error {
	if e.finished {
		return nil
	}
	if err := e.Open(); err != nil {
		return err
	}
	e.finished = true
	return e.send(domain.ChunkChoice{FinishReason: domain.Finish(reason)}, e.usage)
}

// Interrupt ends a stream that failed before its terminal event. When nothing
// was sent yet the cause is returned unchanged so the call can still be
// retried. Otherwise a terminal chunk with a null finish reason is sent and
// the failure becomes a stream interruption carrying any billed usage.
func (e *Emitter) Interrupt(provider string, cause error) error {
	if !e.opened {
		return cause
	}
	if !e.finished {
		e.finished = true
		_ = e.send(domain.ChunkChoice{}, nil)
	}
	err := domain.StreamInterrupted(provider, cause)
	err.BilledUsage = e.usage
	return err
}

func (e *Emitter) send(choice domain.ChunkChoice, usage *domain.Usage) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	chunk := domain.StreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []domain.ChunkChoice{choice},
		Usage:   usage,
	}
	select {
	case e.out <- chunk:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// Pipe runs produce in its own goroutine and exposes its output with the
// Adapter.Stream channel contract. A produce function that returns without
// calling Finish is treated as an unexpected end of stream.
func Pipe(ctx context.Context, provider, model string, produce func(em *Emitter) error) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		em := NewEmitter(ctx, chunks, model)
		err := produce(em)
		if err == nil && !em.Finished() {
			err = ProtocolError(provider, io.ErrUnexpectedEOF, "stream ended without a terminal event")
		}
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
			return
		}
		errs <- em.Interrupt(provider, ClassifyTransport(provider, err))
	}()

	return chunks, errs
}
