// Package circuitbreaker guards each upstream provider with a breaker so an
// unhealthy provider fails fast instead of absorbing retries.
//
// States:
//   - Closed: requests pass through; consecutive upstream failures are counted
//   - Open: requests fail immediately with domain.ErrCircuitBreakerOpen
//   - Half-Open: a bounded number of probe requests test recovery
//
// Implementations:
//   - InMemoryCircuitBreaker: single instance, guarded by a mutex
//   - RedisCircuitBreaker: shared across instances, transitions run as Lua scripts
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// CircuitBreaker is implemented by the in-memory and Redis breakers.
type CircuitBreaker interface {
	// Allow returns nil when a request may proceed and an
	// ErrCircuitBreakerOpen error otherwise.
	Allow(ctx context.Context) error

	// Record reports the outcome of an allowed request. A nil err is a
	// success; errors that do not indicate an unhealthy upstream are ignored.
	Record(ctx context.Context, err error)

	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Listener is notified after every state transition.
type Listener func(provider string, from, to State)

type Config struct {
	FailureThreshold  int           // consecutive failures before opening
	SuccessThreshold  int           // probe successes needed to close again
	OpenTimeout       time.Duration // time spent open before probing
	HalfOpenMaxProbes int           // concurrent probes while half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CountsAsFailure reports whether err says something about the provider's
// health. Caller mistakes, credential problems, throttling and cancellation
// do not.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, domain.ErrUpstreamTimeout) ||
		errors.Is(err, domain.ErrUpstreamUnavailable) ||
		errors.Is(err, domain.ErrUpstreamProtocol) ||
		errors.Is(err, domain.ErrStreamInterrupted)
}

func openError(provider string) error {
	return domain.ProviderError(domain.ErrCircuitBreakerOpen, provider, nil, "circuit breaker open")
}

type InMemoryCircuitBreaker struct {
	provider string
	config   Config
	listener Listener
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func NewInMemory(provider string, cfg Config, listener Listener) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		provider: provider,
		config:   cfg,
		listener: listener,
		now:      time.Now,
		state:    StateClosed,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			cb.mu.Unlock()
			return openError(cb.provider)
		}
		cb.transition(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= max(cb.config.HalfOpenMaxProbes, 1) {
			cb.mu.Unlock()
			return openError(cb.provider)
		}
		cb.probes++
	}

	cb.mu.Unlock()
	return nil
}

func (cb *InMemoryCircuitBreaker) Record(ctx context.Context, err error) {
	if err != nil && !CountsAsFailure(err) {
		cb.release()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// release frees a probe slot for an outcome that is neither success nor
// failure.
func (cb *InMemoryCircuitBreaker) release() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.mu.Unlock()
}

// transition must be called with cb.mu held. The listener runs after the
// state is updated, still under the lock, so it must not call back into
// the breaker.
func (cb *InMemoryCircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.failures, cb.successes, cb.probes = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if cb.listener != nil && from != to {
		cb.listener(cb.provider, from, to)
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Manager hands out one breaker per provider.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]CircuitBreaker
	config    Config
	listeners []Listener
	factory   func(provider string) CircuitBreaker
}

type ManagerOption func(*Manager)

// WithListener registers a transition listener for every breaker.
func WithListener(l Listener) ManagerOption {
	return func(m *Manager) {
		m.listeners = append(m.listeners, l)
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
	}
	m.factory = func(provider string) CircuitBreaker {
		return NewInMemory(provider, m.config, m.notify)
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) notify(provider string, from, to State) {
	for _, l := range m.listeners {
		l(provider, from, to)
	}
}

// Get returns the breaker for provider, creating it on first use.
func (m *Manager) Get(provider string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[provider]; ok {
		return existing
	}

	cb = m.factory(provider)
	m.breakers[provider] = cb
	return cb
}

// States reports the state of every breaker created so far.
func (m *Manager) States(ctx context.Context) map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.breakers))
	for name, cb := range m.breakers {
		states[name] = cb.State(ctx)
	}
	return states
}
