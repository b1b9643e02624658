// Package auth decides whether a caller may issue a request and accounts
// for the tokens it consumed.
//
// Over-quota is bounded, not prevented: the budget check happens before
// dispatch and the increment after, so each caller may overshoot by the
// requests it has in flight.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/llm-gateway/internal/budget"
	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
)

type Gate struct {
	entitlements repository.EntitlementRepository
	ledger       repository.UsageLedger
	limiter      ratelimit.Limiter
	monitor      *budget.Monitor
}

type Option func(*Gate)

// WithRateLimiter enforces each caller's requests-per-minute limit.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(g *Gate) { g.limiter = l }
}

// WithBudgetMonitor checks budget alert thresholds after every increment.
func WithBudgetMonitor(m *budget.Monitor) Option {
	return func(g *Gate) { g.monitor = m }
}

func NewGate(entitlements repository.EntitlementRepository, ledger repository.UsageLedger, opts ...Option) *Gate {
	g := &Gate{
		entitlements: entitlements,
		ledger:       ledger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Identify resolves the caller behind credential without any quota checks.
func (g *Gate) Identify(ctx context.Context, credential string) (*domain.CallerEntitlement, error) {
	if credential == "" {
		return nil, domain.NewError(domain.ErrUnauthorized, "missing credential")
	}

	ent, err := g.entitlements.GetByCredentialHash(ctx, crypto.HashCredential(credential))
	if errors.Is(err, domain.ErrCallerNotFound) {
		return nil, domain.NewError(domain.ErrUnauthorized, "invalid credential")
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}

	if ent.Revoked {
		return nil, domain.NewError(domain.ErrUnauthorized, "credential revoked")
	}
	return ent, nil
}

// Authenticate resolves the caller behind credential and checks that it may
// issue another request in the current period.
func (g *Gate) Authenticate(ctx context.Context, credential string) (*domain.CallerEntitlement, error) {
	ent, err := g.Identify(ctx, credential)
	if err != nil {
		return nil, err
	}

	if ent.QuotaExhausted() {
		return nil, domain.NewError(domain.ErrQuotaExceeded,
			"token budget exhausted: %d of %d used, resets %s",
			ent.TokensUsedThisPeriod, ent.TokenBudgetPeriod, ent.PeriodResetAt.Format("2006-01-02"))
	}

	if err := g.checkRate(ctx, ent); err != nil {
		return nil, err
	}

	return ent, nil
}

func (g *Gate) checkRate(ctx context.Context, ent *domain.CallerEntitlement) error {
	if g.limiter == nil || ent.RateLimitRPM <= 0 {
		return nil
	}

	decision, err := g.limiter.Allow(ctx, ent.CallerID, ent.RateLimitRPM)
	if err != nil {
		slog.WarnContext(ctx, "rate limiter unavailable, allowing request", "caller_id", ent.CallerID, "error", err)
		return nil
	}
	if decision.Allowed {
		return nil
	}

	metrics.RecordRateLimitHit(ent.CallerID)
	return &domain.Error{
		Kind:    domain.ErrQuotaExceeded,
		Code:    "rate_limit_exceeded",
		Message: fmt.Sprintf("rate limit of %d requests per minute exceeded, retry after %s", ent.RateLimitRPM, decision.ResetAt.UTC().Format("15:04:05")),
	}
}

// Permit checks the caller's provider allow list. An empty list allows all.
func (g *Gate) Permit(ent *domain.CallerEntitlement, provider string) error {
	if ent.AllowsProvider(provider) {
		return nil
	}
	return &domain.Error{
		Kind:     domain.ErrProviderNotPermitted,
		Provider: provider,
		Message:  fmt.Sprintf("caller is not permitted to use provider %q", provider),
	}
}

// Authorize is Authenticate followed by Permit for a known provider.
func (g *Gate) Authorize(ctx context.Context, credential, provider string) (*domain.CallerEntitlement, error) {
	ent, err := g.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if err := g.Permit(ent, provider); err != nil {
		return nil, err
	}
	return ent, nil
}

// RecordUsage appends record to the ledger and then increments the caller's
// counter. The ledger ignores duplicate ids, so a replay after a failed
// increment appends nothing twice.
func (g *Gate) RecordUsage(ctx context.Context, callerID string, record domain.UsageRecord) error {
	record.CallerID = callerID

	if err := g.ledger.Append(ctx, record); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}

	ent, err := g.entitlements.AddTokens(ctx, callerID, int64(record.TotalTokens))
	if err != nil {
		return fmt.Errorf("increment token usage: %w", err)
	}

	metrics.SetBudgetUsage(callerID, ent.UsageRatio())
	if g.monitor != nil {
		g.monitor.Check(ctx, ent)
	}

	return nil
}

// Usage returns the caller's current counters and most recent records.
func (g *Gate) Usage(ctx context.Context, callerID string, limit int) (*domain.CallerEntitlement, []domain.UsageRecord, error) {
	ent, err := g.entitlements.GetByCallerID(ctx, callerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load entitlement: %w", err)
	}

	since := ent.PeriodResetAt.AddDate(0, -1, 0)
	records, err := g.ledger.ListByCaller(ctx, callerID, since, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list usage: %w", err)
	}

	return ent, records, nil
}
