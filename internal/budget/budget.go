// Package budget raises alerts as callers consume their token budget for
// the current period. Each level fires at most once per caller and period.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	CallerID    string
	Level       AlertLevel
	Budget      int64
	Used        int64
	Percentage  float64
	PeriodReset time.Time
	Timestamp   time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Level returns the alert level for a usage ratio, or "" below Warning.
func (t Thresholds) Level(ratio float64) AlertLevel {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded
	case ratio >= t.Critical:
		return AlertLevelCritical
	case ratio >= t.Warning:
		return AlertLevelWarning
	default:
		return ""
	}
}

type Monitor struct {
	mu         sync.RWMutex
	handlers   []AlertHandler
	thresholds Thresholds
	dedup      AlertDeduplicator
	now        func() time.Time
}

func NewMonitor(thresholds Thresholds, dedup AlertDeduplicator) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		thresholds: thresholds,
		dedup:      dedup,
		now:        time.Now,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Check inspects the caller's counters after a usage increment and
// dispatches an alert when a new level was reached. It returns the alert
// that was dispatched, if any.
func (m *Monitor) Check(ctx context.Context, ent *domain.CallerEntitlement) *Alert {
	if ent == nil || ent.TokenBudgetPeriod <= 0 {
		return nil
	}

	ratio := ent.UsageRatio()
	level := m.thresholds.Level(ratio)
	if level == "" {
		return nil
	}

	period := periodKey(ent.PeriodResetAt)
	if !m.dedup.ShouldAlert(ctx, ent.CallerID, period, level) {
		return nil
	}

	alert := &Alert{
		CallerID:    ent.CallerID,
		Level:       level,
		Budget:      ent.TokenBudgetPeriod,
		Used:        ent.TokensUsedThisPeriod,
		Percentage:  ratio * 100,
		PeriodReset: ent.PeriodResetAt,
		Timestamp:   m.now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert
}

func periodKey(reset time.Time) string {
	if reset.IsZero() {
		return "current"
	}
	return reset.UTC().Format("2006-01")
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.WarnContext(ctx, "budget alert",
		"caller_id", alert.CallerID,
		"level", alert.Level,
		"budget_tokens", alert.Budget,
		"used_tokens", alert.Used,
		"percentage", alert.Percentage,
	)
}
