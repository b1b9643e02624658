package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/budget"
	"github.com/felipepmaragno/llm-gateway/internal/circuitbreaker"
)

const sendTimeout = 5 * time.Second

// Dispatcher sends notifications off the request path. Wait blocks until
// every dispatched send finished, which lets shutdown flush pending alerts.
type Dispatcher struct {
	notifier Notifier
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier) *Dispatcher {
	return &Dispatcher{notifier: notifier}
}

func (d *Dispatcher) dispatch(n Notification) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := d.notifier.Send(ctx, n); err != nil {
			slog.Error("notification failed", "type", n.Type, "error", err)
		}
	}()
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// BudgetAlert is a budget.AlertHandler.
func (d *Dispatcher) BudgetAlert(_ context.Context, alert budget.Alert) {
	d.dispatch(FromBudgetAlert(alert))
}

// BreakerTransition is a circuitbreaker.Listener. Only transitions into
// open and back to closed are reported.
func (d *Dispatcher) BreakerTransition(provider string, from, to circuitbreaker.State) {
	if n, ok := FromBreakerTransition(provider, from, to); ok {
		d.dispatch(n)
	}
}

func FromBudgetAlert(alert budget.Alert) Notification {
	typ := NotificationBudgetWarning
	switch alert.Level {
	case budget.AlertLevelCritical:
		typ = NotificationBudgetCritical
	case budget.AlertLevelExceeded:
		typ = NotificationBudgetExceeded
	}

	return Notification{
		Type:     typ,
		CallerID: alert.CallerID,
		Message:  fmt.Sprintf("caller %s used %.1f%% of its token budget", alert.CallerID, alert.Percentage),
		Data: map[string]any{
			"budget_tokens": alert.Budget,
			"used_tokens":   alert.Used,
			"period_reset":  alert.PeriodReset,
		},
		SentAt: alert.Timestamp,
	}
}

func FromBreakerTransition(provider string, from, to circuitbreaker.State) (Notification, bool) {
	switch to {
	case circuitbreaker.StateOpen:
		return Notification{
			Type:     NotificationProviderDown,
			Provider: provider,
			Message:  fmt.Sprintf("circuit for %s opened (was %s)", provider, from),
		}, true
	case circuitbreaker.StateClosed:
		return Notification{
			Type:     NotificationProviderUp,
			Provider: provider,
			Message:  fmt.Sprintf("circuit for %s closed", provider),
		}, true
	default:
		return Notification{}, false
	}
}
