// Package events carries balance and order changes to the realtime collaborator.
// Publishing is fire-and-forget and happens after the owning transaction commits.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/model"
)

type Kind string

const (
	KindBalanceChanged Kind = "balance_changed"
	KindOrderChanged   Kind = "order_changed"
)

type Event struct {
	Kind    Kind             `json:"kind"`
	Account string           `json:"account"`
	OrderID string           `json:"order_id,omitempty"`
	Status  string           `json:"status,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
	At      time.Time        `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

func BalanceChanged(entry model.JournalEntry) Event {
	balance := entry.Balance
	return Event{
		Kind:    KindBalanceChanged,
		Account: entry.Owner,
		Balance: &balance,
		At:      entry.Timestamp,
	}
}

func OrderChanged(order model.Order) Event {
	return Event{
		Kind:    KindOrderChanged,
		Account: order.Owner,
		OrderID: order.ID,
		Status:  string(order.Status),
		At:      order.UpdatedAt,
	}
}

type logPublisher struct {
	zaplog *zap.Logger
}

// NewLogPublisher writes events to the log. Used when no broker is configured.
func NewLogPublisher(zaplog *zap.Logger) Publisher {
	return &logPublisher{zaplog: zaplog}
}

func (p *logPublisher) Publish(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("account", ev.Account),
		zap.Time("at", ev.At),
	}
	if ev.OrderID != "" {
		fields = append(fields, zap.String("order", ev.OrderID), zap.String("status", ev.Status))
	}
	if ev.Balance != nil {
		fields = append(fields, zap.String("balance", ev.Balance.String()))
	}
	p.zaplog.Info("event", fields...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
