package model

import (
	"errors"
	"slices"
)

type Category string

const (
	CategoryGameCurrency Category = "game_currency"
	CategorySubscription Category = "subscription"
	CategoryDirectTopUp  Category = "direct_topup"
)

var ErrUnknownCategory = errors.New("unknown category")

func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryGameCurrency, CategorySubscription, CategoryDirectTopUp:
		return c, nil
	default:
		return "", ErrUnknownCategory
	}
}

// Automated reports whether orders of the category are fulfilled through the
// external provider instead of an administrator.
func (c Category) Automated() bool {
	return c == CategoryDirectTopUp
}

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCanceled   OrderStatus = "canceled"
)

func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch st := OrderStatus(s); st {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted, OrderStatusCanceled:
		return st, true
	default:
		return "", false
	}
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCanceled
}

var manualTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusCompleted, OrderStatusCanceled},
}

// canceled -> processing is the reopen edge used only when a failed automated
// attempt is retried; it re-applies the charge in the same transaction.
var automatedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCanceled},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusCanceled},
	OrderStatusCanceled:   {OrderStatusProcessing},
}

// CanTransition validates a status change against the order's category.
func (o Order) CanTransition(to OrderStatus) bool {
	table := manualTransitions
	if o.Category.Automated() {
		table = automatedTransitions
	}
	return slices.Contains(table[o.Status], to)
}
