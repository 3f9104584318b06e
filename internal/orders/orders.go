package orders

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/theplant/luhn"
	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/events"
	"github.com/iurnickita/creditshop/internal/ledger"
	"github.com/iurnickita/creditshop/internal/metrics"
	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/store"
)

// Orders applies order lifecycle transitions. Every method is one store
// transaction: the status precondition, the ledger effect and the attempt
// record change together or not at all.
type Orders interface {
	Place(ctx context.Context, req PlaceRequest) (model.Order, error)
	Confirm(ctx context.Context, id string, remarks string) (model.Order, error)
	Cancel(ctx context.Context, id string, reason string) (model.Order, error)
	Start(ctx context.Context, id string, attempt model.FulfillmentAttempt) (model.Order, model.FulfillmentAttempt, error)
	Reopen(ctx context.Context, id string) (model.Order, model.FulfillmentAttempt, error)
	Complete(ctx context.Context, id string, attempt model.FulfillmentAttempt) (model.Order, error)
	Fail(ctx context.Context, id string, attempt model.FulfillmentAttempt, reason string) (model.Order, error)
}

type PlaceRequest struct {
	Owner    string
	Number   string
	Category model.Category
	Package  string
	Quantity int
	Price    decimal.Decimal
	Details  model.Details
}

var (
	ErrInsufficientData       = errors.New("insufficient data")
	ErrUnprocessableEntity    = errors.New("order number is not valid")
	ErrAlreadyExists          = errors.New("order number already exists")
	ErrNotFound               = errors.New("order not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrReasonRequired         = errors.New("cancellation reason required")
)

const (
	placeAttempts    = 2
	numberGenRetries = 3
)

type orders struct {
	store     store.Store
	ledger    ledger.Ledger
	publisher events.Publisher
	zaplog    *zap.Logger
	now       func() time.Time
}

func NewOrders(store store.Store, ledger ledger.Ledger, publisher events.Publisher, zaplog *zap.Logger) Orders {
	return &orders{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		zaplog:    zaplog,
		now:       time.Now,
	}
}

// inTx runs fn in a transaction and publishes the events it queued once the
// transaction has committed.
func (o *orders) inTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx, emit func(events.Event)) error) error {
	var queued []events.Event
	err := o.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		queued = queued[:0]
		return fn(ctx, tx, func(ev events.Event) { queued = append(queued, ev) })
	})
	if err != nil {
		return err
	}
	for _, ev := range queued {
		o.publisher.Publish(ctx, ev)
	}
	return nil
}

func (o *orders) Place(ctx context.Context, req PlaceRequest) (model.Order, error) {
	if req.Owner == "" || req.Package == "" || req.Category == "" {
		return model.Order{}, ErrInsufficientData
	}
	if req.Quantity < 1 {
		return model.Order{}, ErrInsufficientData
	}
	if err := ledger.CheckAmount(req.Price); err != nil {
		return model.Order{}, err
	}
	if _, ok := (model.Order{Quantity: req.Quantity, Details: req.Details}).Units(); !ok {
		return model.Order{}, fmt.Errorf("%w: quantity or multiplier out of range", ErrInsufficientData)
	}

	generated := req.Number == ""
	if !generated && !validNumber(req.Number) {
		// Проверка по алгоритму Луна
		return model.Order{}, ErrUnprocessableEntity
	}

	for i := 0; ; i++ {
		number := req.Number
		if generated {
			number = newOrderNumber()
		}
		order, err := o.place(ctx, req, number)
		if errors.Is(err, ErrAlreadyExists) && generated && i < numberGenRetries {
			continue
		}
		return order, err
	}
}

func (o *orders) place(ctx context.Context, req PlaceRequest, number string) (model.Order, error) {
	now := o.now()
	details := req.Details
	if details == nil {
		details = model.Details{}
	}
	order := model.Order{
		ID:              uuid.NewString(),
		Number:          number,
		Owner:           req.Owner,
		Category:        req.Category,
		Package:         req.Package,
		Quantity:        req.Quantity,
		Price:           req.Price,
		Details:         details,
		Status:          model.OrderStatusPending,
		CreditsDeducted: req.Price,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var err error
	for attempt := 1; attempt <= placeAttempts; attempt++ {
		err = o.inTx(ctx, func(ctx context.Context, tx store.Tx, emit func(events.Event)) error {
			entry, err := o.ledger.Deduct(ctx, tx, order.Owner, order.Price, order.ID)
			if err != nil {
				return err
			}
			if err := tx.OrderInsert(ctx, order); err != nil {
				return err
			}
			emit(events.BalanceChanged(entry))
			emit(events.OrderChanged(order))
			return nil
		})
		if err == nil || !retryable(err) || ctx.Err() != nil {
			break
		}
		o.zaplog.Warn("place order: storage error, retrying",
			zap.String("order", order.ID),
			zap.Error(err))
	}

	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyExists):
			// повтор после неоднозначного commit: заказ с этим id уже записан
			if existing, getErr := o.store.OrderGet(ctx, order.ID); getErr == nil {
				return existing, nil
			}
			return model.Order{}, ErrAlreadyExists
		case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInvalidAmount):
			return model.Order{}, err
		default:
			return model.Order{}, fmt.Errorf("place order: %w", err)
		}
	}

	metrics.OrdersPlaced.WithLabelValues(string(order.Category)).Inc()
	o.zaplog.Info("order placed",
		zap.String("order", order.ID),
		zap.String("number", order.Number),
		zap.String("owner", order.Owner),
		zap.String("category", string(order.Category)),
		zap.String("price", order.Price.String()))
	return order, nil
}

// retryable reports whether err came from the storage layer rather than from
// a business rule.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInsufficientData),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (o *orders) Confirm(ctx context.Context, id string, remarks string) (model.Order, error) {
	var result model.Order
	err := o.inTx(ctx, func(ctx context.Context, tx store.Tx, emit func(events.Event)) error {
		order, err := o.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if order.Category.Automated() {
			return fmt.Errorf("%w: %s orders are fulfilled by the provider", ErrInvalidStateTransition, order.Category)
		}
		// Повторное подтверждение ничего не меняет
		if order.Status == model.OrderStatusCompleted {
			result = order
			return nil
		}
		if !order.CanTransition(model.OrderStatusCompleted) {
			return fmt.Errorf("%w: confirm %s order", ErrInvalidStateTransition, order.Status)
		}

		now := o.now()
		expected := order.Status
		order.Status = model.OrderStatusCompleted
		order.ConfirmedAt = &now
		order.CompletedAt = &now
		order.UpdatedAt = now
		if remarks = strings.TrimSpace(remarks); remarks != "" {
			order.AdminRemarks = remarks
		}
		if err := o.update(ctx, tx, order, expected); err != nil {
			return err
		}
		emit(events.OrderChanged(order))
		result = order
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	return result, nil
}

func (o *orders) Cancel(ctx context.Context, id string, reason string) (model.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Order{}, ErrReasonRequired
	}

	var result model.Order
	err := o.inTx(ctx, func(ctx context.Context, tx store.Tx, emit func(events.Event)) error {
		order, err := o.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		// processing принадлежит автоматическому исполнению
		if order.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: cancel %s order", ErrInvalidStateTransition, order.Status)
		}
		result, err = o.cancelLocked(ctx, tx, emit, order, reason)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}
	return result, nil
}

// cancelLocked moves a locked order to canceled and credits back what was deducted.
func (o *orders) cancelLocked(ctx context.Context, tx store.Tx, emit func(events.Event), order model.Order, reason string) (model.Order, error) {
	if !order.CanTransition(model.OrderStatusCanceled) {
		return model.Order{}, fmt.Errorf("%w: cancel %s order", ErrInvalidStateTransition, order.Status)
	}

	now := o.now()
	expected := order.Status
	order.Status = model.OrderStatusCanceled
	order.CancelReason = reason
	order.CanceledAt = &now
	order.UpdatedAt = now
	if err := o.update(ctx, tx, order, expected); err != nil {
		return model.Order{}, err
	}

	entry, err := o.ledger.Credit(ctx, tx, order.Owner, order.CreditsDeducted, model.JournalOrderRefund, order.ID)
	if err != nil {
		return model.Order{}, fmt.Errorf("refund: %w", err)
	}
	emit(events.BalanceChanged(entry))
	emit(events.OrderChanged(order))
	return order, nil
}

// Start moves a pending automated order to processing and records its first
// attempt.
func (o *orders) Start(ctx context.Context, id string, attempt model.FulfillmentAttempt) (model.Order, model.FulfillmentAttempt, error) {
	var resultOrder model.Order
	var resultAttempt model.FulfillmentAttempt
	err := o.inTx(ctx, func(ctx context.Context, tx store.Tx, emit func(events.Event)) error {
		order, err := o.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusPending || !order.CanTransition(model.OrderStatusProcessing) {
			return fmt.Errorf("%w: start %s %s order", ErrInvalidStateTransition, order.Status, order.Category)
		}

		now := o.now()
		order.Status = model.OrderStatusProcessing
		order.UpdatedAt = now
		if err := o.update(ctx, tx, order, model.OrderStatusPending); err != nil {
			return err
		}

		attempt.ID = uuid.NewString()
		attempt.OrderID = order.ID
		attempt.Status = model.AttemptProcessing
		attempt.CreatedAt = now
		attempt.UpdatedAt = now
		if err := tx.AttemptInsert(ctx, attempt); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return fmt.Errorf("%w: order already has an attempt", ErrInvalidStateTransition)
			}
			return err
		}

		emit(events.OrderChanged(order))
		resultOrder, resultAttempt = order, attempt
		return nil
	})
	if err != nil {
		return model.Order{}, model.FulfillmentAttempt{}, err
	}
	return resultOrder, resultAttempt, nil
}

// Reopen prepares a failed automated order for another attempt: the charge is
// applied again, the order returns to processing and the attempt is reset with
// its retry count incremented.
func (o *orders) Reopen(ctx context.Context, id string) (model.Order, model.FulfillmentAttempt, error) {
	var resultOrder model.Order
	var resultAttempt model.FulfillmentAttempt
	err := o.inTx(ctx, func(ctx context.Context, tx store.Tx, emit func(events.Event)) error {
		order, err := o.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		attempt, err := tx.AttemptLock(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return fmt.Errorf("%w: order has no attempt", ErrInvalidStateTransition)
			}
			return err
		}
		if attempt.Status != model.AttemptFailed {
			return fmt.Errorf("%w: retry %s attempt", ErrInvalidStateTransition, attempt.Status)
		}
		if order.Status != model.OrderStatusCanceled || !order.CanTransition(model.OrderStatusProcessing) {
			return fmt.Errorf("%w: retry %s order", ErrInvalidStateTransition, order.Status)
		}

		entry, err := o.ledger.Deduct(ctx, tx, order.Owner, order.CreditsDeducted, order.ID)
		if err != nil {
			return err
		}

		now := o.now()
		order.Status = model.OrderStatusProcessing
		order.CancelReason = ""
		order.CanceledAt = nil
		order.UpdatedAt = now
		if err := o.update(ctx, tx, order, model.OrderStatusCanceled); err != nil {
			return err
		}

		attempt = model.FulfillmentAttempt{
			ID:         attempt.ID,
			OrderID:    attempt.OrderID,
			ProductID:  attempt.ProductID,
			UserID:     attempt.UserID,
			ZoneID:     attempt.ZoneID,
			Status:     model.AttemptProcessing,
			RetryCount: attempt.RetryCount + 1,
			CreatedAt:  attempt.CreatedAt,
			UpdatedAt:  now,
		}
		if err := tx.AttemptUpdate(ctx, attempt); err != nil {
			return err
		}

		emit(events.BalanceChanged(entry))
		emit(events.OrderChanged(order))
		resultOrder, resultAttempt = order, attempt
		return nil
	})
	if err != nil {
		return model.Order{}, model.FulfillmentAttempt{}, err
	}
	return resultOrder, resultAttempt, nil
}

// Complete records a successful attempt and completes the order.
func (o *orders) Complete(ctx context.Context, id string, attempt model.FulfillmentAttempt) (model.Order, error) {
	var result model.Order
	err := o.inTx(ctx, func(ctx context.Context, tx store.Tx, emit func(events.Event)) error {
		order, err := o.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusProcessing {
			return fmt.Errorf("%w: complete %s order", ErrInvalidStateTransition, order.Status)
		}

		now := o.now()
		attempt.Status = model.AttemptCompleted
		attempt.CompletedAt = &now
		attempt.UpdatedAt = now
		if err := tx.AttemptUpdate(ctx, attempt); err != nil {
			return err
		}

		order.Status = model.OrderStatusCompleted
		order.CompletedAt = &now
		order.UpdatedAt = now
		if err := o.update(ctx, tx, order, model.OrderStatusProcessing); err != nil {
			return err
		}
		emit(events.OrderChanged(order))
		result = order
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	return result, nil
}

// Fail records a failed attempt, cancels the processing order and applies the
// compensating credit.
func (o *orders) Fail(ctx context.Context, id string, attempt model.FulfillmentAttempt, reason string) (model.Order, error) {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "fulfillment failed"
	}

	var result model.Order
	err := o.inTx(ctx, func(ctx context.Context, tx store.Tx, emit func(events.Event)) error {
		order, err := o.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusProcessing {
			return fmt.Errorf("%w: fail %s order", ErrInvalidStateTransition, order.Status)
		}

		if attempt.ID != "" {
			now := o.now()
			attempt.Status = model.AttemptFailed
			attempt.FailedAt = &now
			attempt.UpdatedAt = now
			if err := tx.AttemptUpdate(ctx, attempt); err != nil {
				return err
			}
		}

		result, err = o.cancelLocked(ctx, tx, emit, order, reason)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}
	return result, nil
}

func (o *orders) lock(ctx context.Context, tx store.Tx, id string) (model.Order, error) {
	if id == "" {
		return model.Order{}, ErrInsufficientData
	}
	order, err := tx.OrderLock(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrNotFound
		}
		return model.Order{}, err
	}
	return order, nil
}

func (o *orders) update(ctx context.Context, tx store.Tx, order model.Order, expected model.OrderStatus) error {
	err := tx.OrderUpdate(ctx, order, expected)
	if err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			return fmt.Errorf("%w: order is no longer %s", ErrInvalidStateTransition, expected)
		}
		return err
	}
	metrics.OrderTransitions.WithLabelValues(string(order.Status)).Inc()
	return nil
}

func validNumber(number string) bool {
	n, err := strconv.Atoi(number)
	if err != nil || n <= 0 {
		return false
	}
	return luhn.Valid(n)
}

// newOrderNumber builds a numeric order number with a Luhn check digit.
func newOrderNumber() string {
	n := int(time.Now().UnixMilli()%1_000_000_000_000)*1000 + rand.IntN(1000)
	return strconv.Itoa(n*10 + luhn.CalculateLuhn(n))
}
