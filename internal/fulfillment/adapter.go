package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/service/providerclient"
	"github.com/iurnickita/creditshop/internal/store"
)

// Adapter runs the two provider phases for one attempt. The returned attempt
// carries the raw responses, phase timestamps and, on failure, the error kind
// and message; the caller records the terminal status.
type Adapter interface {
	Run(ctx context.Context, order model.Order, attempt model.FulfillmentAttempt) (model.FulfillmentAttempt, error)
}

type adapter struct {
	store  store.Store
	client providerclient.ProviderClient
	zaplog *zap.Logger
	now    func() time.Time
}

func NewAdapter(store store.Store, client providerclient.ProviderClient, zaplog *zap.Logger) Adapter {
	return &adapter{store: store, client: client, zaplog: zaplog, now: time.Now}
}

func (a *adapter) Run(ctx context.Context, order model.Order, attempt model.FulfillmentAttempt) (result model.FulfillmentAttempt, err error) {
	result = attempt
	defer func() {
		if r := recover(); r != nil {
			a.zaplog.Error("fulfillment panic",
				zap.String("order", order.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("%w: panic: %v", ErrInternal, r)
		}
		if err != nil {
			result.ErrorKind = Kind(err)
			result.ErrorMessage = err.Error()
		}
	}()

	if result.UserID == "" {
		return result, fmt.Errorf("%w: game user id is missing", ErrVerificationFailed)
	}
	units, ok := order.Units()
	if !ok {
		return result, fmt.Errorf("%w: quantity %d out of range", ErrInternal, order.Quantity)
	}

	// Фаза 1: проверка игрового аккаунта
	verifyStarted := a.now()
	result.VerifyStartedAt = &verifyStarted
	if err := a.save(ctx, result); err != nil {
		return result, err
	}

	verify, err := a.client.Verify(ctx, providerclient.VerifyRequest{
		VariationID: result.ProductID,
		UID:         result.UserID,
		ZoneID:      result.ZoneID,
	})
	verifyFinished := a.now()
	result.VerifyFinishedAt = &verifyFinished
	result.VerifyResponse = verify.Raw
	if err != nil {
		return result, providerError(err)
	}
	if !verify.OK() {
		return result, fmt.Errorf("%w: %s", ErrVerificationFailed, describe(verify.Message, verify.Status))
	}

	// Фаза 2: заказ у провайдера
	submitStarted := a.now()
	result.SubmitStartedAt = &submitStarted
	if err := a.save(ctx, result); err != nil {
		return result, err
	}

	submit, err := a.client.SubmitOrder(ctx, providerclient.OrderRequest{
		VariationID: result.ProductID,
		Qty:         units,
		UID:         result.UserID,
		ZoneID:      result.ZoneID,
		ReferenceID: order.Number,
	})
	submitFinished := a.now()
	result.SubmitFinishedAt = &submitFinished
	result.OrderResponse = submit.Raw
	if err != nil {
		return result, providerError(err)
	}
	if !submit.OK() {
		return result, fmt.Errorf("%w: %s", ErrProviderOrderFailed, describe(submit.Message, submit.Status))
	}

	result.TransactionID = submit.Transaction()
	result.ErrorKind = ""
	result.ErrorMessage = ""
	// провайдер уже исполнил заказ: sweeper по transaction id завершает, а не возвращает
	if err := a.save(ctx, result); err != nil {
		a.zaplog.Error("attempt closed while provider delivered",
			zap.String("order", order.ID),
			zap.String("transaction", result.TransactionID))
	}
	return result, nil
}

// save records phase progress. Storage failures are only logged; an attempt
// that is no longer processing stops the run.
func (a *adapter) save(ctx context.Context, attempt model.FulfillmentAttempt) error {
	attempt.UpdatedAt = a.now()
	err := a.store.AttemptPut(ctx, attempt)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrStatusChanged) {
		return fmt.Errorf("%w: attempt is no longer processing", ErrInternal)
	}
	a.zaplog.Warn("save attempt progress",
		zap.String("attempt", attempt.ID),
		zap.String("order", attempt.OrderID),
		zap.Error(err))
	return nil
}

func providerError(err error) error {
	if errors.Is(err, providerclient.ErrUnreachable) {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
