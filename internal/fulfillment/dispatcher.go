package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/creditshop/internal/metrics"
	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/orders"
	"github.com/iurnickita/creditshop/internal/service/config"
	"github.com/iurnickita/creditshop/internal/service/providerclient"
	"github.com/iurnickita/creditshop/internal/store"
)

const (
	defaultRetryConcurrency = 4
	defaultSweepInterval    = time.Minute
	defaultStuckAfter       = 10 * time.Minute
	defaultProviderTimeout  = 15 * time.Second

	completeAttempts        = 2

	reasonInterrupted   = "fulfillment interrupted"
	reasonNotDispatched = "fulfillment never started"
)

type Dispatcher interface {
	// Dispatch hands a freshly placed order to its route. For automated orders
	// it returns the terminal order and the fulfillment error, if any.
	Dispatch(ctx context.Context, order model.Order) (model.Order, error)
	Retry(ctx context.Context, id string) (model.Order, error)
	RetryAllFailed(ctx context.Context) ([]RetryResult, error)
	SweepStuck(ctx context.Context) (int, error)
	RunSweeper(ctx context.Context)
}

type RetryResult struct {
	OrderID string
	Status  model.OrderStatus
	Err     error
}

type dispatcher struct {
	store       store.Store
	orders      orders.Orders
	adapter     Adapter
	zaplog      *zap.Logger
	timeout     time.Duration
	concurrency int
	interval    time.Duration
	stuckAfter  time.Duration
	now         func() time.Time
}

func NewDispatcher(cfg config.Config, store store.Store, orders orders.Orders, adapter Adapter, zaplog *zap.Logger) Dispatcher {
	d := &dispatcher{
		store:       store,
		orders:      orders,
		adapter:     adapter,
		zaplog:      zaplog,
		concurrency: cfg.RetryConcurrency,
		interval:    cfg.SweepInterval,
		stuckAfter:  cfg.StuckAfter,
		now:         time.Now,
	}
	providerTimeout := cfg.Provider.Timeout
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	// две фазы плюс запас на транзакции
	d.timeout = 2*providerTimeout + 5*time.Second
	if d.concurrency <= 0 {
		d.concurrency = defaultRetryConcurrency
	}
	if d.interval <= 0 {
		d.interval = defaultSweepInterval
	}
	if d.stuckAfter <= 0 {
		d.stuckAfter = defaultStuckAfter
	}
	// sweeper не трогает заказ, пока исполнение еще может идти
	if d.stuckAfter <= d.timeout {
		zaplog.Warn("stuck period is shorter than the dispatch budget, raising it",
			zap.Duration("stuck_after", d.stuckAfter),
			zap.Duration("dispatch_budget", d.timeout))
		d.stuckAfter = 2 * d.timeout
	}
	return d
}

func (d *dispatcher) Dispatch(ctx context.Context, order model.Order) (model.Order, error) {
	route, err := RouteOf(order.Category, order.Package)
	if err != nil {
		return order, err
	}
	if route == RouteManual {
		// ждет подтверждения администратором
		return order, nil
	}

	productID, err := providerclient.ProductID(order.Package)
	if err != nil {
		return order, err
	}

	ctx, cancel := d.detach(ctx)
	defer cancel()

	started, attempt, err := d.orders.Start(ctx, order.ID, model.FulfillmentAttempt{
		ProductID: productID,
		UserID:    order.Details.String(model.DetailUserID),
		ZoneID:    order.Details.String(model.DetailZoneID),
	})
	if err != nil {
		return order, fmt.Errorf("start fulfillment: %w", err)
	}
	return d.execute(ctx, started, attempt)
}

func (d *dispatcher) Retry(ctx context.Context, id string) (model.Order, error) {
	order, err := d.store.OrderGet(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, orders.ErrNotFound
		}
		return model.Order{}, err
	}
	if !order.Category.Automated() {
		return order, fmt.Errorf("%w: %s orders are not fulfilled by the provider", orders.ErrInvalidStateTransition, order.Category)
	}

	_, err = d.store.AttemptGet(ctx, id)
	if errors.Is(err, store.ErrNoRows) && order.Status == model.OrderStatusPending {
		// заказ не дошел до исполнения
		return d.Dispatch(ctx, order)
	}
	if err != nil && !errors.Is(err, store.ErrNoRows) {
		return order, err
	}

	ctx, cancel := d.detach(ctx)
	defer cancel()

	reopened, attempt, err := d.orders.Reopen(ctx, id)
	if err != nil {
		return order, err
	}
	d.zaplog.Info("fulfillment retry",
		zap.String("order", reopened.ID),
		zap.Int("retry", attempt.RetryCount))
	return d.execute(ctx, reopened, attempt)
}

func (d *dispatcher) RetryAllFailed(ctx context.Context) ([]RetryResult, error) {
	failed, err := d.store.AttemptList(ctx, model.AttemptFailed)
	if err != nil {
		return nil, err
	}

	results := make([]RetryResult, len(failed))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, attempt := range failed {
		g.Go(func() error {
			// ошибка одного заказа не останавливает остальные
			order, err := d.Retry(ctx, attempt.OrderID)
			results[i] = RetryResult{OrderID: attempt.OrderID, Status: order.Status, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	d.zaplog.Info("bulk fulfillment retry", zap.Int("orders", len(results)))
	return results, nil
}

// SweepStuck settles automated orders that have not moved for longer than the
// configured period, e.g. after a crash in the middle of fulfillment. A
// processing order whose attempt already holds a provider transaction is
// completed, any other processing order is failed with a refund, and a
// pending order that never reached the provider is canceled with a refund.
func (d *dispatcher) SweepStuck(ctx context.Context) (int, error) {
	before := d.now().Add(-d.stuckAfter)

	stuck, err := d.store.OrderList(ctx, model.OrderFilter{
		Status:        model.OrderStatusProcessing,
		UpdatedBefore: before,
	})
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, order := range stuck {
		ok, err := d.sweepProcessing(ctx, order)
		if err != nil {
			return swept, err
		}
		if ok {
			swept++
		}
	}

	pending, err := d.store.OrderList(ctx, model.OrderFilter{
		Status:        model.OrderStatusPending,
		UpdatedBefore: before,
	})
	if err != nil {
		return swept, err
	}
	for _, order := range pending {
		if !order.Category.Automated() {
			continue
		}
		if _, err := d.orders.Cancel(ctx, order.ID, reasonNotDispatched); err != nil {
			if errors.Is(err, orders.ErrInvalidStateTransition) {
				continue
			}
			return swept, err
		}
		metrics.FulfillmentOutcomes.WithLabelValues(KindInternal).Inc()
		d.zaplog.Warn("undispatched order canceled",
			zap.String("order", order.ID),
			zap.Time("updated", order.UpdatedAt))
		swept++
	}
	return swept, nil
}

func (d *dispatcher) sweepProcessing(ctx context.Context, order model.Order) (bool, error) {
	attempt, err := d.store.AttemptGet(ctx, order.ID)
	if err != nil && !errors.Is(err, store.ErrNoRows) {
		return false, err
	}

	if attempt.TransactionID != "" {
		// провайдер уже исполнил заказ, возврат не положен
		if _, err := d.orders.Complete(ctx, order.ID, attempt); err != nil {
			if errors.Is(err, orders.ErrInvalidStateTransition) {
				return false, nil
			}
			return false, err
		}
		metrics.FulfillmentOutcomes.WithLabelValues("completed").Inc()
		d.zaplog.Warn("stuck order completed",
			zap.String("order", order.ID),
			zap.String("transaction", attempt.TransactionID))
		return true, nil
	}

	attempt.ErrorKind = KindInternal
	attempt.ErrorMessage = reasonInterrupted
	if _, err := d.orders.Fail(ctx, order.ID, attempt, reasonInterrupted); err != nil {
		if errors.Is(err, orders.ErrInvalidStateTransition) {
			return false, nil
		}
		return false, err
	}
	metrics.FulfillmentOutcomes.WithLabelValues(KindInternal).Inc()
	d.zaplog.Warn("stuck order failed",
		zap.String("order", order.ID),
		zap.Time("updated", order.UpdatedAt))
	return true, nil
}

func (d *dispatcher) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.SweepStuck(ctx); err != nil {
				d.zaplog.Error("sweep stuck orders", zap.Error(err))
			}
		}
	}
}

// execute runs the adapter and records the outcome in one transaction.
func (d *dispatcher) execute(ctx context.Context, order model.Order, attempt model.FulfillmentAttempt) (model.Order, error) {
	attempt, runErr := d.adapter.Run(ctx, order, attempt)
	if runErr == nil {
		completed, err := d.complete(ctx, order.ID, attempt)
		if err != nil {
			// заказ остается в processing, sweeper завершит его по transaction id
			d.zaplog.Error("complete order",
				zap.String("order", order.ID),
				zap.String("transaction", attempt.TransactionID),
				zap.Error(err))
			return order, fmt.Errorf("%w: complete order: %v", ErrInternal, err)
		}
		metrics.FulfillmentOutcomes.WithLabelValues("completed").Inc()
		d.zaplog.Info("order fulfilled",
			zap.String("order", order.ID),
			zap.String("transaction", attempt.TransactionID))
		return completed, nil
	}

	metrics.FulfillmentOutcomes.WithLabelValues(Kind(runErr)).Inc()
	d.zaplog.Warn("fulfillment failed",
		zap.String("order", order.ID),
		zap.String("kind", Kind(runErr)),
		zap.Error(runErr))

	canceled, err := d.orders.Fail(ctx, order.ID, attempt, runErr.Error())
	if err != nil {
		// заказ останется в processing до прохода sweeper
		d.zaplog.Error("fail order",
			zap.String("order", order.ID),
			zap.Error(err))
		return order, runErr
	}
	return canceled, runErr
}

// detach keeps fulfillment running after the caller goes away; only the
// provider budget bounds it.
func (d *dispatcher) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
}

// complete records a delivered attempt, retrying once on a storage error.
func (d *dispatcher) complete(ctx context.Context, id string, attempt model.FulfillmentAttempt) (model.Order, error) {
	var err error
	for i := 0; i < completeAttempts; i++ {
		var completed model.Order
		completed, err = d.orders.Complete(ctx, id, attempt)
		if err == nil {
			return completed, nil
		}
		if errors.Is(err, orders.ErrInvalidStateTransition) || errors.Is(err, orders.ErrNotFound) || ctx.Err() != nil {
			break
		}
		d.zaplog.Warn("complete order: storage error, retrying",
			zap.String("order", id),
			zap.Error(err))
	}
	return model.Order{}, err
}
