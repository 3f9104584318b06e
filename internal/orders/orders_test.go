package orders

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/events"
	"github.com/iurnickita/creditshop/internal/ledger"
	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/store"
)

type testEnv struct {
	orders Orders
	store  store.Store
	ledger ledger.Ledger
	events *events.Recorder
}

func newTestEnv(t *testing.T, balance int64) testEnv {
	t.Helper()
	s := store.NewMemStore()
	rec := &events.Recorder{}
	l := ledger.NewLedger(s, rec)
	if balance > 0 {
		_, err := l.TopUp(context.Background(), "user-1", decimal.NewFromInt(balance), "topup-1")
		require.NoError(t, err)
	}
	return testEnv{orders: NewOrders(s, l, rec, zap.NewNop()), store: s, ledger: l, events: rec}
}

func (env testEnv) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := env.ledger.Get(context.Background(), "user-1")
	require.NoError(t, err)
	return b.Balance
}

// net returns the ledger effect attributed to an order, positive for charges.
func (env testEnv) net(t *testing.T, orderID string) decimal.Decimal {
	t.Helper()
	entries, err := env.store.JournalByReference(context.Background(), orderID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Sub(e.Difference)
	}
	return sum
}

func manualRequest() PlaceRequest {
	return PlaceRequest{
		Owner:    "user-1",
		Category: model.CategoryGameCurrency,
		Package:  "1000 Gold",
		Quantity: 1,
		Price:    decimal.NewFromInt(997),
	}
}

func automatedRequest() PlaceRequest {
	return PlaceRequest{
		Owner:    "user-1",
		Category: model.CategoryDirectTopUp,
		Package:  "86 Diamonds",
		Quantity: 1,
		Price:    decimal.NewFromInt(997),
		Details:  model.Details{model.DetailUserID: "12345678", model.DetailZoneID: "2001"},
	}
}

func TestPlaceDeductsAndCreatesPendingOrder(t *testing.T) {
	env := newTestEnv(t, 1000)

	order, err := env.orders.Place(context.Background(), manualRequest())
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.True(t, order.CreditsDeducted.Equal(order.Price))
	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(3)))
	assert.True(t, env.net(t, order.ID).Equal(decimal.NewFromInt(997)))
	assert.True(t, validNumber(order.Number), order.Number)

	stored, err := env.store.OrderGet(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Number, stored.Number)
}

func TestPlaceInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, 500)

	_, err := env.orders.Place(context.Background(), manualRequest())
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(500)))
	orders, err := env.store.OrderList(context.Background(), model.OrderFilter{Owner: "user-1"})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceValidation(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(r *PlaceRequest)
		wantErr error
	}{
		{name: "bad number", mutate: func(r *PlaceRequest) { r.Number = "12345678904" }, wantErr: ErrUnprocessableEntity},
		{name: "no quantity", mutate: func(r *PlaceRequest) { r.Quantity = 0 }, wantErr: ErrInsufficientData},
		{name: "zero price", mutate: func(r *PlaceRequest) { r.Price = decimal.Zero }, wantErr: ledger.ErrInvalidAmount},
		{name: "half cent price", mutate: func(r *PlaceRequest) { r.Price = decimal.RequireFromString("0.005") }, wantErr: ledger.ErrInvalidAmount},
		{name: "three decimal price", mutate: func(r *PlaceRequest) { r.Price = decimal.RequireFromString("1.005") }, wantErr: ledger.ErrInvalidAmount},
		{name: "huge multiplier", mutate: func(r *PlaceRequest) { r.Details = model.Details{model.DetailMultiplier: float64(1e20)} }, wantErr: ErrInsufficientData},
		{name: "fractional multiplier", mutate: func(r *PlaceRequest) { r.Details = model.Details{model.DetailMultiplier: float64(2.5)} }, wantErr: ErrInsufficientData},
		{name: "units overflow", mutate: func(r *PlaceRequest) {
			r.Quantity = model.MaxUnits
			r.Details = model.Details{model.DetailMultiplier: float64(2)}
		}, wantErr: ErrInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := manualRequest()
			tt.mutate(&req)
			_, err := env.orders.Place(ctx, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(1000)))
	orders, err := env.store.OrderList(ctx, model.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)

	// цена с двумя знаками проходит
	req := manualRequest()
	req.Price = decimal.RequireFromString("9.99")
	order, err := env.orders.Place(ctx, req)
	require.NoError(t, err)
	assert.True(t, env.net(t, order.ID).Equal(decimal.RequireFromString("9.99")))
}

func TestPlaceDuplicateNumber(t *testing.T) {
	env := newTestEnv(t, 5000)
	ctx := context.Background()

	req := manualRequest()
	req.Number = "12345678903"
	_, err := env.orders.Place(ctx, req)
	require.NoError(t, err)

	_, err = env.orders.Place(ctx, req)
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(5000-997)))
}

func TestConfirmIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	order, err := env.orders.Place(ctx, manualRequest())
	require.NoError(t, err)

	first, err := env.orders.Confirm(ctx, order.ID, "delivered")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, first.Status)
	assert.NotNil(t, first.ConfirmedAt)
	assert.Equal(t, "delivered", first.AdminRemarks)

	second, err := env.orders.Confirm(ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.OrderStatusCompleted, second.Status)
	assert.True(t, first.ConfirmedAt.Equal(*second.ConfirmedAt))
	assert.Equal(t, "delivered", second.AdminRemarks)
	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(3)))

	_, err = env.orders.Cancel(ctx, order.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestConfirmRejected(t *testing.T) {
	env := newTestEnv(t, 3000)
	ctx := context.Background()

	canceled, err := env.orders.Place(ctx, manualRequest())
	require.NoError(t, err)
	_, err = env.orders.Cancel(ctx, canceled.ID, "out of stock")
	require.NoError(t, err)
	_, err = env.orders.Confirm(ctx, canceled.ID, "")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	automated, err := env.orders.Place(ctx, automatedRequest())
	require.NoError(t, err)
	_, err = env.orders.Confirm(ctx, automated.ID, "")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = env.orders.Confirm(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelRefunds(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	order, err := env.orders.Place(ctx, manualRequest())
	require.NoError(t, err)

	_, err = env.orders.Cancel(ctx, order.ID, "  ")
	require.ErrorIs(t, err, ErrReasonRequired)

	canceled, err := env.orders.Cancel(ctx, order.ID, "out of stock")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCanceled, canceled.Status)
	assert.Equal(t, "out of stock", canceled.CancelReason)
	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(1000)))
	assert.True(t, env.net(t, order.ID).IsZero())

	_, err = env.orders.Cancel(ctx, order.ID, "out of stock")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(1000)))
}

func TestAutomatedLifecycle(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	order, err := env.orders.Place(ctx, automatedRequest())
	require.NoError(t, err)

	processing, attempt, err := env.orders.Start(ctx, order.ID, model.FulfillmentAttempt{ProductID: 13, UserID: "12345678", ZoneID: "2001"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, processing.Status)
	assert.Equal(t, model.AttemptProcessing, attempt.Status)

	// второй старт невозможен
	_, _, err = env.orders.Start(ctx, order.ID, model.FulfillmentAttempt{ProductID: 13})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	// отмена администратором не вмешивается в исполнение
	_, err = env.orders.Cancel(ctx, order.ID, "manual")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	attempt.ErrorKind = "verification_failed"
	attempt.ErrorMessage = "user not found"
	failed, err := env.orders.Fail(ctx, order.ID, attempt, "verification failed: user not found")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCanceled, failed.Status)
	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(1000)))
	assert.True(t, env.net(t, order.ID).IsZero())

	stored, err := env.store.AttemptGet(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptFailed, stored.Status)
	assert.Equal(t, "user not found", stored.ErrorMessage)

	// повтор: списание заново, счетчик +1, ошибка очищена
	reopened, retry, err := env.orders.Reopen(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, reopened.Status)
	assert.Empty(t, reopened.CancelReason)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Empty(t, retry.ErrorMessage)
	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(3)))

	_, _, err = env.orders.Reopen(ctx, order.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	retry.TransactionID = "TX1"
	completed, err := env.orders.Complete(ctx, order.ID, retry)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, completed.Status)
	assert.True(t, env.balance(t).Equal(decimal.NewFromInt(3)))
	assert.True(t, env.net(t, order.ID).Equal(completed.CreditsDeducted))

	stored, err = env.store.AttemptGet(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptCompleted, stored.Status)
	assert.Equal(t, "TX1", stored.TransactionID)

	_, err = env.orders.Fail(ctx, order.ID, stored, "late failure")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestReopenInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	order, err := env.orders.Place(ctx, automatedRequest())
	require.NoError(t, err)
	_, attempt, err := env.orders.Start(ctx, order.ID, model.FulfillmentAttempt{ProductID: 13})
	require.NoError(t, err)
	_, err = env.orders.Fail(ctx, order.ID, attempt, "provider down")
	require.NoError(t, err)

	// баланс потрачен на другой заказ
	_, err = env.orders.Place(ctx, manualRequest())
	require.NoError(t, err)

	_, _, err = env.orders.Reopen(ctx, order.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	stored, err := env.store.OrderGet(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCanceled, stored.Status)
	a, err := env.store.AttemptGet(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, a.RetryCount)
}

func TestConfirmRacesCancel(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	order, err := env.orders.Place(ctx, manualRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var confirmErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = env.orders.Confirm(ctx, order.ID, "")
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = env.orders.Cancel(ctx, order.ID, "out of stock")
	}()
	wg.Wait()

	// ровно одна операция побеждает
	require.True(t, (confirmErr == nil) != (cancelErr == nil), "confirm=%v cancel=%v", confirmErr, cancelErr)
	stored, err := env.store.OrderGet(ctx, order.ID)
	require.NoError(t, err)
	if confirmErr == nil {
		assert.Equal(t, model.OrderStatusCompleted, stored.Status)
		assert.True(t, env.balance(t).Equal(decimal.NewFromInt(3)))
	} else {
		assert.Equal(t, model.OrderStatusCanceled, stored.Status)
		assert.True(t, env.balance(t).Equal(decimal.NewFromInt(1000)))
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	before := len(env.events.Events())

	_, err := env.orders.Place(ctx, manualRequest())
	require.NoError(t, err)
	evs := env.events.Events()[before:]
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindBalanceChanged, evs[0].Kind)
	assert.Equal(t, events.KindOrderChanged, evs[1].Kind)

	before = len(env.events.Events())
	_, err = env.orders.Place(ctx, manualRequest())
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Len(t, env.events.Events(), before)
}
