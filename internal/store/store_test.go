package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/store/config"
)

// Postgres tests run only when DATABASE_URI points at a disposable database.
func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemStore()}
	if dsn := os.Getenv("DATABASE_URI"); dsn != "" {
		s, err := NewStore(config.Config{DBDsn: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores["postgres"] = s
	}
	return stores
}

func newTestOrder(owner string) model.Order {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return model.Order{
		ID:              uuid.NewString(),
		Number:          uuid.NewString()[:18],
		Owner:           owner,
		Category:        model.CategoryDirectTopUp,
		Package:         "86 Diamonds",
		Quantity:        1,
		Price:           decimal.NewFromInt(997),
		Details:         model.Details{model.DetailUserID: "12345", model.DetailZoneID: "2001"},
		Status:          model.OrderStatusPending,
		CreditsDeducted: decimal.NewFromInt(997),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestStoreBalance(t *testing.T) {
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			customer := uuid.NewString()

			// начальный баланс
			balance, err := s.BalanceGet(ctx, customer)
			require.NoError(t, err)
			require.True(t, balance.Balance.IsZero())

			// увеличение на 300
			err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				b, err := tx.BalanceLock(ctx, customer)
				if err != nil {
					return err
				}
				_, err = tx.BalanceWrite(ctx, model.JournalEntry{
					Owner:      customer,
					Timestamp:  time.Now(),
					Kind:       model.JournalTopUp,
					Difference: decimal.NewFromInt(300),
					Balance:    b.Balance.Add(decimal.NewFromInt(300)),
					Reference:  "topup-1",
				})
				return err
			})
			require.NoError(t, err)

			balance, err = s.BalanceGet(ctx, customer)
			require.NoError(t, err)
			require.True(t, balance.Balance.Equal(decimal.NewFromInt(300)))

			// отрицательный баланс не записывается
			err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				_, err := tx.BalanceWrite(ctx, model.JournalEntry{
					Owner:      customer,
					Timestamp:  time.Now(),
					Kind:       model.JournalOrderCharge,
					Difference: decimal.NewFromInt(-400),
					Balance:    decimal.NewFromInt(-100),
					Reference:  "order-1",
				})
				return err
			})
			require.ErrorIs(t, err, ErrNegativeResult)

			history, err := s.BalanceHistory(ctx, customer)
			require.NoError(t, err)
			require.Len(t, history, 1)
			require.Equal(t, "topup-1", history[0].Reference)
		})
	}
}

func TestStoreRollback(t *testing.T) {
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			order := newTestOrder(uuid.NewString())

			err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				if err := tx.OrderInsert(ctx, order); err != nil {
					return err
				}
				return ErrStatusChanged
			})
			require.ErrorIs(t, err, ErrStatusChanged)

			_, err = s.OrderGet(ctx, order.ID)
			require.ErrorIs(t, err, ErrNoRows)
		})
	}
}

func TestStorePurchaseOrder(t *testing.T) {
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			order := newTestOrder(uuid.NewString())

			// Создание заказа
			err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.OrderInsert(ctx, order)
			})
			require.NoError(t, err)

			// Повтор номера
			dup := newTestOrder(order.Owner)
			dup.Number = order.Number
			err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.OrderInsert(ctx, dup)
			})
			require.ErrorIs(t, err, ErrAlreadyExists)

			// Чтение заказа
			dbOrder, err := s.OrderGet(ctx, order.ID)
			require.NoError(t, err)
			require.Equal(t, order.Number, dbOrder.Number)
			require.Equal(t, model.OrderStatusPending, dbOrder.Status)
			require.True(t, order.CreditsDeducted.Equal(dbOrder.CreditsDeducted))
			require.Equal(t, "12345", dbOrder.Details.String(model.DetailUserID))

			// Обновление с неверным ожидаемым статусом
			order.Status = model.OrderStatusCompleted
			err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.OrderUpdate(ctx, order, model.OrderStatusProcessing)
			})
			require.ErrorIs(t, err, ErrStatusChanged)

			// Обновление заказа
			order.Status = model.OrderStatusProcessing
			err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				locked, err := tx.OrderLock(ctx, order.ID)
				if err != nil {
					return err
				}
				return tx.OrderUpdate(ctx, order, locked.Status)
			})
			require.NoError(t, err)

			orders, err := s.OrderList(ctx, model.OrderFilter{Owner: order.Owner, Status: model.OrderStatusProcessing})
			require.NoError(t, err)
			require.Len(t, orders, 1)
			require.Equal(t, order.ID, orders[0].ID)
		})
	}
}

func TestStoreAttempt(t *testing.T) {
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			order := newTestOrder(uuid.NewString())
			now := time.Now().UTC().Truncate(time.Millisecond)
			attempt := model.FulfillmentAttempt{
				ID:        uuid.NewString(),
				OrderID:   order.ID,
				ProductID: 13,
				UserID:    "12345",
				ZoneID:    "2001",
				Status:    model.AttemptProcessing,
				CreatedAt: now,
				UpdatedAt: now,
			}

			err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				if err := tx.OrderInsert(ctx, order); err != nil {
					return err
				}
				return tx.AttemptInsert(ctx, attempt)
			})
			require.NoError(t, err)

			attempt.Status = model.AttemptFailed
			attempt.ErrorMessage = "not verified"
			attempt.FailedAt = &now
			require.NoError(t, s.AttemptPut(ctx, attempt))

			// закрытую попытку прогресс исполнения не перезаписывает
			stale := attempt
			stale.Status = model.AttemptProcessing
			require.ErrorIs(t, s.AttemptPut(ctx, stale), ErrStatusChanged)

			failed, err := s.AttemptList(ctx, model.AttemptFailed)
			require.NoError(t, err)
			var found bool
			for _, a := range failed {
				if a.ID == attempt.ID {
					found = true
					require.Equal(t, "not verified", a.ErrorMessage)
					require.NotNil(t, a.FailedAt)
				}
			}
			require.True(t, found)

			_, err = s.AttemptGet(ctx, uuid.NewString())
			require.ErrorIs(t, err, ErrNoRows)
		})
	}
}
