package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/creditshop/internal/events"
	"github.com/iurnickita/creditshop/internal/metrics"
	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/store"
)

// Ledger owns every balance mutation. Deduct and Credit run inside the caller's
// transaction so that the balance row lock covers the whole unit of work;
// the caller publishes the returned entries once it commits.
type Ledger interface {
	Deduct(ctx context.Context, tx store.Tx, account string, amount decimal.Decimal, orderID string) (model.JournalEntry, error)
	Credit(ctx context.Context, tx store.Tx, account string, amount decimal.Decimal, kind model.JournalKind, reference string) (model.JournalEntry, error)
	TopUp(ctx context.Context, account string, amount decimal.Decimal, reference string) (model.JournalEntry, error)
	Get(ctx context.Context, account string) (model.Balance, error)
	GetHistory(ctx context.Context, account string) ([]model.JournalEntry, error)
}

var (
	ErrInvalidAmount     = errors.New("amount must be positive with at most two decimal places")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientData  = errors.New("insufficient data")
)

type ledger struct {
	store     store.Store
	publisher events.Publisher
	now       func() time.Time
}

// amountPlaces matches the NUMERIC(18,2) columns of the balance and journal.
const amountPlaces = 2

// CheckAmount rejects amounts that are not positive or that the storage
// would have to round.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Round(amountPlaces)) {
		return ErrInvalidAmount
	}
	return nil
}

func NewLedger(store store.Store, publisher events.Publisher) Ledger {
	return &ledger{store: store, publisher: publisher, now: time.Now}
}

func (l *ledger) Get(ctx context.Context, account string) (model.Balance, error) {
	if account == "" {
		return model.Balance{}, ErrInsufficientData
	}
	return l.store.BalanceGet(ctx, account)
}

func (l *ledger) GetHistory(ctx context.Context, account string) ([]model.JournalEntry, error) {
	if account == "" {
		return nil, ErrInsufficientData
	}
	return l.store.BalanceHistory(ctx, account)
}

func (l *ledger) Deduct(ctx context.Context, tx store.Tx, account string, amount decimal.Decimal, orderID string) (model.JournalEntry, error) {
	if account == "" || orderID == "" {
		return model.JournalEntry{}, ErrInsufficientData
	}
	if err := CheckAmount(amount); err != nil {
		return model.JournalEntry{}, err
	}

	// Блокировка строки баланса до конца транзакции
	balance, err := tx.BalanceLock(ctx, account)
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("lock balance: %w", err)
	}

	// Проверка достаточно средств
	if balance.Balance.LessThan(amount) {
		return model.JournalEntry{}, ErrInsufficientFunds
	}

	entry, err := tx.BalanceWrite(ctx, model.JournalEntry{
		Owner:      account,
		Timestamp:  l.now(),
		Kind:       model.JournalOrderCharge,
		Difference: amount.Neg(),
		Balance:    balance.Balance.Sub(amount),
		Reference:  orderID,
	})
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("write balance: %w", err)
	}
	metrics.LedgerOperations.WithLabelValues(string(entry.Kind)).Inc()
	return entry, nil
}

func (l *ledger) Credit(ctx context.Context, tx store.Tx, account string, amount decimal.Decimal, kind model.JournalKind, reference string) (model.JournalEntry, error) {
	if account == "" || reference == "" {
		return model.JournalEntry{}, ErrInsufficientData
	}
	if err := CheckAmount(amount); err != nil {
		return model.JournalEntry{}, err
	}

	balance, err := tx.BalanceLock(ctx, account)
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("lock balance: %w", err)
	}

	entry, err := tx.BalanceWrite(ctx, model.JournalEntry{
		Owner:      account,
		Timestamp:  l.now(),
		Kind:       kind,
		Difference: amount,
		Balance:    balance.Balance.Add(amount),
		Reference:  reference,
	})
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("write balance: %w", err)
	}
	metrics.LedgerOperations.WithLabelValues(string(entry.Kind)).Inc()
	return entry, nil
}

// TopUp credits the account for a manual or gateway top-up in its own transaction.
func (l *ledger) TopUp(ctx context.Context, account string, amount decimal.Decimal, reference string) (model.JournalEntry, error) {
	var entry model.JournalEntry
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = l.Credit(ctx, tx, account, amount, model.JournalTopUp, reference)
		return err
	})
	if err != nil {
		return model.JournalEntry{}, err
	}
	l.publisher.Publish(ctx, events.BalanceChanged(entry))
	return entry, nil
}
