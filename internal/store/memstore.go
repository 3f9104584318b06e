package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/iurnickita/creditshop/internal/model"
)

// memStore keeps everything in process memory. A transaction works on a copy
// of the state under a single lock and swaps it in on success, so transactions
// are serializable and a failed one leaves no trace.
type memStore struct {
	mu        sync.Mutex
	state     *memState
	operation int64
}

type memState struct {
	balances map[string]model.Balance
	journal  []model.JournalEntry
	orders   map[string]model.Order
	numbers  map[string]string
	attempts map[string]model.FulfillmentAttempt
}

func NewMemStore() Store {
	return &memStore{state: &memState{
		balances: map[string]model.Balance{},
		orders:   map[string]model.Order{},
		numbers:  map[string]string{},
		attempts: map[string]model.FulfillmentAttempt{},
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		balances: maps.Clone(s.balances),
		journal:  slices.Clone(s.journal),
		orders:   maps.Clone(s.orders),
		numbers:  maps.Clone(s.numbers),
		attempts: maps.Clone(s.attempts),
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(ctx, &memTx{state: work, operation: &m.operation}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memStore) Close() error {
	return nil
}

func (m *memStore) BalanceGet(_ context.Context, owner string) (model.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.state.balances[owner]; ok {
		return b, nil
	}
	return model.Balance{Owner: owner}, nil
}

func (m *memStore) BalanceHistory(_ context.Context, owner string) ([]model.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []model.JournalEntry
	for _, e := range m.state.journal {
		if e.Owner == owner {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *memStore) JournalByReference(_ context.Context, reference string) ([]model.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []model.JournalEntry
	for _, e := range m.state.journal {
		if e.Reference == reference {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *memStore) OrderGet(_ context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.state.orders[id]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return o, nil
}

func (m *memStore) OrderList(_ context.Context, filter model.OrderFilter) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []model.Order
	for _, o := range m.state.orders {
		if filter.Owner != "" && o.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Category != "" && o.Category != filter.Category {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !o.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].Number > orders[j].Number
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	if filter.Limit > 0 && len(orders) > filter.Limit {
		orders = orders[:filter.Limit]
	}
	return orders, nil
}

func (m *memStore) AttemptGet(_ context.Context, orderID string) (model.FulfillmentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.state.attempts[orderID]
	if !ok {
		return model.FulfillmentAttempt{}, ErrNoRows
	}
	return a, nil
}

func (m *memStore) AttemptList(_ context.Context, status model.AttemptStatus) ([]model.FulfillmentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var attempts []model.FulfillmentAttempt
	for _, a := range m.state.attempts {
		if a.Status == status {
			attempts = append(attempts, a)
		}
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].UpdatedAt.Before(attempts[j].UpdatedAt)
	})
	return attempts, nil
}

func (m *memStore) AttemptPut(_ context.Context, attempt model.FulfillmentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.state.attempts[attempt.OrderID]
	if !ok || current.ID != attempt.ID || current.Status != model.AttemptProcessing {
		return ErrStatusChanged
	}
	m.state.attempts[attempt.OrderID] = attempt
	return nil
}

type memTx struct {
	state     *memState
	operation *int64
}

func (tx *memTx) BalanceLock(_ context.Context, owner string) (model.Balance, error) {
	b, ok := tx.state.balances[owner]
	if !ok {
		b = model.Balance{Owner: owner}
		tx.state.balances[owner] = b
	}
	return b, nil
}

func (tx *memTx) BalanceWrite(_ context.Context, entry model.JournalEntry) (model.JournalEntry, error) {
	if entry.Balance.IsNegative() {
		return model.JournalEntry{}, ErrNegativeResult
	}
	if _, ok := tx.state.balances[entry.Owner]; !ok {
		return model.JournalEntry{}, ErrNoRows
	}
	tx.state.balances[entry.Owner] = model.Balance{
		Owner:     entry.Owner,
		Balance:   entry.Balance,
		UpdatedAt: entry.Timestamp,
	}
	*tx.operation++
	entry.Operation = *tx.operation
	tx.state.journal = append(tx.state.journal, entry)
	return entry, nil
}

func (tx *memTx) OrderInsert(_ context.Context, order model.Order) error {
	if _, ok := tx.state.orders[order.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := tx.state.numbers[order.Number]; ok {
		return ErrAlreadyExists
	}
	tx.state.orders[order.ID] = order
	tx.state.numbers[order.Number] = order.ID
	return nil
}

func (tx *memTx) OrderLock(_ context.Context, id string) (model.Order, error) {
	o, ok := tx.state.orders[id]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return o, nil
}

func (tx *memTx) OrderUpdate(_ context.Context, order model.Order, expected model.OrderStatus) error {
	current, ok := tx.state.orders[order.ID]
	if !ok || current.Status != expected {
		return ErrStatusChanged
	}
	current.Status = order.Status
	current.AdminRemarks = order.AdminRemarks
	current.CancelReason = order.CancelReason
	current.ConfirmedAt = order.ConfirmedAt
	current.CompletedAt = order.CompletedAt
	current.CanceledAt = order.CanceledAt
	current.UpdatedAt = order.UpdatedAt
	tx.state.orders[order.ID] = current
	return nil
}

func (tx *memTx) AttemptLock(_ context.Context, orderID string) (model.FulfillmentAttempt, error) {
	a, ok := tx.state.attempts[orderID]
	if !ok {
		return model.FulfillmentAttempt{}, ErrNoRows
	}
	return a, nil
}

func (tx *memTx) AttemptInsert(_ context.Context, attempt model.FulfillmentAttempt) error {
	if _, ok := tx.state.attempts[attempt.OrderID]; ok {
		return ErrAlreadyExists
	}
	tx.state.attempts[attempt.OrderID] = attempt
	return nil
}

func (tx *memTx) AttemptUpdate(_ context.Context, attempt model.FulfillmentAttempt) error {
	return tx.state.attemptUpdate(attempt)
}

func (s *memState) attemptUpdate(attempt model.FulfillmentAttempt) error {
	current, ok := s.attempts[attempt.OrderID]
	if !ok || current.ID != attempt.ID {
		return ErrNoRows
	}
	s.attempts[attempt.OrderID] = attempt
	return nil
}
