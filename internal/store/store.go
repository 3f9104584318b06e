package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/store/config"
)

// Store is the storage handle passed into every operation. Reads go straight to
// the database, writes that must be atomic go through InTx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	BalanceGet(ctx context.Context, owner string) (model.Balance, error)
	BalanceHistory(ctx context.Context, owner string) ([]model.JournalEntry, error)
	JournalByReference(ctx context.Context, reference string) ([]model.JournalEntry, error)
	OrderGet(ctx context.Context, id string) (model.Order, error)
	OrderList(ctx context.Context, filter model.OrderFilter) ([]model.Order, error)
	AttemptGet(ctx context.Context, orderID string) (model.FulfillmentAttempt, error)
	AttemptList(ctx context.Context, status model.AttemptStatus) ([]model.FulfillmentAttempt, error)
	AttemptPut(ctx context.Context, attempt model.FulfillmentAttempt) error
	Close() error
}

// Tx is a single transactional boundary. BalanceLock, OrderLock and AttemptLock
// hold row locks until the transaction ends.
type Tx interface {
	BalanceLock(ctx context.Context, owner string) (model.Balance, error)
	BalanceWrite(ctx context.Context, entry model.JournalEntry) (model.JournalEntry, error)
	OrderInsert(ctx context.Context, order model.Order) error
	OrderLock(ctx context.Context, id string) (model.Order, error)
	OrderUpdate(ctx context.Context, order model.Order, expected model.OrderStatus) error
	AttemptLock(ctx context.Context, orderID string) (model.FulfillmentAttempt, error)
	AttemptInsert(ctx context.Context, attempt model.FulfillmentAttempt) error
	AttemptUpdate(ctx context.Context, attempt model.FulfillmentAttempt) error
}

var (
	ErrNoRows         = errors.New("no rows")
	ErrAlreadyExists  = errors.New("already exists")
	ErrStatusChanged  = errors.New("status changed concurrently")
	ErrNegativeResult = errors.New("balance would become negative")
)

//go:embed migrations/*.sql
var migrations embed.FS

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if err = migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &store{database: db}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (store *store) Close() error {
	return store.database.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (store *store) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err = fn(ctx, &pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

// Баланс

const balanceColumns = "owner, balance, updated_at"

func (tx *pgTx) BalanceLock(ctx context.Context, owner string) (model.Balance, error) {
	// Строка создается при первом обращении
	_, err := tx.q.ExecContext(ctx,
		"INSERT INTO account_balance (owner, balance, updated_at)"+
			" VALUES ($1, 0, now())"+
			" ON CONFLICT (owner) DO NOTHING",
		owner)
	if err != nil {
		return model.Balance{}, err
	}

	var balance model.Balance
	row := tx.q.QueryRowContext(ctx,
		"SELECT "+balanceColumns+" FROM account_balance"+
			" WHERE owner = $1"+
			" FOR UPDATE",
		owner)
	err = row.Scan(&balance.Owner, &balance.Balance, &balance.UpdatedAt)
	if err != nil {
		return model.Balance{}, err
	}
	return balance, nil
}

func (tx *pgTx) BalanceWrite(ctx context.Context, entry model.JournalEntry) (model.JournalEntry, error) {
	if entry.Balance.IsNegative() {
		return model.JournalEntry{}, ErrNegativeResult
	}
	res, err := tx.q.ExecContext(ctx,
		"UPDATE account_balance"+
			" SET balance = $1, updated_at = $2"+
			" WHERE owner = $3",
		entry.Balance,
		entry.Timestamp,
		entry.Owner)
	if err != nil {
		return model.JournalEntry{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.JournalEntry{}, err
	} else if n == 0 {
		return model.JournalEntry{}, ErrNoRows
	}

	row := tx.q.QueryRowContext(ctx,
		"INSERT INTO balance_journal (owner, timestamp, kind, difference, balance, reference)"+
			" VALUES ($1, $2, $3, $4, $5, $6)"+
			" RETURNING operation",
		entry.Owner,
		entry.Timestamp,
		entry.Kind,
		entry.Difference,
		entry.Balance,
		entry.Reference)
	if err = row.Scan(&entry.Operation); err != nil {
		return model.JournalEntry{}, err
	}
	return entry, nil
}

func (store *store) BalanceGet(ctx context.Context, owner string) (model.Balance, error) {
	balance := model.Balance{Owner: owner}
	row := store.database.QueryRowContext(ctx,
		"SELECT "+balanceColumns+" FROM account_balance"+
			" WHERE owner = $1",
		owner)
	err := row.Scan(&balance.Owner, &balance.Balance, &balance.UpdatedAt)
	if err != nil && err != sql.ErrNoRows { // если нет строки - нулевой баланс
		return model.Balance{}, err
	}
	return balance, nil
}

const journalColumns = "owner, operation, timestamp, kind, difference, balance, reference"

func (store *store) BalanceHistory(ctx context.Context, owner string) ([]model.JournalEntry, error) {
	return store.journal(ctx, "owner", owner)
}

func (store *store) JournalByReference(ctx context.Context, reference string) ([]model.JournalEntry, error) {
	return store.journal(ctx, "reference", reference)
}

func (store *store) journal(ctx context.Context, column string, value string) ([]model.JournalEntry, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+journalColumns+" FROM balance_journal"+
			" WHERE "+column+" = $1"+
			" ORDER BY operation",
		value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		var entry model.JournalEntry
		err = rows.Scan(&entry.Owner,
			&entry.Operation,
			&entry.Timestamp,
			&entry.Kind,
			&entry.Difference,
			&entry.Balance,
			&entry.Reference)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Заказы

const orderColumns = "id, number, owner, category, package, quantity, price, details, status," +
	" credits_deducted, admin_remarks, cancel_reason," +
	" created_at, confirmed_at, completed_at, canceled_at, updated_at"

func scanOrder(row rowScanner) (model.Order, error) {
	var order model.Order
	var details []byte
	err := row.Scan(&order.ID,
		&order.Number,
		&order.Owner,
		&order.Category,
		&order.Package,
		&order.Quantity,
		&order.Price,
		&details,
		&order.Status,
		&order.CreditsDeducted,
		&order.AdminRemarks,
		&order.CancelReason,
		&order.CreatedAt,
		&order.ConfirmedAt,
		&order.CompletedAt,
		&order.CanceledAt,
		&order.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}
	if len(details) > 0 {
		if err = json.Unmarshal(details, &order.Details); err != nil {
			return model.Order{}, fmt.Errorf("order %s details: %w", order.ID, err)
		}
	}
	return order, nil
}

func (tx *pgTx) OrderInsert(ctx context.Context, order model.Order) error {
	details, err := json.Marshal(order.Details)
	if err != nil {
		return err
	}
	_, err = tx.q.ExecContext(ctx,
		"INSERT INTO purchase_order ("+orderColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)",
		order.ID,
		order.Number,
		order.Owner,
		order.Category,
		order.Package,
		order.Quantity,
		order.Price,
		details,
		order.Status,
		order.CreditsDeducted,
		order.AdminRemarks,
		order.CancelReason,
		order.CreatedAt,
		order.ConfirmedAt,
		order.CompletedAt,
		order.CanceledAt,
		order.UpdatedAt)
	if err != nil {
		// Проверка: уже существует
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (tx *pgTx) OrderLock(ctx context.Context, id string) (model.Order, error) {
	row := tx.q.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM purchase_order"+
			" WHERE id = $1"+
			" FOR UPDATE",
		id)
	return scanOrder(row)
}

func (tx *pgTx) OrderUpdate(ctx context.Context, order model.Order, expected model.OrderStatus) error {
	res, err := tx.q.ExecContext(ctx,
		"UPDATE purchase_order"+
			" SET status = $1, admin_remarks = $2, cancel_reason = $3,"+
			"     confirmed_at = $4, completed_at = $5, canceled_at = $6, updated_at = $7"+
			" WHERE id = $8"+
			"   AND status = $9",
		order.Status,
		order.AdminRemarks,
		order.CancelReason,
		order.ConfirmedAt,
		order.CompletedAt,
		order.CanceledAt,
		order.UpdatedAt,
		order.ID,
		expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusChanged
	}
	return nil
}

func (store *store) OrderGet(ctx context.Context, id string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM purchase_order"+
			" WHERE id = $1",
		id)
	return scanOrder(row)
}

func (store *store) OrderList(ctx context.Context, filter model.OrderFilter) ([]model.Order, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, cond+" $"+strconv.Itoa(len(args)))
	}
	if filter.Owner != "" {
		add("owner =", filter.Owner)
	}
	if filter.Status != "" {
		add("status =", filter.Status)
	}
	if filter.Category != "" {
		add("category =", filter.Category)
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at <", filter.UpdatedBefore)
	}

	query := "SELECT " + orderColumns + " FROM purchase_order"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// Попытки автоматического исполнения

const attemptColumns = "id, order_id, product_id, user_id, zone_id, status," +
	" verify_response, order_response, transaction_id, retry_count, error_kind, error_message," +
	" created_at, verify_started_at, verify_finished_at, submit_started_at, submit_finished_at," +
	" completed_at, failed_at, updated_at"

func scanAttempt(row rowScanner) (model.FulfillmentAttempt, error) {
	var a model.FulfillmentAttempt
	err := row.Scan(&a.ID,
		&a.OrderID,
		&a.ProductID,
		&a.UserID,
		&a.ZoneID,
		&a.Status,
		&a.VerifyResponse,
		&a.OrderResponse,
		&a.TransactionID,
		&a.RetryCount,
		&a.ErrorKind,
		&a.ErrorMessage,
		&a.CreatedAt,
		&a.VerifyStartedAt,
		&a.VerifyFinishedAt,
		&a.SubmitStartedAt,
		&a.SubmitFinishedAt,
		&a.CompletedAt,
		&a.FailedAt,
		&a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.FulfillmentAttempt{}, ErrNoRows
		}
		return model.FulfillmentAttempt{}, err
	}
	return a, nil
}

func attemptArgs(a model.FulfillmentAttempt) []any {
	return []any{a.ID,
		a.OrderID,
		a.ProductID,
		a.UserID,
		a.ZoneID,
		a.Status,
		a.VerifyResponse,
		a.OrderResponse,
		a.TransactionID,
		a.RetryCount,
		a.ErrorKind,
		a.ErrorMessage,
		a.CreatedAt,
		a.VerifyStartedAt,
		a.VerifyFinishedAt,
		a.SubmitStartedAt,
		a.SubmitFinishedAt,
		a.CompletedAt,
		a.FailedAt,
		a.UpdatedAt}
}

const attemptUpdateSQL = "UPDATE fulfillment_attempt" +
	" SET order_id = $2, product_id = $3, user_id = $4, zone_id = $5, status = $6," +
	"     verify_response = $7, order_response = $8, transaction_id = $9, retry_count = $10," +
	"     error_kind = $11, error_message = $12, created_at = $13," +
	"     verify_started_at = $14, verify_finished_at = $15, submit_started_at = $16," +
	"     submit_finished_at = $17, completed_at = $18, failed_at = $19, updated_at = $20" +
	" WHERE id = $1"

func (tx *pgTx) AttemptLock(ctx context.Context, orderID string) (model.FulfillmentAttempt, error) {
	row := tx.q.QueryRowContext(ctx,
		"SELECT "+attemptColumns+" FROM fulfillment_attempt"+
			" WHERE order_id = $1"+
			" FOR UPDATE",
		orderID)
	return scanAttempt(row)
}

func (tx *pgTx) AttemptInsert(ctx context.Context, attempt model.FulfillmentAttempt) error {
	_, err := tx.q.ExecContext(ctx,
		"INSERT INTO fulfillment_attempt ("+attemptColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,"+
			"         $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)",
		attemptArgs(attempt)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (tx *pgTx) AttemptUpdate(ctx context.Context, attempt model.FulfillmentAttempt) error {
	return execAttemptUpdate(ctx, tx.q, attempt)
}

// AttemptPut saves progress of a running attempt. It never overwrites an
// attempt that has already been completed or failed.
func (store *store) AttemptPut(ctx context.Context, attempt model.FulfillmentAttempt) error {
	res, err := store.database.ExecContext(ctx,
		attemptUpdateSQL+" AND status = $21",
		append(attemptArgs(attempt), string(model.AttemptProcessing))...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusChanged
	}
	return nil
}

func execAttemptUpdate(ctx context.Context, q querier, attempt model.FulfillmentAttempt) error {
	res, err := q.ExecContext(ctx, attemptUpdateSQL, attemptArgs(attempt)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

func (store *store) AttemptGet(ctx context.Context, orderID string) (model.FulfillmentAttempt, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+attemptColumns+" FROM fulfillment_attempt"+
			" WHERE order_id = $1",
		orderID)
	return scanAttempt(row)
}

func (store *store) AttemptList(ctx context.Context, status model.AttemptStatus) ([]model.FulfillmentAttempt, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+attemptColumns+" FROM fulfillment_attempt"+
			" WHERE status = $1"+
			" ORDER BY updated_at",
		status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.FulfillmentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
