package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Баланс и журнал

type Balance struct {
	Owner     string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

type JournalKind string

const (
	JournalOrderCharge JournalKind = "order_charge"
	JournalOrderRefund JournalKind = "order_refund"
	JournalTopUp       JournalKind = "topup"
)

// JournalEntry is one ledger mutation. Reference is the order id for order
// charges and refunds, the top-up reference otherwise.
type JournalEntry struct {
	Owner      string
	Operation  int64
	Timestamp  time.Time
	Kind       JournalKind
	Difference decimal.Decimal
	Balance    decimal.Decimal
	Reference  string
}

// Заказы

type Order struct {
	ID              string
	Number          string
	Owner           string
	Category        Category
	Package         string
	Quantity        int
	Price           decimal.Decimal
	Details         Details
	Status          OrderStatus
	CreditsDeducted decimal.Decimal
	AdminRemarks    string
	CancelReason    string
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
	CompletedAt     *time.Time
	CanceledAt      *time.Time
	UpdatedAt       time.Time
}

type OrderFilter struct {
	Owner         string
	Status        OrderStatus
	Category      Category
	UpdatedBefore time.Time
	Limit         int
}

// Details holds the fulfillment parameters entered by the buyer.
type Details map[string]any

const (
	DetailUserID     = "user_id"
	DetailZoneID     = "zone_id"
	DetailMultiplier = "multiplier"
)

func (d Details) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case float64:
		return decimal.NewFromFloat(v).String()
	case int:
		return decimal.NewFromInt(int64(v)).String()
	default:
		return ""
	}
}

// MaxUnits bounds quantity times multiplier for a single order.
const MaxUnits = 10000

// Multiplier returns the purchase multiplier, 1 when absent. ok is false for
// fractional, non-numeric or out of range values.
func (d Details) Multiplier() (int, bool) {
	raw, present := d[DetailMultiplier]
	if !present || raw == nil {
		return 1, true
	}
	var n decimal.Decimal
	switch v := raw.(type) {
	case float64:
		n = decimal.NewFromFloat(v)
	case int:
		n = decimal.NewFromInt(int64(v))
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if !n.IsInteger() || n.LessThan(decimal.NewFromInt(1)) || n.GreaterThan(decimal.NewFromInt(MaxUnits)) {
		return 0, false
	}
	return int(n.IntPart()), true
}

// Units is the quantity sent to the provider: quantity times multiplier.
func (o Order) Units() (int, bool) {
	m, ok := o.Details.Multiplier()
	if !ok || o.Quantity < 1 || o.Quantity > MaxUnits/m {
		return 0, false
	}
	return o.Quantity * m, true
}

// Автоматическое исполнение

type AttemptStatus string

const (
	AttemptIdle       AttemptStatus = "idle"
	AttemptProcessing AttemptStatus = "processing"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
)

type FulfillmentAttempt struct {
	ID               string
	OrderID          string
	ProductID        int
	UserID           string
	ZoneID           string
	Status           AttemptStatus
	VerifyResponse   string
	OrderResponse    string
	TransactionID    string
	RetryCount       int
	ErrorKind        string
	ErrorMessage     string
	CreatedAt        time.Time
	VerifyStartedAt  *time.Time
	VerifyFinishedAt *time.Time
	SubmitStartedAt  *time.Time
	SubmitFinishedAt *time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	UpdatedAt        time.Time
}
