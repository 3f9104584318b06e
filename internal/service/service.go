package service

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/dedupe"
	"github.com/iurnickita/creditshop/internal/events"
	"github.com/iurnickita/creditshop/internal/fulfillment"
	"github.com/iurnickita/creditshop/internal/ledger"
	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/orders"
	"github.com/iurnickita/creditshop/internal/service/config"
	"github.com/iurnickita/creditshop/internal/service/providerclient"
	"github.com/iurnickita/creditshop/internal/store"
)

type Service interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (model.Order, error)
	GetOrder(ctx context.Context, id string, owner string) (OrderView, error)
	ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error)
	ReviewQueue(ctx context.Context) ([]model.Order, error)
	ConfirmOrder(ctx context.Context, id string, remarks string) (model.Order, error)
	CancelOrder(ctx context.Context, id string, reason string) (model.Order, error)
	RetryFulfillment(ctx context.Context, id string) (model.Order, error)
	RetryAllFailed(ctx context.Context) ([]fulfillment.RetryResult, error)
	GetBalance(ctx context.Context, account string) (model.Balance, error)
	GetHistory(ctx context.Context, account string) ([]model.JournalEntry, error)
	TopUp(ctx context.Context, account string, amount decimal.Decimal, reference string) (model.Balance, error)
	Catalog() []CatalogEntry
	RunSweeper(ctx context.Context)
}

type PlaceOrderRequest struct {
	Owner    string
	Number   string
	Category string
	Package  string
	Quantity int
	Price    decimal.Decimal
	Details  model.Details
}

// OrderView is an order together with its automated fulfillment attempt, if any.
type OrderView struct {
	Order   model.Order
	Attempt *model.FulfillmentAttempt
}

// CatalogEntry is a package fulfilled automatically by the provider.
type CatalogEntry struct {
	Package   string
	ProductID int
}

var (
	ErrInsufficientData       = orders.ErrInsufficientData
	ErrUnprocessableEntity    = orders.ErrUnprocessableEntity
	ErrAlreadyExists          = orders.ErrAlreadyExists
	ErrNotFound               = orders.ErrNotFound
	ErrInvalidStateTransition = orders.ErrInvalidStateTransition
	ErrReasonRequired         = orders.ErrReasonRequired
	ErrInsufficientFunds      = ledger.ErrInsufficientFunds
	ErrInvalidAmount          = ledger.ErrInvalidAmount
	ErrUnknownCategory        = model.ErrUnknownCategory
	ErrUnknownPackage         = fulfillment.ErrUnknownPackage
	ErrVerificationFailed     = fulfillment.ErrVerificationFailed
	ErrProviderOrderFailed    = fulfillment.ErrProviderOrderFailed
	ErrProviderUnreachable    = fulfillment.ErrProviderUnreachable
)

type service struct {
	store      store.Store
	ledger     ledger.Ledger
	orders     orders.Orders
	dispatcher fulfillment.Dispatcher
	guard      dedupe.Guard[model.Order]
	zaplog     *zap.Logger
}

func NewService(cfg config.Config, store store.Store, publisher events.Publisher, zaplog *zap.Logger) Service {
	provider := providerclient.NewProviderClient(cfg.Provider, zaplog)
	return newService(cfg, store, publisher, provider, zaplog)
}

func newService(cfg config.Config, store store.Store, publisher events.Publisher, provider providerclient.ProviderClient, zaplog *zap.Logger) *service {
	ledger := ledger.NewLedger(store, publisher)
	orders := orders.NewOrders(store, ledger, publisher, zaplog)
	adapter := fulfillment.NewAdapter(store, provider, zaplog)
	dispatcher := fulfillment.NewDispatcher(cfg, store, orders, adapter, zaplog)

	return &service{
		store:      store,
		ledger:     ledger,
		orders:     orders,
		dispatcher: dispatcher,
		zaplog:     zaplog,
	}
}

// PlaceOrder charges the account, records the order and dispatches it.
// Identical submissions in flight at the same time share one placement. For
// automated orders a fulfillment failure is returned together with the
// (canceled) order.
func (service *service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (model.Order, error) {
	if req.Owner == "" || req.Package == "" {
		return model.Order{}, ErrInsufficientData
	}
	category, err := model.ParseCategory(req.Category)
	if err != nil {
		return model.Order{}, err
	}
	// неизвестный пакет отклоняется до списания
	if _, err := fulfillment.RouteOf(category, req.Package); err != nil {
		return model.Order{}, err
	}

	key := dedupe.PurchaseKey(req.Owner, string(category), req.Package, req.Quantity)
	order, shared, err := service.guard.Do(key, func() (model.Order, error) {
		order, err := service.orders.Place(ctx, orders.PlaceRequest{
			Owner:    req.Owner,
			Number:   req.Number,
			Category: category,
			Package:  req.Package,
			Quantity: req.Quantity,
			Price:    req.Price,
			Details:  req.Details,
		})
		if err != nil {
			return model.Order{}, err
		}
		return service.dispatcher.Dispatch(ctx, order)
	})
	if shared {
		service.zaplog.Info("duplicate submission collapsed",
			zap.String("owner", req.Owner),
			zap.String("order", order.ID))
	}
	return order, err
}

func (service *service) GetOrder(ctx context.Context, id string, owner string) (OrderView, error) {
	if id == "" {
		return OrderView{}, ErrInsufficientData
	}
	order, err := service.store.OrderGet(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return OrderView{}, ErrNotFound
		}
		return OrderView{}, err
	}
	// чужой заказ не показываем
	if owner != "" && order.Owner != owner {
		return OrderView{}, ErrNotFound
	}

	view := OrderView{Order: order}
	attempt, err := service.store.AttemptGet(ctx, id)
	switch {
	case err == nil:
		view.Attempt = &attempt
	case !errors.Is(err, store.ErrNoRows):
		return OrderView{}, err
	}
	return view, nil
}

func (service *service) ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error) {
	return service.store.OrderList(ctx, filter)
}

// ReviewQueue lists pending manual orders, oldest first.
func (service *service) ReviewQueue(ctx context.Context) ([]model.Order, error) {
	pending, err := service.store.OrderList(ctx, model.OrderFilter{Status: model.OrderStatusPending})
	if err != nil {
		return nil, err
	}
	queue := slices.DeleteFunc(pending, func(o model.Order) bool {
		return o.Category.Automated()
	})
	slices.Reverse(queue)
	return queue, nil
}

func (service *service) ConfirmOrder(ctx context.Context, id string, remarks string) (model.Order, error) {
	return service.orders.Confirm(ctx, id, remarks)
}

func (service *service) CancelOrder(ctx context.Context, id string, reason string) (model.Order, error) {
	return service.orders.Cancel(ctx, id, reason)
}

func (service *service) RetryFulfillment(ctx context.Context, id string) (model.Order, error) {
	if id == "" {
		return model.Order{}, ErrInsufficientData
	}
	return service.dispatcher.Retry(ctx, id)
}

func (service *service) RetryAllFailed(ctx context.Context) ([]fulfillment.RetryResult, error) {
	return service.dispatcher.RetryAllFailed(ctx)
}

func (service *service) GetBalance(ctx context.Context, account string) (model.Balance, error) {
	balance, err := service.ledger.Get(ctx, account)
	if errors.Is(err, ledger.ErrInsufficientData) {
		return model.Balance{}, ErrInsufficientData
	}
	return balance, err
}

func (service *service) GetHistory(ctx context.Context, account string) ([]model.JournalEntry, error) {
	history, err := service.ledger.GetHistory(ctx, account)
	if errors.Is(err, ledger.ErrInsufficientData) {
		return nil, ErrInsufficientData
	}
	return history, err
}

func (service *service) TopUp(ctx context.Context, account string, amount decimal.Decimal, reference string) (model.Balance, error) {
	if reference = strings.TrimSpace(reference); reference == "" {
		reference = "topup-" + uuid.NewString()
	}
	entry, err := service.ledger.TopUp(ctx, account, amount, reference)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientData) {
			return model.Balance{}, ErrInsufficientData
		}
		return model.Balance{}, err
	}
	service.zaplog.Info("balance topped up",
		zap.String("account", account),
		zap.String("amount", amount.String()),
		zap.String("reference", reference))
	return model.Balance{Owner: entry.Owner, Balance: entry.Balance, UpdatedAt: entry.Timestamp}, nil
}

func (service *service) Catalog() []CatalogEntry {
	names := providerclient.Packages()
	entries := make([]CatalogEntry, 0, len(names))
	for _, name := range names {
		id, err := providerclient.ProductID(name)
		if err != nil {
			continue
		}
		entries = append(entries, CatalogEntry{Package: name, ProductID: id})
	}
	return entries
}

func (service *service) RunSweeper(ctx context.Context) {
	service.dispatcher.RunSweeper(ctx)
}
