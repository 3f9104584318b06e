package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/auth"
	"github.com/iurnickita/creditshop/internal/handler/config"
	"github.com/iurnickita/creditshop/internal/logger"
	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, zaplog)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h.newRouter(),
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	zaplog.Info("server started", zap.String("addr", cfg.ServerAddr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type handler struct {
	auth    auth.Auth
	service service.Service
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(logger.RequestLogMdlw(h.zaplog))
		r.Use(h.auth.Middleware)

		r.Post("/api/user/orders", h.PostOrder)
		r.Get("/api/user/orders", h.GetOrders)
		r.Get("/api/user/orders/{id}", h.GetOrder)
		r.Get("/api/user/balance", h.GetBalance)
		r.Get("/api/user/balance/history", h.GetHistory)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(h.auth.AdminOnly)

			r.Get("/orders", h.AdminListOrders)
			r.Get("/orders/{id}", h.AdminGetOrder)
			r.Get("/review", h.AdminReviewQueue)
			r.Get("/catalog", h.AdminCatalog)
			r.Post("/orders/{id}/confirm", h.AdminConfirmOrder)
			r.Post("/orders/{id}/cancel", h.AdminCancelOrder)
			r.Post("/orders/{id}/retry", h.AdminRetryOrder)
			r.Post("/fulfillment/retry-failed", h.AdminRetryFailed)
			r.Post("/balance/topup", h.AdminTopUp)
		})
	})

	return r
}

type PostOrderJSONRequest struct {
	Number   string          `json:"number,omitempty"`
	Category string          `json:"category"`
	Package  string          `json:"package"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Details  model.Details   `json:"details,omitempty"`
}

type OrderJSONResponse struct {
	ID              string          `json:"id"`
	Number          string          `json:"number"`
	Owner           string          `json:"owner,omitempty"`
	Category        string          `json:"category"`
	Package         string          `json:"package"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Details         model.Details   `json:"details,omitempty"`
	Status          string          `json:"status"`
	CreditsDeducted decimal.Decimal `json:"credits_deducted"`
	AdminRemarks    string          `json:"admin_remarks,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CanceledAt      *time.Time      `json:"canceled_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func orderJSON(order model.Order) OrderJSONResponse {
	return OrderJSONResponse{
		ID:              order.ID,
		Number:          order.Number,
		Owner:           order.Owner,
		Category:        string(order.Category),
		Package:         order.Package,
		Quantity:        order.Quantity,
		Price:           order.Price,
		Details:         order.Details,
		Status:          string(order.Status),
		CreditsDeducted: order.CreditsDeducted,
		AdminRemarks:    order.AdminRemarks,
		CancelReason:    order.CancelReason,
		CreatedAt:       order.CreatedAt,
		ConfirmedAt:     order.ConfirmedAt,
		CompletedAt:     order.CompletedAt,
		CanceledAt:      order.CanceledAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

func ordersJSON(orders []model.Order) []OrderJSONResponse {
	out := make([]OrderJSONResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, orderJSON(order))
	}
	return out
}

type ErrorJSONResponse struct {
	Error   string             `json:"error"`
	Message string             `json:"message,omitempty"`
	Order   *OrderJSONResponse `json:"order,omitempty"`
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var req PostOrderJSONRequest
	if !unmarshalRequest(w, r, &req) {
		return
	}

	order, err := h.service.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		Owner:    auth.UserID(r.Context()),
		Number:   req.Number,
		Category: req.Category,
		Package:  req.Package,
		Quantity: req.Quantity,
		Price:    req.Price,
		Details:  req.Details,
	})
	if err != nil {
		// заказ создан, но исполнение не удалось: отдаем его вместе с ошибкой
		if order.ID != "" {
			resp := orderJSON(order)
			h.writeError(w, err, &resp)
			return
		}
		h.writeError(w, err, nil)
		return
	}
	marshalResponse(w, http.StatusCreated, orderJSON(order))
}

func (h *handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context(), model.OrderFilter{Owner: auth.UserID(r.Context())})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	marshalResponse(w, http.StatusOK, ordersJSON(orders))
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	marshalResponse(w, http.StatusOK, orderJSON(view.Order))
}

type BalanceJSONResponse struct {
	Account   string          `json:"account"`
	Current   decimal.Decimal `json:"current"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

func balanceJSON(balance model.Balance) BalanceJSONResponse {
	resp := BalanceJSONResponse{Account: balance.Owner, Current: balance.Balance}
	if !balance.UpdatedAt.IsZero() {
		resp.UpdatedAt = &balance.UpdatedAt
	}
	return resp
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetBalance(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	marshalResponse(w, http.StatusOK, balanceJSON(balance))
}

type JournalJSONResponse struct {
	Operation  int64           `json:"operation"`
	Kind       string          `json:"kind"`
	Difference decimal.Decimal `json:"difference"`
	Balance    decimal.Decimal `json:"balance"`
	Reference  string          `json:"reference"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (h *handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.GetHistory(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]JournalJSONResponse, 0, len(history))
	for _, entry := range history {
		resp = append(resp, JournalJSONResponse{
			Operation:  entry.Operation,
			Kind:       string(entry.Kind),
			Difference: entry.Difference,
			Balance:    entry.Balance,
			Reference:  entry.Reference,
			Timestamp:  entry.Timestamp,
		})
	}
	marshalResponse(w, http.StatusOK, resp)
}

// writeError maps service errors to HTTP codes and user-facing messages.
func (h *handler) writeError(w http.ResponseWriter, err error, order *OrderJSONResponse) {
	code, message := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		code, message = http.StatusPaymentRequired, "top up your balance"
	case errors.Is(err, service.ErrVerificationFailed):
		code, message = http.StatusUnprocessableEntity, "check your game ID"
	case errors.Is(err, service.ErrProviderOrderFailed),
		errors.Is(err, service.ErrProviderUnreachable):
		code, message = http.StatusBadGateway, "processing issue, will be reviewed"
	case errors.Is(err, service.ErrUnknownPackage),
		errors.Is(err, service.ErrUnknownCategory),
		errors.Is(err, service.ErrUnprocessableEntity):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidStateTransition),
		errors.Is(err, service.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, service.ErrInsufficientData),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrReasonRequired):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		code = http.StatusNotFound
	case order != nil:
		// заказ уже отменен с возвратом, ошибка внутренняя
		code, message = http.StatusBadGateway, "processing issue, will be reviewed"
	}

	if code == http.StatusInternalServerError {
		h.zaplog.Error("request failed", zap.Error(err))
	}
	marshalResponse(w, code, ErrorJSONResponse{Error: err.Error(), Message: message, Order: order})
}

func unmarshalRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		http.Error(w, "request body is required", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "failed to parse request body", http.StatusBadRequest)
		return false
	}
	return true
}

func marshalResponse(w http.ResponseWriter, status int, response any) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}
