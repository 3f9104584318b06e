package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/creditshop/internal/model"
)

type AttemptJSONResponse struct {
	ID               string     `json:"id"`
	ProductID        int        `json:"product_id"`
	UserID           string     `json:"user_id"`
	ZoneID           string     `json:"zone_id"`
	Status           string     `json:"status"`
	VerifyResponse   string     `json:"verify_response,omitempty"`
	OrderResponse    string     `json:"order_response,omitempty"`
	TransactionID    string     `json:"transaction_id,omitempty"`
	RetryCount       int        `json:"retry_count"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	VerifyStartedAt  *time.Time `json:"verify_started_at,omitempty"`
	VerifyFinishedAt *time.Time `json:"verify_finished_at,omitempty"`
	SubmitStartedAt  *time.Time `json:"submit_started_at,omitempty"`
	SubmitFinishedAt *time.Time `json:"submit_finished_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type AdminOrderJSONResponse struct {
	OrderJSONResponse
	Attempt *AttemptJSONResponse `json:"attempt,omitempty"`
}

func (h *handler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := model.OrderFilter{Owner: query.Get("owner")}
	if s := query.Get("status"); s != "" {
		status, ok := model.ParseOrderStatus(s)
		if !ok {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if s := query.Get("category"); s != "" {
		category, err := model.ParseCategory(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Category = category
	}
	if s := query.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	orders, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	marshalResponse(w, http.StatusOK, ordersJSON(orders))
}

func (h *handler) AdminGetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"), "")
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	resp := AdminOrderJSONResponse{OrderJSONResponse: orderJSON(view.Order)}
	if a := view.Attempt; a != nil {
		resp.Attempt = &AttemptJSONResponse{
			ID:               a.ID,
			ProductID:        a.ProductID,
			UserID:           a.UserID,
			ZoneID:           a.ZoneID,
			Status:           string(a.Status),
			VerifyResponse:   a.VerifyResponse,
			OrderResponse:    a.OrderResponse,
			TransactionID:    a.TransactionID,
			RetryCount:       a.RetryCount,
			ErrorKind:        a.ErrorKind,
			ErrorMessage:     a.ErrorMessage,
			CreatedAt:        a.CreatedAt,
			VerifyStartedAt:  a.VerifyStartedAt,
			VerifyFinishedAt: a.VerifyFinishedAt,
			SubmitStartedAt:  a.SubmitStartedAt,
			SubmitFinishedAt: a.SubmitFinishedAt,
			CompletedAt:      a.CompletedAt,
			FailedAt:         a.FailedAt,
			UpdatedAt:        a.UpdatedAt,
		}
	}
	marshalResponse(w, http.StatusOK, resp)
}

func (h *handler) AdminReviewQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.service.ReviewQueue(r.Context())
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	marshalResponse(w, http.StatusOK, ordersJSON(queue))
}

type CatalogJSONResponse struct {
	Package   string `json:"package"`
	ProductID int    `json:"product_id"`
}

func (h *handler) AdminCatalog(w http.ResponseWriter, r *http.Request) {
	catalog := h.service.Catalog()
	resp := make([]CatalogJSONResponse, 0, len(catalog))
	for _, entry := range catalog {
		resp = append(resp, CatalogJSONResponse{Package: entry.Package, ProductID: entry.ProductID})
	}
	marshalResponse(w, http.StatusOK, resp)
}

type ConfirmJSONRequest struct {
	Remarks string `json:"remarks"`
}

func (h *handler) AdminConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var req ConfirmJSONRequest
	// тело необязательно
	if r.ContentLength != 0 && !unmarshalRequest(w, r, &req) {
		return
	}
	order, err := h.service.ConfirmOrder(r.Context(), chi.URLParam(r, "id"), req.Remarks)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	marshalResponse(w, http.StatusOK, orderJSON(order))
}

type CancelJSONRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) AdminCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelJSONRequest
	if !unmarshalRequest(w, r, &req) {
		return
	}
	order, err := h.service.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	marshalResponse(w, http.StatusOK, orderJSON(order))
}

func (h *handler) AdminRetryOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.RetryFulfillment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		var resp *OrderJSONResponse
		if order.ID != "" {
			o := orderJSON(order)
			resp = &o
		}
		h.writeError(w, err, resp)
		return
	}
	marshalResponse(w, http.StatusOK, orderJSON(order))
}

type RetryJSONResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func (h *handler) AdminRetryFailed(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.RetryAllFailed(r.Context())
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	resp := make([]RetryJSONResponse, 0, len(results))
	for _, result := range results {
		item := RetryJSONResponse{OrderID: result.OrderID, Status: string(result.Status)}
		if result.Err != nil {
			item.Error = result.Err.Error()
		}
		resp = append(resp, item)
	}
	marshalResponse(w, http.StatusOK, resp)
}

type TopUpJSONRequest struct {
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

func (h *handler) AdminTopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpJSONRequest
	if !unmarshalRequest(w, r, &req) {
		return
	}
	balance, err := h.service.TopUp(r.Context(), req.Account, req.Amount, req.Reference)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	marshalResponse(w, http.StatusOK, balanceJSON(balance))
}
