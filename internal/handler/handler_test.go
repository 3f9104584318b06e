package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/auth"
	"github.com/iurnickita/creditshop/internal/events"
	"github.com/iurnickita/creditshop/internal/service"
	"github.com/iurnickita/creditshop/internal/service/config"
	"github.com/iurnickita/creditshop/internal/store"
	"github.com/iurnickita/creditshop/internal/token"
)

const testSecret = "secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ign/verify":
			w.Write([]byte(`{"status":"success","verified":false,"message":"user not found"}`))
		default:
			w.Write([]byte(`{"status":"success","order_id":"TX1"}`))
		}
	}))
	t.Cleanup(provider.Close)

	svc := service.NewService(config.Config{
		Provider: config.ProviderConfig{Addr: provider.URL, Timeout: time.Second},
	}, store.NewMemStore(), &events.Recorder{}, zap.NewNop())

	h := newHandler(auth.NewAuth(testSecret), svc, zap.NewNop())
	srv := httptest.NewServer(h.newRouter())
	t.Cleanup(srv.Close)
	return srv
}

func bearer(t *testing.T, userID string, admin bool) string {
	t.Helper()
	signed, err := token.NewToken(testSecret, userID, admin, time.Hour)
	require.NoError(t, err)
	return signed
}

func doRequest(t *testing.T, srv *httptest.Server, method string, path string, tokenString string, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if tokenString != "" {
		req.Header.Set("Authorization", "Bearer "+tokenString)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf strings.Builder
	_, err = io.Copy(&buf, resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, []byte(buf.String())
}

func TestOrderFlow(t *testing.T) {
	srv := newTestServer(t)
	user := bearer(t, "user-1", false)
	other := bearer(t, "user-2", false)
	admin := bearer(t, "admin-1", true)

	manualOrder := `{"category":"game_currency","package":"1000 Gold","quantity":1,"price":"997"}`

	type want struct {
		code    int
		message string
	}
	steps := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   want
	}{
		{name: "no token", method: http.MethodPost, path: "/api/user/orders", body: manualOrder, want: want{code: 401}},
		{name: "top up as user", method: http.MethodPost, path: "/api/admin/balance/topup", token: user, body: `{"account":"user-1","amount":"1000"}`, want: want{code: 403}},
		{name: "top up", method: http.MethodPost, path: "/api/admin/balance/topup", token: admin, body: `{"account":"user-1","amount":"1000"}`, want: want{code: 200}},
		{name: "empty history for other", method: http.MethodGet, path: "/api/user/balance/history", token: other, want: want{code: 204}},
		{name: "malformed body", method: http.MethodPost, path: "/api/user/orders", token: user, body: `{"category":`, want: want{code: 400}},
		{name: "unknown package", method: http.MethodPost, path: "/api/user/orders", token: user, body: `{"category":"direct_topup","package":"87 Diamonds","quantity":1,"price":"1"}`, want: want{code: 422}},
		{name: "sub-cent price", method: http.MethodPost, path: "/api/user/orders", token: user, body: `{"category":"game_currency","package":"1000 Gold","quantity":1,"price":"0.005"}`, want: want{code: 400}},
		{name: "bad number", method: http.MethodPost, path: "/api/user/orders", token: user, body: `{"number":"79927398710","category":"game_currency","package":"1000 Gold","quantity":1,"price":"1"}`, want: want{code: 422}},
		{name: "place", method: http.MethodPost, path: "/api/user/orders", token: user, body: manualOrder, want: want{code: 201}},
		{name: "insufficient funds", method: http.MethodPost, path: "/api/user/orders", token: user, body: manualOrder, want: want{code: 402, message: "top up your balance"}},
		{name: "metrics", method: http.MethodGet, path: "/metrics", want: want{code: 200}},
	}
	for _, step := range steps {
		code, body := doRequest(t, srv, step.method, step.path, step.token, step.body)
		assert.Equal(t, step.want.code, code, "%s: %s", step.name, body)
		if step.want.message != "" {
			var resp ErrorJSONResponse
			require.NoError(t, json.Unmarshal(body, &resp), step.name)
			assert.Equal(t, step.want.message, resp.Message, step.name)
		}
	}

	code, body := doRequest(t, srv, http.MethodGet, "/api/user/balance", user, "")
	require.Equal(t, http.StatusOK, code)
	var balance BalanceJSONResponse
	require.NoError(t, json.Unmarshal(body, &balance))
	assert.Equal(t, "3", balance.Current.String())

	code, body = doRequest(t, srv, http.MethodGet, "/api/user/orders", user, "")
	require.Equal(t, http.StatusOK, code)
	var orders []OrderJSONResponse
	require.NoError(t, json.Unmarshal(body, &orders))
	require.Len(t, orders, 1)
	id := orders[0].ID
	assert.Equal(t, "pending", orders[0].Status)

	code, _ = doRequest(t, srv, http.MethodGet, "/api/user/orders/"+id, other, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = doRequest(t, srv, http.MethodGet, "/api/admin/review", admin, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &orders))
	assert.Len(t, orders, 1)

	code, _ = doRequest(t, srv, http.MethodPost, "/api/admin/orders/"+id+"/cancel", admin, `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = doRequest(t, srv, http.MethodPost, "/api/admin/orders/"+id+"/cancel", admin, `{"reason":"out of stock"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var canceled OrderJSONResponse
	require.NoError(t, json.Unmarshal(body, &canceled))
	assert.Equal(t, "canceled", canceled.Status)
	assert.Equal(t, "out of stock", canceled.CancelReason)

	code, _ = doRequest(t, srv, http.MethodPost, "/api/admin/orders/"+id+"/cancel", admin, `{"reason":"out of stock"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = doRequest(t, srv, http.MethodPost, "/api/admin/orders/"+id+"/confirm", admin, "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = doRequest(t, srv, http.MethodGet, "/api/user/balance", user, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &balance))
	assert.Equal(t, "1000", balance.Current.String())
}

func TestAutomatedOrderVerificationFailed(t *testing.T) {
	srv := newTestServer(t)
	user := bearer(t, "user-1", false)
	admin := bearer(t, "admin-1", true)

	code, _ := doRequest(t, srv, http.MethodPost, "/api/admin/balance/topup", admin, `{"account":"user-1","amount":"1000"}`)
	require.Equal(t, http.StatusOK, code)

	code, body := doRequest(t, srv, http.MethodPost, "/api/user/orders", user,
		`{"category":"direct_topup","package":"86 Diamonds","quantity":1,"price":"997","details":{"user_id":"12345678","zone_id":"2001"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, code, string(body))

	var resp ErrorJSONResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "check your game ID", resp.Message)
	require.NotNil(t, resp.Order)
	assert.Equal(t, "canceled", resp.Order.Status)

	code, body = doRequest(t, srv, http.MethodGet, "/api/admin/orders/"+resp.Order.ID, admin, "")
	require.Equal(t, http.StatusOK, code)
	var view AdminOrderJSONResponse
	require.NoError(t, json.Unmarshal(body, &view))
	require.NotNil(t, view.Attempt)
	assert.Equal(t, "failed", view.Attempt.Status)
	assert.Equal(t, "verification_failed", view.Attempt.ErrorKind)
	assert.Contains(t, view.Attempt.VerifyResponse, "user not found")

	code, body = doRequest(t, srv, http.MethodGet, "/api/admin/orders?status=canceled&category=direct_topup", admin, "")
	require.Equal(t, http.StatusOK, code)
	var orders []OrderJSONResponse
	require.NoError(t, json.Unmarshal(body, &orders))
	assert.Len(t, orders, 1)

	code, _ = doRequest(t, srv, http.MethodGet, "/api/admin/orders?status=lost", admin, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, srv, http.MethodGet, "/api/admin/catalog", user, "")
	assert.Equal(t, http.StatusForbidden, code)

	code, body = doRequest(t, srv, http.MethodGet, "/api/admin/catalog", admin, "")
	require.Equal(t, http.StatusOK, code)
	var catalog []CatalogJSONResponse
	require.NoError(t, json.Unmarshal(body, &catalog))
	require.NotEmpty(t, catalog)
	assert.Contains(t, catalog, CatalogJSONResponse{Package: "86 Diamonds", ProductID: 13})

	code, body = doRequest(t, srv, http.MethodPost, "/api/admin/fulfillment/retry-failed", admin, "")
	require.Equal(t, http.StatusOK, code)
	var results []RetryJSONResponse
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "canceled", results[0].Status)
	assert.NotEmpty(t, results[0].Error)
}
