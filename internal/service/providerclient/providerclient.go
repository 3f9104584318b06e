package providerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/metrics"
	"github.com/iurnickita/creditshop/internal/service/config"
)

const (
	pathVerify = "/ign/verify"
	pathOrders = "/orders"

	headerAPIKey    = "X-API-Key"
	headerAPISecret = "X-API-Secret"
	headerOrigin    = "Origin"

	StatusSuccess = "success"

	defaultTimeout = 15 * time.Second
)

// ErrUnreachable covers transport failures, timeouts and provider-side 5xx:
// the provider never gave an answer about the request.
var ErrUnreachable = errors.New("provider unreachable")

// JSON запрос проверки игрового аккаунта
type VerifyRequest struct {
	VariationID int    `json:"variation_id"`
	UID         string `json:"uid"`
	ZoneID      string `json:"zone_id"`
}

// JSON ответ проверки
type VerifyAnswer struct {
	Status   string `json:"status"`
	Verified bool   `json:"verified"`
	Display  string `json:"display,omitempty"`
	Message  string `json:"message,omitempty"`
	Raw      string `json:"-"`
}

func (a VerifyAnswer) OK() bool {
	return a.Status == StatusSuccess && a.Verified
}

// JSON запрос заказа. ReferenceID - ключ идемпотентности на стороне провайдера
type OrderRequest struct {
	VariationID int    `json:"variation_id"`
	Qty         int    `json:"qty"`
	UID         string `json:"uid"`
	ZoneID      string `json:"zone_id"`
	ReferenceID string `json:"reference_id"`
}

// JSON ответ заказа
type OrderAnswer struct {
	Status        string `json:"status"`
	OrderID       string `json:"order_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message,omitempty"`
	Raw           string `json:"-"`
}

func (a OrderAnswer) OK() bool {
	return a.Status == StatusSuccess
}

// Transaction returns the provider's id for the order; providers send either field.
func (a OrderAnswer) Transaction() string {
	if a.TransactionID != "" {
		return a.TransactionID
	}
	return a.OrderID
}

type ProviderClient interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyAnswer, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAnswer, error)
}

type providerClient struct {
	client *resty.Client
	zaplog *zap.Logger
}

func NewProviderClient(cfg config.ProviderConfig, zaplog *zap.Logger) ProviderClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(cfg.Addr).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader(headerAPIKey, cfg.APIKey).
		SetHeader(headerAPISecret, cfg.APISecret).
		SetHeader(headerOrigin, cfg.Origin)

	return &providerClient{client: client, zaplog: zaplog}
}

func (c *providerClient) Verify(ctx context.Context, req VerifyRequest) (VerifyAnswer, error) {
	raw, err := c.post(ctx, "verify", pathVerify, req)
	answer := VerifyAnswer{Raw: string(raw)}
	if err != nil {
		return answer, err
	}
	if err := json.Unmarshal(raw, &answer); err != nil {
		// непарсящийся ответ - отказ провайдера, а не недоступность
		answer.Message = "unparsable response: " + err.Error()
	}
	return answer, nil
}

func (c *providerClient) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAnswer, error) {
	raw, err := c.post(ctx, "order", pathOrders, req)
	answer := OrderAnswer{Raw: string(raw)}
	if err != nil {
		return answer, err
	}
	if err := json.Unmarshal(raw, &answer); err != nil {
		answer.Message = "unparsable response: " + err.Error()
	}
	return answer, nil
}

// post sends body and returns the raw response. Requests and responses are logged
// verbatim for replay.
func (c *providerClient) post(ctx context.Context, phase string, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	c.zaplog.Info("provider request",
		zap.String("phase", phase),
		zap.String("path", path),
		zap.String("body", string(payload)),
	)

	start := time.Now()
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(path)
	duration := time.Since(start)
	metrics.ProviderDuration.WithLabelValues(phase).Observe(float64(duration.Milliseconds()))

	if err != nil {
		c.zaplog.Warn("provider request failed",
			zap.String("phase", phase),
			zap.String("path", path),
			zap.String("duration", duration.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, phase, err)
	}

	raw := resp.Body()
	c.zaplog.Info("provider response",
		zap.String("phase", phase),
		zap.String("path", path),
		zap.Int("code", resp.StatusCode()),
		zap.String("body", string(raw)),
		zap.String("duration", duration.String()),
	)

	if resp.StatusCode() >= http.StatusInternalServerError {
		return raw, fmt.Errorf("%w: %s: status %d", ErrUnreachable, phase, resp.StatusCode())
	}
	return raw, nil
}
