// Package fulfillment moves placed orders to a terminal state: manual orders
// wait in the review queue, automated ones go through the provider.
package fulfillment

import (
	"errors"
	"fmt"

	"github.com/iurnickita/creditshop/internal/model"
	"github.com/iurnickita/creditshop/internal/service/providerclient"
)

type Route string

const (
	RouteManual    Route = "manual"
	RouteAutomated Route = "automated"
)

var (
	ErrUnknownPackage      = providerclient.ErrUnknownPackage
	ErrVerificationFailed  = errors.New("account verification failed")
	ErrProviderOrderFailed = errors.New("provider rejected the order")
	ErrProviderUnreachable = errors.New("provider unreachable")
	ErrInternal            = errors.New("internal fulfillment error")
)

// Значения error_kind попытки
const (
	KindVerificationFailed  = "verification_failed"
	KindProviderOrderFailed = "provider_order_failed"
	KindProviderUnreachable = "provider_unreachable"
	KindInternal            = "internal"
)

// RouteOf decides where an order of the given category and package goes.
// Automated packages must be known to the provider catalog.
func RouteOf(category model.Category, pkg string) (Route, error) {
	if !category.Automated() {
		return RouteManual, nil
	}
	if _, err := providerclient.ProductID(pkg); err != nil {
		return "", err
	}
	return RouteAutomated, nil
}

// Kind classifies a fulfillment error for the attempt record and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrVerificationFailed):
		return KindVerificationFailed
	case errors.Is(err, ErrProviderOrderFailed):
		return KindProviderOrderFailed
	case errors.Is(err, ErrProviderUnreachable):
		return KindProviderUnreachable
	default:
		return KindInternal
	}
}

func describe(message string, status string) string {
	if message != "" {
		return message
	}
	if status != "" {
		return fmt.Sprintf("status %q", status)
	}
	return "empty response"
}
