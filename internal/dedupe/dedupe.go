// Package dedupe collapses concurrent identical submissions into one call.
package dedupe

import (
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Guard shares the result of an in-flight call with every caller that arrives
// with the same key. The key is released as soon as the call settles, so a
// later attempt runs again.
type Guard[T any] struct {
	group singleflight.Group
}

// Do runs fn once per in-flight key. shared reports whether the result was
// handed to more than one caller.
func (g *Guard[T]) Do(key string, fn func() (T, error)) (result T, shared bool, err error) {
	v, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if v != nil {
		result = v.(T)
	}
	return result, shared, err
}

// PurchaseKey fingerprints "buy this package" for an account.
func PurchaseKey(account string, category string, pkg string, quantity int) string {
	return strings.Join([]string{account, category, pkg, strconv.Itoa(quantity)}, "\x1f")
}
