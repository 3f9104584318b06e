package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/creditshop/internal/token"
)

// Auth checks the session token issued by the auth collaborator.
type Auth interface {
	Middleware(h http.Handler) http.Handler
	AdminOnly(h http.Handler) http.Handler
}

const cookieUserToken = "creditshopToken"

var ErrNoToken = errors.New("no token")

type ctxKey struct{}

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

func (a *auth) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// получение id пользователя
		claims, err := a.getClaims(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем и передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

// AdminOnly must run after Middleware.
func (a *auth) AdminOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (a *auth) getClaims(r *http.Request) (token.Claims, error) {
	// заголовок Authorization, затем куки пользователя
	value, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || value == "" {
		tokenCookie, err := r.Cookie(cookieUserToken)
		if err != nil {
			return token.Claims{}, ErrNoToken
		}
		value = tokenCookie.Value
	}
	return token.Parse(a.secret, value)
}

// UserID returns the authenticated account id, empty outside Middleware.
func UserID(ctx context.Context) string {
	claims, _ := ctx.Value(ctxKey{}).(token.Claims)
	return claims.UserID
}

func IsAdmin(ctx context.Context) bool {
	claims, _ := ctx.Value(ctxKey{}).(token.Claims)
	return claims.Admin
}
