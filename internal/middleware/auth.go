// Package middleware содержит HTTP middleware сервиса подписок.
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

const authHeader = "Authorization"

// AuthMiddleware проверяет общий токен доверенного клиента API.
// Клиент здесь один, процесс диалогового бота, поэтому аутентификация
// сводится к сравнению заранее выданного токена.
type AuthMiddleware struct {
	tokenDigest [32]byte
}

// NewAuthMiddleware создаёт middleware для указанного токена.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{tokenDigest: sha256.Sum256([]byte(token))}
}

// Middleware отклоняет запросы без корректного заголовка Authorization.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get(authHeader), "Bearer ")
		if !ok || !a.tokenValid(token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *AuthMiddleware) tokenValid(token string) bool {
	digest := sha256.Sum256([]byte(token))
	return hmac.Equal(digest[:], a.tokenDigest[:])
}
