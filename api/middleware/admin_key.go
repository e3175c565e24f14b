package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/angelmondragon/edition-ledger/api/responses"
	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

const adminKeyHeader = "X-Admin-Api-Key"

// AdminAPIKey guards operator routes with a static key sent in X-Admin-Api-Key
// or as a bearer token. An empty configured key disables the admin surface.
func AdminAPIKey(key string, logg *logger.Logger) func(http.Handler) http.Handler {
	key = strings.TrimSpace(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "admin api disabled"))
				return
			}
			provided := strings.TrimSpace(r.Header.Get(adminKeyHeader))
			if provided == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					provided = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
				}
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid admin api key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
