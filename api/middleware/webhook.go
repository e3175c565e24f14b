package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/edition-ledger/api/responses"
	"github.com/angelmondragon/edition-ledger/internal/webhooks"
	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

const (
	signatureHeader = "X-Commerce-Hmac-Sha256"
	webhookIDHeader = "X-Commerce-Webhook-Id"
	maxWebhookBody  = 5 << 20
)

type webhookGuard interface {
	CheckAndMark(ctx context.Context, webhookID string) (bool, error)
	Delete(ctx context.Context, webhookID string) error
}

// CommerceWebhook authenticates platform webhooks and drops redeliveries.
// The HMAC covers the raw body. A delivery whose handler answers 5xx is
// forgotten so the platform's retry is applied.
func CommerceWebhook(secret string, guard webhookGuard, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if guard == nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook guard unavailable"))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			if !webhooks.VerifySignature(body, secret, r.Header.Get(signatureHeader)) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook signature"))
				return
			}

			webhookID := strings.TrimSpace(r.Header.Get(webhookIDHeader))
			if webhookID == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "webhook id header required"))
				return
			}
			ctx = WithWebhookID(ctx, webhookID)
			if logg != nil {
				ctx = logg.WithField(ctx, "webhook_id", webhookID)
			}

			seen, err := guard.CheckAndMark(ctx, webhookID)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check webhook replay"))
				return
			}
			if seen {
				if logg != nil {
					logg.Info(ctx, "webhook already processed")
				}
				responses.WriteSuccess(w, map[string]any{"duplicate": true})
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(withRawBody(ctx, body)))

			if rec.status >= http.StatusInternalServerError {
				if delErr := guard.Delete(context.WithoutCancel(ctx), webhookID); delErr != nil && logg != nil {
					logg.Error(ctx, "failed to release webhook mark", delErr)
				}
			}
		})
	}
}
