package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/edition-ledger/api/middleware"
	"github.com/angelmondragon/edition-ledger/api/responses"
	"github.com/angelmondragon/edition-ledger/api/validators"
	"github.com/angelmondragon/edition-ledger/internal/editions"
	"github.com/angelmondragon/edition-ledger/pkg/commerce"
	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

// OrderIngestor applies webhook deliveries to the ledger.
type OrderIngestor interface {
	IngestOrders(ctx context.Context, orders []commerce.Order, source string) (editions.IngestReport, error)
	IngestRefund(ctx context.Context, refund commerce.Refund) (editions.IngestReport, error)
}

// OrderWebhook handles order create, update, paid, fulfilled and cancelled
// deliveries. Every topic carries the full order document.
func OrderWebhook(svc OrderIngestor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ingestor unavailable"))
			return
		}
		body, err := webhookBody(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var order commerce.Order
		if err := validators.DecodePayload(body, &order); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithOrderID(ctx, order.ID.String())
		}

		report, err := svc.IngestOrders(ctx, []commerce.Order{order}, editions.SourceWebhook)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

// RefundWebhook handles refund created deliveries.
func RefundWebhook(svc OrderIngestor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ingestor unavailable"))
			return
		}
		body, err := webhookBody(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var refund commerce.Refund
		if err := validators.DecodePayload(body, &refund); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		report, err := svc.IngestRefund(ctx, refund)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

func webhookBody(r *http.Request) ([]byte, error) {
	if body := middleware.RawBodyFromContext(r.Context()); body != nil {
		return body, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body")
	}
	return body, nil
}
