package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/edition-ledger/api/controllers"
	admincontrollers "github.com/angelmondragon/edition-ledger/api/controllers/admin"
	webhookcontrollers "github.com/angelmondragon/edition-ledger/api/controllers/webhooks"
	"github.com/angelmondragon/edition-ledger/api/middleware"
	"github.com/angelmondragon/edition-ledger/internal/webhooks"
	"github.com/angelmondragon/edition-ledger/pkg/config"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

// LedgerService is everything the HTTP surface needs from the ledger.
type LedgerService interface {
	webhookcontrollers.OrderIngestor
	admincontrollers.Ingestor
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	readiness map[string]controllers.Pinger,
	gatherer prometheus.Gatherer,
	ledger LedgerService,
	resequencer admincontrollers.Resequencer,
	reader admincontrollers.EditionReader,
	webhookGuard *webhooks.ReplayGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.CommerceWebhook(cfg.Webhooks.Secret, webhookGuard, logg))
		r.Post("/orders", webhookcontrollers.OrderWebhook(ledger, logg))
		r.Post("/refunds", webhookcontrollers.RefundWebhook(ledger, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.AdminAPIKey(cfg.Admin.APIKey, logg))
		r.Post("/sync/orders", admincontrollers.SyncOrders(ledger, logg))
		r.Patch("/orders/{orderId}/line-items/{lineItemId}", admincontrollers.UpdateLineItemFulfillment(ledger, logg))
		r.Route("/products", func(r chi.Router) {
			r.Get("/flagged", admincontrollers.FlaggedProducts(reader, logg))
			r.Post("/{productId}/resequence", admincontrollers.Resequence(resequencer, reader, logg))
			r.Get("/{productId}/editions", admincontrollers.ProductEditions(reader, logg))
		})
	})

	return r
}
