package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/edition-ledger/api/responses"
	"github.com/angelmondragon/edition-ledger/api/validators"
	"github.com/angelmondragon/edition-ledger/internal/editions"
	"github.com/angelmondragon/edition-ledger/pkg/commerce"
	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

const maxSyncBody = 32 << 20

// Ingestor is the write side used by operator routes.
type Ingestor interface {
	IngestOrders(ctx context.Context, orders []commerce.Order, source string) (editions.IngestReport, error)
	UpdateItemFulfillment(ctx context.Context, orderID, lineItemID, status string) error
}

// Resequencer runs a synchronous pass.
type Resequencer interface {
	Resequence(ctx context.Context, productID string) error
}

// EditionReader serves the read side of the ledger.
type EditionReader interface {
	ProductItems(ctx context.Context, productID string) ([]models.LedgerLineItem, error)
	ListFlagged(ctx context.Context, states []enums.ProductFlagState, limit int) ([]models.LedgerProductFlag, error)
}

type syncOrdersRequest struct {
	Orders []commerce.Order `json:"orders" validate:"required,min=1"`
}

type fulfillmentRequest struct {
	FulfillmentStatus string `json:"fulfillmentStatus" validate:"required,max=32"`
}

// EditionView is one line item as exposed to operators.
type EditionView struct {
	LineItemID          string     `json:"lineItemId"`
	OrderID             string     `json:"orderId"`
	VariantID           *string    `json:"variantId,omitempty"`
	Title               string     `json:"title"`
	Status              string     `json:"status"`
	FulfillmentStatus   string     `json:"fulfillmentStatus"`
	Restocked           bool       `json:"restocked"`
	EditionNumber       *int       `json:"editionNumber"`
	EditionTotal        *int       `json:"editionTotal"`
	CertificateURL      *string    `json:"certificateUrl,omitempty"`
	CertificateIssuedAt *time.Time `json:"certificateIssuedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

// ProductEditionsView lists a product's line items in edition order.
type ProductEditionsView struct {
	ProductID string        `json:"productId"`
	Total     int           `json:"total"`
	Items     []EditionView `json:"items"`
}

// FlagView is one flagged product.
type FlagView struct {
	ProductID string    `json:"productId"`
	State     string    `json:"state"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	FlaggedAt time.Time `json:"flaggedAt"`
}

// SyncOrders ingests a bulk sync batch.
func SyncOrders(svc Ingestor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSyncBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		var req syncOrdersRequest
		if err := validators.DecodePayload(body, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		report, err := svc.IngestOrders(ctx, req.Orders, editions.SourceBulkSync)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

// UpdateLineItemFulfillment changes one line item's fulfillment status.
func UpdateLineItemFulfillment(svc Ingestor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID := validators.SanitizeString(chi.URLParam(r, "orderId"), 128)
		lineItemID := validators.SanitizeString(chi.URLParam(r, "lineItemId"), 128)
		if orderID == "" || lineItemID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "order id and line item id required"))
			return
		}
		var req fulfillmentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithOrderID(ctx, orderID)
		}
		if err := svc.UpdateItemFulfillment(ctx, orderID, lineItemID, req.FulfillmentStatus); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{
			"orderId":           orderID,
			"lineItemId":        lineItemID,
			"fulfillmentStatus": req.FulfillmentStatus,
		})
	}
}

// Resequence runs a pass for the product and returns the committed sequence.
func Resequence(svc Resequencer, reader EditionReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		productID := validators.SanitizeString(chi.URLParam(r, "productId"), 128)
		if logg != nil {
			ctx = logg.WithProductID(ctx, productID)
		}
		if err := svc.Resequence(ctx, productID); err != nil {
			if errors.Is(err, editions.ErrClosed) {
				err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ledger is shutting down")
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		view, err := productEditions(ctx, reader, productID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// ProductEditions returns the product's current sequence.
func ProductEditions(reader EditionReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		productID := validators.SanitizeString(chi.URLParam(r, "productId"), 128)
		if productID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "product id required"))
			return
		}
		view, err := productEditions(ctx, reader, productID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// FlaggedProducts lists products needing a retry or an operator. The optional
// state query narrows the listing to one flag state.
func FlaggedProducts(reader EditionReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit, err := validators.ParseQueryInt(r, "limit", 100, 1, 500)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		states := []enums.ProductFlagState{
			enums.ProductFlagFailed,
			enums.ProductFlagRequeued,
			enums.ProductFlagInvariantViolation,
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
			state, err := enums.ParseProductFlagState(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid state").WithDetails(map[string]any{"field": "state"}))
				return
			}
			states = []enums.ProductFlagState{state}
		}
		flags, err := reader.ListFlagged(ctx, states, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list flagged products"))
			return
		}
		views := make([]FlagView, 0, len(flags))
		for _, flag := range flags {
			views = append(views, FlagView{
				ProductID: flag.ProductID,
				State:     string(flag.State),
				Reason:    flag.Reason,
				Attempts:  flag.Attempts,
				FlaggedAt: flag.FlaggedAt,
			})
		}
		responses.WriteSuccess(w, views)
	}
}

func productEditions(ctx context.Context, reader EditionReader, productID string) (ProductEditionsView, error) {
	items, err := reader.ProductItems(ctx, productID)
	if err != nil {
		return ProductEditionsView{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product editions")
	}
	if len(items) == 0 {
		return ProductEditionsView{}, pkgerrors.New(pkgerrors.CodeNotFound, "product has no line items")
	}
	view := ProductEditionsView{ProductID: productID, Items: make([]EditionView, 0, len(items))}
	for _, item := range items {
		if item.Status == enums.LineItemStatusActive {
			view.Total++
		}
		view.Items = append(view.Items, EditionView{
			LineItemID:          item.LineItemID,
			OrderID:             item.OrderID,
			VariantID:           item.VariantID,
			Title:               item.Title,
			Status:              string(item.Status),
			FulfillmentStatus:   string(item.FulfillmentStatus),
			Restocked:           item.Restocked,
			EditionNumber:       item.EditionNumber,
			EditionTotal:        item.EditionTotal,
			CertificateURL:      item.CertificateURL,
			CertificateIssuedAt: item.CertificateIssuedAt,
			CreatedAt:           item.CreatedAt,
		})
	}
	return view, nil
}
