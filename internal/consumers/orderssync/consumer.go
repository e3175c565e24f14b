package orderssync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/edition-ledger/internal/editions"
	"github.com/angelmondragon/edition-ledger/pkg/commerce"
	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
)

const consumerName = "orders-sync"

// Message types carried in the event_type attribute.
const (
	EventOrdersSync   = "orders.sync"
	EventOrdersRefund = "orders.refund"
)

var (
	errUnsupportedEvent = errors.New("unsupported event type")
	errMissingEventID   = errors.New("event_id attribute missing")
)

type ingestor interface {
	IngestOrders(ctx context.Context, orders []commerce.Order, source string) (editions.IngestReport, error)
	IngestRefund(ctx context.Context, refund commerce.Refund) (editions.IngestReport, error)
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, deliveryID string) (bool, error)
	Delete(ctx context.Context, consumer, deliveryID string) error
}

// SyncBatch is the body of an orders.sync message.
type SyncBatch struct {
	Orders []commerce.Order `json:"orders"`
}

// Consumer feeds order sync and refund messages into the ledger.
type Consumer struct {
	subscription *gcppubsub.Subscriber
	ingestor     ingestor
	manager      idempotencyChecker
	logg         *logger.Logger
}

// NewConsumer builds the orders sync consumer.
func NewConsumer(subscription *gcppubsub.Subscriber, ing ingestor, manager idempotencyChecker, logg *logger.Logger) (*Consumer, error) {
	if subscription == nil {
		return nil, errors.New("orders sync subscription is required")
	}
	if ing == nil {
		return nil, errors.New("ingestor is required")
	}
	if manager == nil {
		return nil, errors.New("idempotency manager is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		subscription: subscription,
		ingestor:     ing,
		manager:      manager,
		logg:         logg,
	}, nil
}

type processResult struct {
	nack bool
}

// Run receives messages until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if c.process(innerCtx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (c *Consumer) process(ctx context.Context, msg *gcppubsub.Message) processResult {
	eventType := attribute(msg, "event_type")
	eventID := attribute(msg, "event_id")
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
		"event_id":   eventID,
	})

	if eventType != EventOrdersSync && eventType != EventOrdersRefund {
		c.logg.Warn(logCtx, errUnsupportedEvent.Error())
		return processResult{}
	}
	if eventID == "" {
		c.logg.Warn(logCtx, errMissingEventID.Error())
		return processResult{}
	}

	already, err := c.manager.CheckAndMarkProcessed(logCtx, consumerName, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{}
	}

	report, err := c.handle(logCtx, eventType, msg)
	if err != nil {
		if pkgerrors.IsRetryable(err) {
			c.logg.Error(logCtx, "orders sync failed; will retry", err)
			if delErr := c.manager.Delete(logCtx, consumerName, eventID); delErr != nil {
				c.logg.Error(logCtx, "failed to release idempotency mark", delErr)
			}
			return processResult{nack: true}
		}
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "orders sync rejected")
		return processResult{}
	}

	c.logg.Info(c.logg.WithFields(logCtx, map[string]any{
		"orders":           report.Orders,
		"changed_products": len(report.ChangedProducts),
	}), "orders sync message handled")
	return processResult{}
}

func (c *Consumer) handle(ctx context.Context, eventType string, msg *gcppubsub.Message) (editions.IngestReport, error) {
	switch eventType {
	case EventOrdersSync:
		var batch SyncBatch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			return editions.IngestReport{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode orders sync body")
		}
		return c.ingestor.IngestOrders(ctx, batch.Orders, syncSource(attribute(msg, "source")))
	case EventOrdersRefund:
		var refund commerce.Refund
		if err := json.Unmarshal(msg.Data, &refund); err != nil {
			return editions.IngestReport{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode refund body")
		}
		return c.ingestor.IngestRefund(ctx, refund)
	default:
		return editions.IngestReport{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s: %s", errUnsupportedEvent, eventType))
	}
}

// syncSource maps the optional source attribute; anything other than a bulk
// sync is treated as incremental.
func syncSource(value string) string {
	if value == editions.SourceBulkSync {
		return editions.SourceBulkSync
	}
	return editions.SourceIncrementalSync
}

func attribute(msg *gcppubsub.Message, key string) string {
	if msg == nil || msg.Attributes == nil {
		return ""
	}
	return strings.TrimSpace(msg.Attributes[key])
}
