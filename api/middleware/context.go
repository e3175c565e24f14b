package middleware

import "context"

type contextKey string

const (
	ctxWebhookID contextKey = "webhook_id"
	ctxRawBody   contextKey = "raw_body"
)

// WebhookIDFromContext returns the delivery id of the webhook being handled.
func WebhookIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxWebhookID).(string); ok {
		return v
	}
	return ""
}

// RawBodyFromContext returns the verified webhook body.
func RawBodyFromContext(ctx context.Context) []byte {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxRawBody).([]byte); ok {
		return v
	}
	return nil
}

// WithWebhookID injects the webhook delivery id into the context.
func WithWebhookID(ctx context.Context, webhookID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxWebhookID, webhookID)
}

func withRawBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, ctxRawBody, body)
}
