package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"presence-service/internal/observability"
)

// AuditEmitter publishes audit envelopes for presence transitions and
// connection lifecycle events.
type AuditEmitter struct {
	routingKey  string
	service     string
	environment string
	logger      *zap.SugaredLogger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	UserID        int          `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func NewAuditEmitter(routingKey, service, environment string, logger *zap.SugaredLogger) *AuditEmitter {
	return &AuditEmitter{
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
	}
}

// Emit publishes one audit event through the default publisher. Failures
// are logged and never propagate to the caller.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID int) {
	if e == nil {
		return
	}

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level: level,
			Text:  text,
		},
	}

	if err := observability.PublishEvent(ctx, e.routingKey, envelope, observability.BuildHeaders(requestID, "")); err != nil {
		e.logger.Warnw("audit publish failed", "error", err)
	}
}
