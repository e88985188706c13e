// Package audit writes security-relevant events to the structured log.
package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"stormcrm.dev/internal/auth"
	"stormcrm.dev/internal/obs"
)

// Event names.
const (
	EventRegister       = "auth.register"
	EventLogin          = "auth.login"
	EventLoginFailed    = "auth.login_failed"
	EventRefresh        = "auth.refresh"
	EventLeadDeleted    = "lead.delete"
	EventCampaignLaunch = "campaign.launch"
	EventUserUpdated    = "user.update"
	EventIPBlocked      = "abuse.ip_block"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := make([]zap.Field, 0, len(fields)+4)
	entry = append(entry, zap.String("type", "audit"), zap.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if caller, ok := auth.IdentityFromContext(ctx); ok {
		entry = append(entry, zap.String("user_id", caller.ID), zap.String("role", string(caller.Role)))
	}
	entry = append(entry, fields...)
	obs.Logger().Info("audit", entry...)
	return nil
}
