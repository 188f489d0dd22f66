package goIntercept

import (
	"context"
	"errors"
)

const (
	auditEventAuthStarted        = "auth_started"
	auditEventAuthRateLimited    = "auth_rate_limited"
	auditEventAuthFailure        = "auth_failure"
	auditEventAuthInvalidCode    = "auth_invalid_code"
	auditEventAuthPasswordNeeded = "auth_password_required"
	auditEventAuthWrongPassword  = "auth_wrong_password"
	auditEventAuthCompleted      = "auth_completed"
	auditEventAuthExpired        = "auth_expired"
	auditEventAuthCancelled      = "auth_cancelled"
	auditEventAuthEvicted        = "auth_evicted"
	auditEventInterceptStarted   = "intercept_started"
	auditEventInterceptFailure   = "intercept_failure"
	auditEventInterceptStopped   = "intercept_stopped"
	auditEventInterceptEvicted   = "intercept_evicted"
	auditEventRecipientAdded     = "recipient_added"
	auditEventRecipientRemoved   = "recipient_removed"
	auditEventCodeDelivered      = "code_delivered"
)

// AuditErrorCode is the stable error label carried by failed audit events.
type AuditErrorCode string

const (
	auditErrRateLimited   AuditErrorCode = "rate_limited"
	auditErrInvalidInput  AuditErrorCode = "invalid_input"
	auditErrInvalidCode   AuditErrorCode = "invalid_code"
	auditErrWrongPassword AuditErrorCode = "wrong_password"
	auditErrExpired       AuditErrorCode = "expired"
	auditErrUnauthorized  AuditErrorCode = "unauthorized"
	auditErrUnavailable   AuditErrorCode = "service_unavailable"
	auditErrNotFound      AuditErrorCode = "not_found"
	auditErrNoSession     AuditErrorCode = "no_session"
	auditErrPhoneBanned   AuditErrorCode = "phone_banned"
	auditErrClosed        AuditErrorCode = "engine_closed"
	auditErrInternal      AuditErrorCode = "internal_error"
)

type auditSubject struct {
	requesterID string
	accountID   string
	attemptID   string
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	subject auditSubject,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if fromCtx := auditMetadataFromContext(ctx); len(fromCtx) > 0 {
		metadata = make(map[string]string, len(fromCtx))
		for k, v := range fromCtx {
			metadata[k] = v
		}
	}
	if metadataBuilder != nil {
		for k, v := range metadataBuilder() {
			if metadata == nil {
				metadata = make(map[string]string)
			}
			metadata[k] = v
		}
	}

	event := AuditEvent{
		Timestamp:   e.now().UTC(),
		EventType:   eventType,
		RequesterID: subject.requesterID,
		AccountID:   subject.accountID,
		AttemptID:   subject.attemptID,
		Success:     success,
		Metadata:    metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrInvalidInput):
		return auditErrInvalidInput
	case errors.Is(err, ErrInvalidCode):
		return auditErrInvalidCode
	case errors.Is(err, ErrWrongPassword):
		return auditErrWrongPassword
	case errors.Is(err, ErrExpired):
		return auditErrExpired
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrServiceUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrNoSession):
		return auditErrNoSession
	case errors.Is(err, ErrPhoneBanned):
		return auditErrPhoneBanned
	case errors.Is(err, ErrEngineClosed):
		return auditErrClosed
	default:
		return auditErrInternal
	}
}
