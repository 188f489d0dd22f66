package goIntercept

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/internal/intercept"
)

// StartIntercepting connects to accountID with credential and starts
// watching its inbox for login codes. Starting an account that is already
// watched and healthy does nothing.
//
// With a sealer configured, credential must be the sealed form returned by
// SubmitCode or SubmitPassword.
func (e *Engine) StartIntercepting(ctx context.Context, accountID string, credential []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	subject := auditSubject{accountID: accountID}

	if err := validateID("account id", accountID); err != nil {
		return err
	}
	if len(credential) == 0 {
		return fmt.Errorf("%w: empty credential", ErrInvalidInput)
	}

	plain := credential
	if e.sealer != nil {
		opened, err := e.sealer.Open(credential)
		if err != nil {
			err = fmt.Errorf("%w: credential does not open: %v", ErrInvalidInput, err)
			e.interceptFailed(ctx, subject, MetricInterceptFailure, err)
			return err
		}
		plain = opened
	}

	if err := e.checkFloodGate(ctx, floodScopeAccount, accountID); err != nil {
		e.interceptFailed(ctx, subject, MetricInterceptFailure, err)
		return err
	}

	if err := e.pool.Start(ctx, accountID, plain); err != nil {
		err = e.translateInterceptErr(ctx, accountID, err)
		metric := MetricInterceptFailure
		if errors.Is(err, ErrUnauthorized) {
			metric = MetricInterceptUnauthorized
		}
		e.interceptFailed(ctx, subject, metric, err)
		return err
	}

	e.metricInc(MetricInterceptStarted)
	e.emitAudit(ctx, auditEventInterceptStarted, true, subject, nil, nil)
	return nil
}

// AddRecipient queues recipientID for the next code that arrives on
// accountID. Adding the same recipient twice before a code arrives queues
// it once.
func (e *Engine) AddRecipient(accountID, recipientID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := validateID("account id", accountID); err != nil {
		return err
	}
	if err := validateID("recipient id", recipientID); err != nil {
		return err
	}
	if err := e.pool.Add(accountID, recipientID); err != nil {
		return e.translateInterceptErr(context.Background(), accountID, err)
	}

	e.metricInc(MetricRecipientAdded)
	e.logger.Debug("recipient queued", zap.String("account_id", accountID), zap.String("recipient_id", recipientID))
	e.emitAudit(context.Background(), auditEventRecipientAdded, true,
		auditSubject{accountID: accountID, requesterID: recipientID}, nil, nil)
	return nil
}

// RemoveRecipient withdraws recipientID before a code arrived. Removing a
// recipient that is not pending is not an error.
func (e *Engine) RemoveRecipient(accountID, recipientID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := validateID("account id", accountID); err != nil {
		return err
	}
	removed, err := e.pool.Remove(accountID, recipientID)
	if err != nil {
		return e.translateInterceptErr(context.Background(), accountID, err)
	}
	if removed {
		e.emitAudit(context.Background(), auditEventRecipientRemoved, true,
			auditSubject{accountID: accountID, requesterID: recipientID}, nil, nil)
	}
	return nil
}

// PendingRecipients lists who is waiting on accountID, oldest first.
func (e *Engine) PendingRecipients(accountID string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pending, err := e.pool.Pending(accountID)
	if err != nil {
		return nil, e.translateInterceptErr(context.Background(), accountID, err)
	}
	return pending, nil
}

// StopIntercepting disconnects accountID and forgets its pending
// recipients. Stopping an account that is not watched is not an error.
func (e *Engine) StopIntercepting(accountID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.pool.Stop(accountID) {
		return nil
	}
	e.metricInc(MetricInterceptStopped)
	e.emitAudit(context.Background(), auditEventInterceptStopped, true,
		auditSubject{accountID: accountID}, nil, nil)
	return nil
}

// ActiveInterceptions returns the watched account ids, sorted.
func (e *Engine) ActiveInterceptions() []string {
	if e == nil || e.pool == nil {
		return nil
	}
	return e.pool.Active()
}

// OnCodeDelivered registers h for every delivery event. Each call runs on
// its own goroutine, so h must be safe for concurrent use and may see
// events out of order. A panicking handler is logged and skipped. h may
// itself call OnCodeDelivered.
func (e *Engine) OnCodeDelivered(h DeliveryHandler) error {
	if err := e.ready(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: nil delivery handler", ErrInvalidInput)
	}
	return e.bus.subscribe(h)
}

func (e *Engine) interceptFailed(ctx context.Context, subject auditSubject, metric MetricID, err error) {
	e.metricInc(metric)
	e.logger.Warn("interception start failed", zap.String("account_id", subject.accountID), zap.Error(err))
	e.emitAudit(ctx, auditEventInterceptFailure, false, subject, err, nil)
}

func (e *Engine) translateInterceptErr(ctx context.Context, accountID string, err error) error {
	if fw, ok := conn.AsFloodWait(err); ok {
		return e.rememberFloodWait(ctx, floodScopeAccount, accountID, fw)
	}
	switch {
	case errors.Is(err, intercept.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, intercept.ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, intercept.ErrLedgerFull):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, intercept.ErrClosed):
		return ErrEngineClosed
	case errors.Is(err, intercept.ErrStopped):
		return ErrCancelled
	default:
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
}
