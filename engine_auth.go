package goIntercept

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/internal/authflow"
)

// StartAuth requests a login code for phone on behalf of requesterID.
//
// An attempt requesterID already had is replaced once the new code request
// succeeds; if the new request fails the earlier attempt is kept. The new
// attempt is visible to CancelAuth while it connects, and cancelling it
// there makes StartAuth return ErrCancelled. The phone is
// normalized to "+digits". A flood-wait, remembered or fresh, is returned
// as a *RateLimitError; so is an exhausted per-phone code budget.
func (e *Engine) StartAuth(ctx context.Context, requesterID, phone string) (*AuthChallenge, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	subject := auditSubject{requesterID: requesterID}

	if err := validateID("requester id", requesterID); err != nil {
		return nil, e.authRejected(ctx, subject, err)
	}
	normalized, err := normalizePhone(phone)
	if err != nil {
		return nil, e.authRejected(ctx, subject, err)
	}

	if err := e.checkFloodGate(ctx, floodScopePhone, normalized); err != nil {
		return nil, e.authRejected(ctx, subject, err)
	}
	if err := e.spendCodeRequest(ctx, normalized); err != nil {
		return nil, e.authRejected(ctx, subject, err)
	}

	profile := e.devices.Pick()
	s, err := authflow.New(requesterID, normalized, authflow.Options{
		Dialer:         e.dialer,
		Device:         profile.Conn(),
		ConnectTimeout: e.config.Auth.ConnectTimeout,
		CallTimeout:    e.config.Auth.CallTimeout,
		Now:            e.now,
		Tracer:         e.tracer,
		OnRemoteCall:   e.observeRemoteCall,
	})
	if err != nil {
		return nil, e.authRejected(ctx, subject, fmt.Errorf("%w: %v", ErrServiceUnavailable, err))
	}

	// The new attempt is registered before any remote call so CancelAuth can
	// reach it. A live earlier attempt is held aside until this one settles.
	held := e.registerAttempt(ctx, s)
	if e.closed.Load() {
		return nil, e.startFailed(ctx, s, held, subject, ErrEngineClosed)
	}

	if err := s.Open(ctx); err != nil {
		return nil, e.startFailed(ctx, s, held, subject, err)
	}
	if held != nil {
		e.cancelSession(ctx, held, "replaced")
	}
	if e.closed.Load() {
		if e.sessions.CompareAndDelete(requesterID, s) {
			s.Close(authflow.StateCancelled)
		}
		return nil, ErrEngineClosed
	}

	e.metricInc(MetricAuthStarted)
	e.logger.Info("auth started",
		zap.String("requester_id", requesterID),
		zap.String("attempt_id", s.AttemptID),
		zap.String("phone", maskPhone(normalized)),
		zap.String("device", profile.Model),
		zap.String("code_type", s.CodeType),
	)
	e.emitAudit(ctx, auditEventAuthStarted, true,
		auditSubject{requesterID: requesterID, attemptID: s.AttemptID}, nil, func() map[string]string {
			return map[string]string{"code_type": s.CodeType, "device": profile.Model}
		})

	return &AuthChallenge{
		AttemptID: s.AttemptID,
		Phone:     normalized,
		Device: DeviceInfo{
			Model:         profile.Model,
			SystemVersion: profile.SystemVersion,
			AppVersion:    profile.AppVersion,
			LangCode:      profile.LangCode,
		},
		CodeType:  s.CodeType,
		StartedAt: s.CreatedAt,
	}, nil
}

// SubmitCode signs in with the code the requester received.
//
// An invalid code leaves the attempt open for another try. An expired code
// ends it with ErrExpired. When the account has a second factor the result
// reports RequiresPassword and the attempt waits for SubmitPassword.
func (e *Engine) SubmitCode(ctx context.Context, requesterID, code string) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validateID("requester id", requesterID); err != nil {
		return nil, err
	}
	normalized, err := normalizeCode(code)
	if err != nil {
		return nil, e.authRejected(ctx, auditSubject{requesterID: requesterID}, err)
	}

	s, ok := e.sessions.Get(requesterID)
	if !ok {
		return nil, ErrNoSession
	}
	wasAwaitingCode := s.State() == authflow.StateAwaitingCode

	res, err := s.SubmitCode(ctx, normalized)
	if err != nil {
		return nil, e.stepFailed(ctx, s, err)
	}
	if res.State == authflow.StateAwaitingPassword {
		if wasAwaitingCode {
			e.metricInc(MetricAuthPasswordRequired)
			e.logger.Info("auth requires password",
				zap.String("requester_id", requesterID),
				zap.String("attempt_id", s.AttemptID),
			)
			e.emitAudit(ctx, auditEventAuthPasswordNeeded, true,
				auditSubject{requesterID: requesterID, attemptID: s.AttemptID}, nil, nil)
		}
		return &AuthResult{
			AttemptID:        s.AttemptID,
			State:            AuthAwaitingPassword,
			RequiresPassword: true,
		}, nil
	}
	return e.completed(ctx, s, res)
}

// SubmitPassword finishes a sign-in that needs the second-factor password.
// It is only valid after SubmitCode reported RequiresPassword.
func (e *Engine) SubmitPassword(ctx context.Context, requesterID, password string) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validateID("requester id", requesterID); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, e.authRejected(ctx, auditSubject{requesterID: requesterID}, err)
	}

	s, ok := e.sessions.Get(requesterID)
	if !ok {
		return nil, ErrNoSession
	}

	res, err := s.SubmitPassword(ctx, password)
	if err != nil {
		return nil, e.stepFailed(ctx, s, err)
	}
	return e.completed(ctx, s, res)
}

// CancelAuth ends requesterID's attempt, aborting any call in flight. It
// reports whether there was one.
func (e *Engine) CancelAuth(requesterID string) bool {
	if e == nil || e.sessions == nil {
		return false
	}
	s, ok := e.sessions.Delete(requesterID)
	if !ok {
		return false
	}
	e.cancelSession(context.Background(), s, "cancelled")
	return true
}

// AuthState reports where requesterID's attempt is. The second result is
// false when there is none.
func (e *Engine) AuthState(requesterID string) (AuthState, bool) {
	if e == nil || e.sessions == nil {
		return 0, false
	}
	s, ok := e.sessions.Get(requesterID)
	if !ok {
		return 0, false
	}
	return authStateFrom(s.State()), true
}

// registerAttempt swaps s in for its requester. A displaced attempt that is
// still starting or already ended is cancelled now; a live one is returned
// so the caller can restore it if s fails.
func (e *Engine) registerAttempt(ctx context.Context, s *authflow.Session) *authflow.Session {
	prev, ok := e.sessions.Swap(s.RequesterID, s)
	if !ok || prev == s {
		return nil
	}
	switch prev.State() {
	case authflow.StateAwaitingCode, authflow.StateAwaitingPassword:
		return prev
	default:
		e.cancelSession(ctx, prev, "replaced")
		return nil
	}
}

// startFailed settles a failed Open. If s was cancelled or superseded while
// connecting the caller gets ErrCancelled. Otherwise the held attempt goes
// back into the registry when nothing newer took the slot.
func (e *Engine) startFailed(ctx context.Context, s, held *authflow.Session, subject auditSubject, err error) error {
	current := e.sessions.CompareAndDelete(s.RequesterID, s)

	if e.closed.Load() {
		s.Close(authflow.StateCancelled)
		if held != nil {
			held.Close(authflow.StateCancelled)
		}
		return ErrEngineClosed
	}
	if s.State() == authflow.StateCancelled {
		if held != nil {
			e.cancelSession(ctx, held, "replaced")
		}
		e.logger.Info("auth start aborted",
			zap.String("requester_id", s.RequesterID),
			zap.String("attempt_id", s.AttemptID),
		)
		return ErrCancelled
	}

	if held != nil {
		restored := false
		if current {
			_, restored = e.sessions.PutIfAbsent(s.RequesterID, held)
		}
		if !restored {
			e.cancelSession(ctx, held, "replaced")
		}
	}

	err = e.translateAuthErr(ctx, s.Phone, err)
	e.logger.Warn("auth start failed",
		zap.String("requester_id", s.RequesterID),
		zap.String("phone", maskPhone(s.Phone)),
		zap.Error(err),
	)
	return e.authRejected(ctx, subject, err)
}

func (e *Engine) cancelSession(ctx context.Context, s *authflow.Session, reason string) {
	s.Close(authflow.StateCancelled)
	e.metricInc(MetricAuthCancelled)
	e.logger.Info("auth cancelled",
		zap.String("requester_id", s.RequesterID),
		zap.String("attempt_id", s.AttemptID),
		zap.String("reason", reason),
	)
	e.emitAudit(ctx, auditEventAuthCancelled, true,
		auditSubject{requesterID: s.RequesterID, attemptID: s.AttemptID}, nil, func() map[string]string {
			return map[string]string{"reason": reason}
		})
}

func (e *Engine) completed(ctx context.Context, s *authflow.Session, res authflow.Result) (*AuthResult, error) {
	e.sessions.CompareAndDelete(s.RequesterID, s)
	subject := auditSubject{requesterID: s.RequesterID, attemptID: s.AttemptID}

	if err := e.limiter.ResetCodeRequests(context.WithoutCancel(ctx), s.Phone); err != nil {
		_ = e.floodGateFailed(err)
	}

	credential := res.Credential
	if e.sealer != nil {
		sealed, err := e.sealer.Seal(credential)
		if err != nil {
			e.metricInc(MetricAuthFailure)
			e.logger.Error("credential seal failed", zap.String("attempt_id", s.AttemptID), zap.Error(err))
			e.emitAudit(ctx, auditEventAuthFailure, false, subject, err, nil)
			return nil, fmt.Errorf("seal credential: %w", err)
		}
		credential = sealed
	}

	profile := profileFrom(res.Self)
	e.metricInc(MetricAuthCompleted)
	e.logger.Info("auth completed",
		zap.String("requester_id", s.RequesterID),
		zap.String("attempt_id", s.AttemptID),
		zap.Int64("account", profile.ID),
	)
	e.emitAudit(ctx, auditEventAuthCompleted, true, subject, nil, nil)

	return &AuthResult{
		AttemptID:  s.AttemptID,
		State:      AuthComplete,
		Credential: credential,
		Profile:    profile,
	}, nil
}

// stepFailed translates a submit failure, drops the attempt from the
// registry when it ended and records the outcome.
func (e *Engine) stepFailed(ctx context.Context, s *authflow.Session, err error) error {
	err = e.translateAuthErr(ctx, s.Phone, err)
	subject := auditSubject{requesterID: s.RequesterID, attemptID: s.AttemptID}

	if s.State().Terminal() {
		e.sessions.CompareAndDelete(s.RequesterID, s)
	}

	var (
		metric MetricID
		event  string
	)
	switch {
	case errors.Is(err, ErrInvalidCode):
		metric, event = MetricAuthInvalidCode, auditEventAuthInvalidCode
	case errors.Is(err, ErrWrongPassword):
		metric, event = MetricAuthWrongPassword, auditEventAuthWrongPassword
	case errors.Is(err, ErrExpired):
		metric, event = MetricAuthExpired, auditEventAuthExpired
	case errors.Is(err, ErrRateLimited):
		metric, event = MetricAuthRateLimited, auditEventAuthRateLimited
	default:
		metric, event = MetricAuthFailure, auditEventAuthFailure
	}
	e.metricInc(metric)
	e.logger.Info("auth step rejected",
		zap.String("requester_id", s.RequesterID),
		zap.String("attempt_id", s.AttemptID),
		zap.String("state", s.State().String()),
		zap.Error(err),
	)
	e.emitAudit(ctx, event, false, subject, err, nil)
	return err
}

// authRejected records a StartAuth or input failure that never reached a
// session.
func (e *Engine) authRejected(ctx context.Context, subject auditSubject, err error) error {
	if errors.Is(err, ErrRateLimited) {
		e.metricInc(MetricAuthRateLimited)
		e.emitAudit(ctx, auditEventAuthRateLimited, false, subject, err, func() map[string]string {
			var rl *RateLimitError
			if errors.As(err, &rl) {
				return map[string]string{"scope": rl.Scope, "seconds": fmt.Sprint(rl.Seconds)}
			}
			return nil
		})
		return err
	}
	e.metricInc(MetricAuthFailure)
	e.emitAudit(ctx, auditEventAuthFailure, false, subject, err, nil)
	return err
}

func (e *Engine) translateAuthErr(ctx context.Context, phone string, err error) error {
	if fw, ok := conn.AsFloodWait(err); ok {
		return e.rememberFloodWait(ctx, floodScopePhone, phone, fw)
	}
	switch {
	case errors.Is(err, authflow.ErrInvalidPhone):
		return fmt.Errorf("%w: phone rejected by service", ErrInvalidInput)
	case errors.Is(err, authflow.ErrPhoneBanned):
		return ErrPhoneBanned
	case errors.Is(err, authflow.ErrInvalidCode):
		return ErrInvalidCode
	case errors.Is(err, authflow.ErrExpired):
		return ErrExpired
	case errors.Is(err, authflow.ErrWrongPassword):
		return ErrWrongPassword
	case errors.Is(err, authflow.ErrWrongState), errors.Is(err, authflow.ErrClosed):
		return ErrNoSession
	default:
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
}
