// Package threeds drives 3-D Secure authentication against an ACS (the
// issuer's Access Control Server). Sessions live for ten minutes; a
// transaction either completes frictionless, passes through a cardholder
// challenge, or falls back when the card is not enrolled or the ACS is down.
package threeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquira/gateway/internal/degrade"
	"github.com/acquira/gateway/internal/ids"
	"github.com/acquira/gateway/internal/infra"
)

// Outcome of an Initiate call.
type Outcome string

const (
	// OutcomeFrictionless means the ACS authenticated without interaction;
	// CAVV and ECI are available immediately.
	OutcomeFrictionless Outcome = "FRICTIONLESS"
	// OutcomeChallengeRequired means the cardholder must complete a challenge
	// at the session's ChallengeURL before authorization proceeds.
	OutcomeChallengeRequired Outcome = "CHALLENGE_REQUIRED"
	// OutcomeNotEnrolled means the card does not participate in 3-DS; the
	// payment proceeds unauthenticated with attempted-authentication ECI.
	OutcomeNotEnrolled Outcome = "NOT_ENROLLED"
	// OutcomeUnavailable means the ACS could not be reached; the payment
	// proceeds unauthenticated and the dependency is reported degraded.
	OutcomeUnavailable Outcome = "UNAVAILABLE"
)

// SessionStatus tracks a challenge session.
type SessionStatus string

const (
	StatusPendingChallenge SessionStatus = "PENDING_CHALLENGE"
	StatusAuthenticated    SessionStatus = "AUTHENTICATED"
	StatusFailed           SessionStatus = "FAILED"
	StatusTimeout          SessionStatus = "TIMEOUT"
)

// SessionTTL bounds how long a cardholder has to complete a challenge.
const SessionTTL = 10 * time.Minute

// ECI values carried to the PSP with the authorization.
const (
	ECIFullAuth  = "05"
	ECIAttempted = "06"
	ECINoAuth    = "07"
)

var (
	ErrSessionNotFound = errors.New("threeds: SESSION_NOT_FOUND")
	ErrSessionExpired  = errors.New("threeds: SESSION_EXPIRED")
	ErrSessionClosed   = errors.New("threeds: SESSION_ALREADY_COMPLETED")
)

// Request identifies the transaction to authenticate.
type Request struct {
	TransactionID string
	CardToken     string
	Amount        decimal.Decimal
	Currency      string
}

// Session is one 3-DS authentication attempt.
type Session struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transaction_id"`
	Status        SessionStatus `json:"status"`
	ChallengeURL  string        `json:"challenge_url,omitempty"`
	CAVV          string        `json:"cavv,omitempty"`
	ECI           string        `json:"eci,omitempty"`
	XID           string        `json:"xid,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Result is what Initiate hands back to the authorization saga.
type Result struct {
	Outcome Outcome
	Session *Session
	// ECI is set for every outcome so the PSP request is always populated.
	ECI  string
	CAVV string
}

// ACSResult is the ACS's answer to an authentication or challenge
// verification.
type ACSResult struct {
	Authenticated bool
	Challenge     bool
	ChallengeURL  string
	CAVV          string
	ECI           string
	XID           string
}

// ACS abstracts the issuer's Access Control Server. Enrollment is checked
// first; Authenticate runs the risk assessment; VerifyChallenge validates the
// cardholder's challenge response.
type ACS interface {
	CheckEnrollment(ctx context.Context, cardToken string) (bool, error)
	Authenticate(ctx context.Context, req Request) (ACSResult, error)
	VerifyChallenge(ctx context.Context, xid, response string) (ACSResult, error)
}

// Service owns session state and the fallback rules around ACS availability.
type Service struct {
	acs     ACS
	kv      infra.KV
	degrade *degrade.Controller
	now     func() time.Time
}

func NewService(acs ACS, kv infra.KV, ctl *degrade.Controller) *Service {
	return &Service{acs: acs, kv: kv, degrade: ctl, now: time.Now}
}

// Initiate starts 3-DS for a transaction. ACS failures and a degraded ACS
// both fall back to OutcomeUnavailable rather than blocking the payment.
func (s *Service) Initiate(ctx context.Context, req Request) (Result, error) {
	if !s.degrade.Healthy(degrade.DepThreeDS) {
		slog.Warn("3ds skipped, acs degraded", "transaction_id", req.TransactionID)
		return Result{Outcome: OutcomeUnavailable, ECI: ECINoAuth}, nil
	}

	enrolled, err := s.acs.CheckEnrollment(ctx, req.CardToken)
	if err != nil {
		return s.unavailable(req, err), nil
	}
	if !enrolled {
		s.degrade.ReportSuccess(degrade.DepThreeDS)
		return Result{Outcome: OutcomeNotEnrolled, ECI: ECIAttempted}, nil
	}

	res, err := s.acs.Authenticate(ctx, req)
	if err != nil {
		return s.unavailable(req, err), nil
	}
	s.degrade.ReportSuccess(degrade.DepThreeDS)

	if !res.Challenge {
		return Result{
			Outcome: OutcomeFrictionless,
			ECI:     res.ECI,
			CAVV:    res.CAVV,
		}, nil
	}

	now := s.now().UTC()
	sess := &Session{
		ID:            ids.New("3ds_"),
		TransactionID: req.TransactionID,
		Status:        StatusPendingChallenge,
		ChallengeURL:  res.ChallengeURL,
		XID:           res.XID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(SessionTTL),
	}
	if err := s.save(ctx, sess); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeChallengeRequired, Session: sess}, nil
}

// CompleteChallenge resolves a pending session with the cardholder's
// challenge response, via redirect callback or merchant polling.
func (s *Service) CompleteChallenge(ctx context.Context, sessionID, response string) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusPendingChallenge {
		if sess.Status == StatusTimeout {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionClosed
	}

	res, err := s.acs.VerifyChallenge(ctx, sess.XID, response)
	if err != nil {
		s.degrade.ReportFailure(degrade.DepThreeDS, err.Error())
		return nil, fmt.Errorf("threeds: verify challenge: %w", err)
	}
	s.degrade.ReportSuccess(degrade.DepThreeDS)

	if res.Authenticated {
		sess.Status = StatusAuthenticated
		sess.CAVV = res.CAVV
		sess.ECI = res.ECI
	} else {
		sess.Status = StatusFailed
		sess.ECI = ECINoAuth
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns current session state, flipping expired pending
// sessions to TIMEOUT on read.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusPendingChallenge && !s.now().Before(sess.ExpiresAt) {
		sess.Status = StatusTimeout
		if err := s.save(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (s *Service) unavailable(req Request, err error) Result {
	s.degrade.ReportFailure(degrade.DepThreeDS, err.Error())
	slog.Warn("acs unreachable, proceeding without authentication",
		"transaction_id", req.TransactionID, "error", err)
	return Result{Outcome: OutcomeUnavailable, ECI: ECINoAuth}
}

// Sessions stay readable past their challenge deadline so polls can observe
// TIMEOUT instead of a bare not-found.
const sessionRetention = time.Hour

func (s *Service) save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("threeds: marshal session: %w", err)
	}
	return s.kv.Set(ctx, sessionKey(sess.ID), string(raw), sessionRetention)
}

func (s *Service) load(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.kv.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, infra.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threeds: load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("threeds: decode session: %w", err)
	}
	return &sess, nil
}

func sessionKey(id string) string { return "3ds:session:" + id }
