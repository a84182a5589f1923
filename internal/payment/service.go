package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquira/gateway/internal/events"
	"github.com/acquira/gateway/internal/fraud"
	"github.com/acquira/gateway/internal/ids"
	"github.com/acquira/gateway/internal/infra"
	"github.com/acquira/gateway/internal/psp"
	"github.com/acquira/gateway/internal/saga"
	"github.com/acquira/gateway/internal/threeds"
	"github.com/acquira/gateway/internal/token"
)

// WebhookEnqueuer is satisfied by both webhook dispatchers.
type WebhookEnqueuer interface {
	Enqueue(ctx context.Context, e *events.Event) error
}

// SettlementLedger posts capture and refund settlement entries downstream.
type SettlementLedger interface {
	PostSettlement(ctx context.Context, paymentID, merchantID, currency string, gross, fee, net, refunded decimal.Decimal) error
}

// ValidationError is a caller mistake; the API maps it to 400.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "payment: " + e.Msg }

// FraudBlockedError fails an authorization before any PSP call.
type FraudBlockedError struct{ Reason string }

func (e *FraudBlockedError) Error() string { return "payment: fraud block: " + e.Reason }

// ChallengeRequiredError asks the merchant to complete a 3-DS challenge and
// resubmit with the session id.
type ChallengeRequiredError struct {
	SessionID    string
	ChallengeURL string
}

func (e *ChallengeRequiredError) Error() string {
	return "payment: 3-DS challenge required, session " + e.SessionID
}

// AuthorizeRequest is the validated input to the authorization saga.
type AuthorizeRequest struct {
	MerchantID       string
	Amount           decimal.Decimal
	Currency         string
	CardNumber       string
	ExpMonth         int
	ExpYear          int
	CVV              string
	Billing          BillingAddress
	Description      string
	ReferenceID      string
	IPAddress        string
	IPCountry        string
	DeviceID         string
	ThreeDSSessionID string
}

// Service orchestrates the payment lifecycle.
type Service struct {
	repo    Repository
	vault   *token.Vault
	fraud   *fraud.Engine
	threeDS *threeds.Service
	router  *psp.Router
	exec    *saga.Executor
	bus     events.Publisher
	hooks   WebhookEnqueuer
	ledger  SettlementLedger
	kv      infra.KV
	now     func() time.Time
}

func NewService(repo Repository, vault *token.Vault, fraudEngine *fraud.Engine,
	threeDS *threeds.Service, router *psp.Router, bus events.Publisher,
	hooks WebhookEnqueuer, ledger SettlementLedger, kv infra.KV) *Service {
	return &Service{
		repo:    repo,
		vault:   vault,
		fraud:   fraudEngine,
		threeDS: threeDS,
		router:  router,
		exec:    saga.NewExecutor(),
		bus:     bus,
		hooks:   hooks,
		ledger:  ledger,
		kv:      kv,
		now:     time.Now,
	}
}

// authState is the mutable context shared by the saga steps.
type authState struct {
	payment      *Payment
	req          AuthorizeRequest
	tokenRec     *token.Record
	cardHash     string
	require3DS   bool
	pspAttempted bool
}

// Authorize runs the full authorization saga. The caller holds the
// idempotency lock; this method assumes at-most-once invocation per key.
// The returned payment reflects the final persisted state even on failure.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*Payment, *saga.Result, error) {
	if err := validateAuthorize(req); err != nil {
		return nil, nil, err
	}

	st := &authState{
		req: req,
		payment: &Payment{
			ID:             ids.Payment(),
			MerchantID:     req.MerchantID,
			Amount:         req.Amount,
			Currency:       req.Currency,
			Status:         StatusPending,
			Description:    req.Description,
			ReferenceID:    req.ReferenceID,
			Billing:        req.Billing,
			CapturedAmount: decimal.Zero,
			RefundedAmount: decimal.Zero,
			FeeAmount:      decimal.Zero,
			NetSettlement:  decimal.Zero,
			CreatedAt:      s.now().UTC(),
		},
	}

	steps := []saga.Step{
		s.createRecordStep(st),
		s.tokenizeStep(st),
		s.fraudStep(st),
		s.threeDSStep(st),
		s.pspAuthorizeStep(st),
		s.finalizeStep(st),
	}

	result := s.exec.Run(ctx, "authorize:"+st.payment.ID, steps)
	if result.Success {
		return st.payment, result, nil
	}

	// Compensation has settled the stored state; announce the outcome.
	s.publish(ctx, events.TypePaymentFailed, st.payment, map[string]interface{}{
		"reason": st.payment.FailureReason,
	}, false)
	return st.payment, result, result.FailureReason
}

func (s *Service) createRecordStep(st *authState) saga.Step {
	return &saga.FuncStep{
		StepName: "CreatePaymentRecord",
		ExecuteFn: func(ctx context.Context) error {
			if err := s.repo.Create(ctx, st.payment); err != nil {
				return err
			}
			return s.appendEvent(ctx, st.payment, EventSagaStarted)
		},
		CompensateFn: func(ctx context.Context) error {
			// Fraud-rejected payments are cancelled; anything that reached a
			// PSP attempt failed on the money path and is recorded as FAILED.
			final := StatusCancelled
			if st.pspAttempted {
				final = StatusFailed
			}
			if err := st.payment.Transition(final); err != nil {
				return err
			}
			if err := s.repo.Update(ctx, st.payment); err != nil {
				return err
			}
			return s.appendEvent(ctx, st.payment, EventSagaCompensated)
		},
	}
}

func (s *Service) tokenizeStep(st *authState) saga.Step {
	return &saga.FuncStep{
		StepName: "Tokenize",
		ExecuteFn: func(ctx context.Context) error {
			rec, err := s.vault.Tokenize(st.req.CardNumber, st.req.ExpMonth, st.req.ExpYear, st.req.CVV)
			if err != nil {
				st.payment.FailureReason = "TOKENIZATION_FAILED"
				return &ValidationError{Msg: err.Error()}
			}
			st.tokenRec = rec
			st.cardHash = hashCard(st.req.CardNumber)
			st.payment.CardTokenID = rec.Value
			st.payment.CardLastFour = rec.LastFour
			st.payment.CardBrand = string(rec.Brand)
			return nil
		},
		CompensateFn: func(ctx context.Context) error {
			return s.vault.RevokeToken(st.tokenRec.Value)
		},
	}
}

func (s *Service) fraudStep(st *authState) saga.Step {
	return &saga.FuncStep{
		StepName: "FraudDetection",
		ExecuteFn: func(ctx context.Context) error {
			out, err := s.fraud.Evaluate(ctx, fraud.Input{
				TransactionID:  st.payment.ID,
				MerchantID:     st.payment.MerchantID,
				CardHash:       st.cardHash,
				Amount:         st.payment.Amount,
				Currency:       st.payment.Currency,
				IPAddress:      st.req.IPAddress,
				IPCountry:      st.req.IPCountry,
				BillingCountry: st.req.Billing.Country,
				DeviceID:       st.req.DeviceID,
			})
			if err != nil {
				return err
			}
			st.payment.FraudScore = out.Score
			st.payment.FraudDecision = string(out.Decision)
			st.require3DS = out.Require3DS

			if out.Decision == fraud.DecisionBlock {
				reason := "FRAUD_BLOCK"
				if len(out.TriggeredRules) > 0 {
					reason = out.TriggeredRules[0]
				}
				st.payment.FailureReason = reason
				return &FraudBlockedError{Reason: reason}
			}
			if out.Decision == fraud.DecisionReview {
				if err := s.kv.Set(ctx, alertKey(st.payment.ID), string(out.Decision), 0); err != nil {
					slog.Warn("review alert write failed", "payment_id", st.payment.ID, "error", err)
				}
				s.publish(ctx, events.TypeFraudReview, st.payment, map[string]interface{}{
					"fraud_score": out.Score,
					"rules":       out.TriggeredRules,
				}, false)
			}
			return nil
		},
		CompensateFn: func(ctx context.Context) error {
			return s.kv.Del(ctx, alertKey(st.payment.ID))
		},
	}
}

func (s *Service) threeDSStep(st *authState) saga.Step {
	return &saga.FuncStep{
		StepName: "ThreeDSecure",
		ExecuteFn: func(ctx context.Context) error {
			if !st.require3DS {
				st.payment.ThreeDSStatus = ThreeDSNotEnrolled
				return nil
			}

			// A resubmission carries the session from an earlier challenge.
			if st.req.ThreeDSSessionID != "" {
				sess, err := s.threeDS.GetSession(ctx, st.req.ThreeDSSessionID)
				if err != nil {
					st.payment.FailureReason = "THREE_DS_FAILED"
					return err
				}
				if sess.Status != threeds.StatusAuthenticated {
					st.payment.ThreeDSStatus = ThreeDSFailed
					st.payment.FailureReason = "THREE_DS_" + string(sess.Status)
					return fmt.Errorf("payment: 3-DS session %s is %s", sess.ID, sess.Status)
				}
				st.payment.ThreeDSStatus = ThreeDSAuthenticated
				st.payment.CAVV = sess.CAVV
				st.payment.ECI = sess.ECI
				return nil
			}

			res, err := s.threeDS.Initiate(ctx, threeds.Request{
				TransactionID: st.payment.ID,
				CardToken:     st.tokenRec.Value,
				Amount:        st.payment.Amount,
				Currency:      st.payment.Currency,
			})
			if err != nil {
				return err
			}
			switch res.Outcome {
			case threeds.OutcomeFrictionless:
				st.payment.ThreeDSStatus = ThreeDSAuthenticated
				st.payment.CAVV = res.CAVV
				st.payment.ECI = res.ECI
			case threeds.OutcomeNotEnrolled:
				st.payment.ThreeDSStatus = ThreeDSNotEnrolled
				st.payment.ECI = res.ECI
			case threeds.OutcomeUnavailable:
				// Proceed unauthenticated; liability stays with the merchant.
				st.payment.ThreeDSStatus = ThreeDSUnavailable
			case threeds.OutcomeChallengeRequired:
				st.payment.FailureReason = "THREE_DS_CHALLENGE_REQUIRED"
				return &ChallengeRequiredError{
					SessionID:    res.Session.ID,
					ChallengeURL: res.Session.ChallengeURL,
				}
			}
			return nil
		},
		// Pending challenge sessions expire on their own after ten minutes.
		CompensateFn: nil,
	}
}

func (s *Service) pspAuthorizeStep(st *authState) saga.Step {
	return &saga.FuncStep{
		StepName: "PSPAuthorization",
		ExecuteFn: func(ctx context.Context) error {
			st.pspAttempted = true
			res, err := s.router.Authorize(ctx, psp.AuthRequest{
				TransactionID: st.payment.ID,
				MerchantID:    st.payment.MerchantID,
				CardToken:     st.tokenRec.Value,
				Amount:        st.payment.Amount,
				Currency:      st.payment.Currency,
				CAVV:          st.payment.CAVV,
				ECI:           st.payment.ECI,
			})
			if err != nil {
				if psp.IsDecline(err) {
					st.payment.FailureReason = "DECLINED"
				} else {
					st.payment.FailureReason = "PSP_UNAVAILABLE"
				}
				return err
			}
			st.payment.PSPProvider = res.Provider
			st.payment.PSPTxnID = res.PSPTransactionID
			if err := st.payment.Transition(StatusAuthorized); err != nil {
				return err
			}
			at := s.now().UTC()
			st.payment.AuthorizedAt = &at
			return nil
		},
		CompensateFn: func(ctx context.Context) error {
			if st.payment.PSPTxnID == "" {
				return nil
			}
			return s.router.Void(ctx, st.payment.PSPProvider, st.payment.PSPTxnID)
		},
	}
}

func (s *Service) finalizeStep(st *authState) saga.Step {
	return &saga.FuncStep{
		StepName: "FinalizePayment",
		ExecuteFn: func(ctx context.Context) error {
			if err := s.repo.Update(ctx, st.payment); err != nil {
				return err
			}
			if err := s.appendEvent(ctx, st.payment, EventAuthorized); err != nil {
				return err
			}
			if err := s.fraud.RecordCardSeen(ctx, st.cardHash); err != nil {
				slog.Warn("card-seen marker failed", "payment_id", st.payment.ID, "error", err)
			}
			s.publish(ctx, events.TypePaymentAuthorized, st.payment, map[string]interface{}{
				"psp_transaction_id": st.payment.PSPTxnID,
				"fraud_score":        st.payment.FraudScore,
				"three_ds_status":    string(st.payment.ThreeDSStatus),
			}, true)
			return nil
		},
		CompensateFn: nil,
	}
}

// Capture settles an authorized payment, fully by default.
func (s *Service) Capture(ctx context.Context, paymentID string, amount *decimal.Decimal) (*Payment, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	amt := p.Amount
	if amount != nil {
		amt = *amount
	}
	if amt.LessThanOrEqual(decimal.Zero) || amt.GreaterThan(p.Amount) {
		return nil, &ValidationError{Msg: "capture amount must be in (0, authorized amount]"}
	}
	if !p.CanTransition(StatusCaptured) {
		return nil, &ConflictError{PaymentID: p.ID, From: p.Status, To: StatusCaptured}
	}

	if err := s.router.Capture(ctx, p.PSPProvider, p.PSPTxnID, amt, p.Currency); err != nil {
		return nil, err
	}
	if err := p.ApplyCapture(amt, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, p, EventCaptured); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypePaymentCaptured, p, map[string]interface{}{
		"captured_amount": amt.StringFixed(2),
	}, true)
	s.postSettlement(ctx, p)
	return p, nil
}

// Void cancels an authorized payment before capture.
func (s *Service) Void(ctx context.Context, paymentID string) (*Payment, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.CanTransition(StatusCancelled) {
		return nil, &ConflictError{PaymentID: p.ID, From: p.Status, To: StatusCancelled}
	}
	if err := s.router.Void(ctx, p.PSPProvider, p.PSPTxnID); err != nil {
		return nil, err
	}
	if err := p.Transition(StatusCancelled); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, p, EventCancelled); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypePaymentCancelled, p, nil, true)
	return p, nil
}

// Refund returns part or all of a captured payment. A nil amount refunds the
// outstanding balance.
func (s *Service) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (*Payment, *Refund, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	remaining := p.CapturedAmount.Sub(p.RefundedAmount)
	amt := remaining
	if amount != nil {
		amt = *amount
	}
	if amt.LessThanOrEqual(decimal.Zero) {
		return nil, nil, &ValidationError{Msg: "refund amount must be positive"}
	}
	if amt.GreaterThan(remaining) {
		return nil, nil, &ValidationError{Msg: "refund exceeds remaining captured amount"}
	}
	if !p.CanTransition(StatusRefundedPartial) && !p.CanTransition(StatusRefunded) {
		return nil, nil, &ConflictError{PaymentID: p.ID, From: p.Status, To: StatusRefunded}
	}

	pspRef, err := s.router.Refund(ctx, p.PSPProvider, p.PSPTxnID, amt, p.Currency)
	if err != nil {
		return nil, nil, err
	}
	if err := p.ApplyRefund(amt); err != nil {
		return nil, nil, err
	}

	ref := &Refund{
		ID:        ids.Refund(),
		PaymentID: p.ID,
		Amount:    amt,
		Currency:  p.Currency,
		Status:    RefundSucceeded,
		PSPRef:    pspRef,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.InsertRefund(ctx, ref); err != nil {
		return nil, nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, nil, err
	}
	if err := s.appendEvent(ctx, p, EventRefunded); err != nil {
		return nil, nil, err
	}
	s.publish(ctx, events.TypePaymentRefunded, p, map[string]interface{}{
		"refund_id":     ref.ID,
		"refund_amount": amt.StringFixed(2),
	}, true)
	s.postSettlement(ctx, p)
	return p, ref, nil
}

// Get returns one payment.
func (s *Service) Get(ctx context.Context, paymentID string) (*Payment, error) {
	return s.repo.Get(ctx, paymentID)
}

// List pages a merchant's payments, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Payment, error) {
	return s.repo.List(ctx, f)
}

// History returns the append-only audit trail for a payment.
func (s *Service) History(ctx context.Context, paymentID string) ([]*Event, error) {
	if _, err := s.repo.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.repo.EventsFor(ctx, paymentID)
}

func (s *Service) appendEvent(ctx context.Context, p *Payment, kind EventKind) error {
	return s.repo.AppendEvent(ctx, &Event{
		PaymentID:  p.ID,
		Kind:       kind,
		StateAfter: p.Status,
		Amount:     p.Amount,
		Currency:   p.Currency,
		CreatedAt:  s.now().UTC(),
	})
}

// publish emits a pipeline event; when gateWebhooks is set, webhook fan-out
// happens only after the bus accepted the event.
func (s *Service) publish(ctx context.Context, typ events.Type, p *Payment, extra map[string]interface{}, gateWebhooks bool) {
	data := map[string]interface{}{
		"amount":   p.Amount.StringFixed(2),
		"currency": p.Currency,
		"status":   string(p.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	e := events.New(typ, p.ID, p.MerchantID, data)
	if err := s.bus.Publish(ctx, e); err != nil {
		slog.Error("event publish failed", "payment_id", p.ID, "event_type", string(typ), "error", err)
		return
	}
	if gateWebhooks && s.hooks != nil {
		if err := s.hooks.Enqueue(ctx, e); err != nil {
			slog.Error("webhook enqueue failed", "payment_id", p.ID, "error", err)
		}
	}
}

func (s *Service) postSettlement(ctx context.Context, p *Payment) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.PostSettlement(ctx, p.ID, p.MerchantID, p.Currency,
		p.CapturedAmount, p.FeeAmount, p.NetSettlement, p.RefundedAmount)
	if err != nil {
		slog.Warn("ledger settlement post failed", "payment_id", p.ID, "error", err)
	}
}

func validateAuthorize(req AuthorizeRequest) error {
	switch {
	case req.MerchantID == "":
		return &ValidationError{Msg: "merchant_id is required"}
	case req.Amount.LessThanOrEqual(decimal.Zero):
		return &ValidationError{Msg: "amount must be positive"}
	case req.Amount.Exponent() < -2:
		return &ValidationError{Msg: "amount scale exceeds 2"}
	case len(req.Currency) != 3:
		return &ValidationError{Msg: "currency must be ISO-4217"}
	case req.CardNumber == "":
		return &ValidationError{Msg: "card number is required"}
	}
	return nil
}

func hashCard(pan string) string {
	sum := sha256.Sum256([]byte(pan))
	return hex.EncodeToString(sum[:])
}

func alertKey(paymentID string) string { return "fraud:alert:" + paymentID }
