package payment

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acquira/gateway/internal/config"
	"github.com/acquira/gateway/internal/degrade"
	"github.com/acquira/gateway/internal/events"
	"github.com/acquira/gateway/internal/fraud"
	"github.com/acquira/gateway/internal/hsm"
	"github.com/acquira/gateway/internal/infra"
	"github.com/acquira/gateway/internal/psp"
	"github.com/acquira/gateway/internal/retry"
	"github.com/acquira/gateway/internal/threeds"
	"github.com/acquira/gateway/internal/token"
)

const (
	visaPAN      = "4532015112830366"
	challengePAN = "4532000000013333" // token keeps the 3333 suffix, forcing a challenge
)

type hookRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (h *hookRecorder) Enqueue(_ context.Context, e *events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *hookRecorder) byType(t events.Type) []*events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*events.Event
	for _, e := range h.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type ledgerRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (l *ledgerRecorder) PostSettlement(_ context.Context, paymentID, merchantID, currency string, gross, fee, net, refunded decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := refunded.Add(fee).Add(net)
	if !sum.Equal(gross) {
		panic("settlement does not balance: " + sum.String() + " != " + gross.String())
	}
	if merchantID == "" {
		panic("settlement posted without a merchant for " + paymentID)
	}
	l.entries = append(l.entries, paymentID)
	return nil
}

type fixture struct {
	svc    *Service
	repo   *MemoryRepository
	bus    *events.MemoryBus
	hooks  *hookRecorder
	ledger *ledgerRecorder
	stripe *psp.SimulatedClient
	adyen  *psp.SimulatedClient
	engine *retry.Engine
	kv     *infra.MemoryKV
	ctl    *degrade.Controller
	acs    *threeds.SimulatedACS
	fraud  *fraud.Engine
}

func newFixture(t *testing.T, scorer fraud.Scorer) *fixture {
	t.Helper()

	keys := hsm.NewKeyService()
	vault, err := token.NewVault(token.NewMemoryStore(), keys)
	require.NoError(t, err)

	kv := infra.NewMemoryKV()
	ctl := degrade.NewController()
	if scorer == nil {
		scorer = fraud.ScorerFunc(func(context.Context, fraud.Input) (float64, error) { return 0, nil })
	}
	fraudEngine := fraud.NewEngine(kv, scorer, ctl)

	acs := threeds.NewSimulatedACS()
	tds := threeds.NewService(acs, kv, ctl)

	stripe, adyen := psp.NewStripe(), psp.NewAdyen()
	engine := retry.NewEngine(
		retry.Policy{InitialDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3},
		retry.NewBreakerSet(retry.DefaultBreakerConfig()),
		retry.NewDLQ(),
	)
	router := psp.NewRouter([]psp.Client{stripe, adyen},
		[]config.PSPEntry{{Name: "STRIPE", Priority: 1}, {Name: "ADYEN", Priority: 2}},
		engine, time.Second)

	repo := NewMemoryRepository()
	bus := events.NewMemoryBus()
	hooks := &hookRecorder{}
	ledger := &ledgerRecorder{}

	return &fixture{
		svc:    NewService(repo, vault, fraudEngine, tds, router, bus, hooks, ledger, kv),
		repo:   repo,
		bus:    bus,
		hooks:  hooks,
		ledger: ledger,
		stripe: stripe,
		adyen:  adyen,
		engine: engine,
		kv:     kv,
		ctl:    ctl,
		acs:    acs,
		fraud:  fraudEngine,
	}
}

func authorizeReq(pan string) AuthorizeRequest {
	return AuthorizeRequest{
		MerchantID: "mer_1",
		Amount:     d("100.00"),
		Currency:   "USD",
		CardNumber: pan,
		ExpMonth:   12,
		ExpYear:    2030,
		CVV:        "123",
		Billing:    BillingAddress{Street: "1 Main St", City: "Austin", State: "TX", Zip: "78701", Country: "US"},
		IPAddress:  "198.51.100.7",
		IPCountry:  "US",
		DeviceID:   "dev_1",
	}
}

func TestAuthorize_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, result, err := f.svc.Authorize(ctx, authorizeReq(visaPAN))
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, StatusAuthorized, p.Status)
	assert.Regexp(t, `^pay_[0-9A-Za-z]{24}$`, p.ID)
	assert.Equal(t, "0366", p.CardLastFour)
	assert.Equal(t, "VISA", p.CardBrand)
	assert.True(t, strings.HasPrefix(p.PSPTxnID, "stripe_"))
	assert.NotNil(t, p.AuthorizedAt)

	stored, err := f.repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, stored.Status)

	published := f.bus.Published()
	require.NotEmpty(t, published)
	last := published[len(published)-1]
	assert.Equal(t, events.TypePaymentAuthorized, last.Type)
	assert.Equal(t, p.ID, last.PaymentID)

	hooks := f.hooks.byType(events.TypePaymentAuthorized)
	assert.Len(t, hooks, 1, "webhook enqueued once per authorized payment")

	history, err := f.svc.History(ctx, p.ID)
	require.NoError(t, err)
	var kinds []EventKind
	for _, e := range history {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventSagaStarted, EventAuthorized}, kinds)
}

func TestAuthorize_ResponseNeverCarriesPAN(t *testing.T) {
	f := newFixture(t, nil)

	p, _, err := f.svc.Authorize(context.Background(), authorizeReq(visaPAN))
	require.NoError(t, err)

	assert.NotContains(t, p.CardTokenID, visaPAN)
	assert.NotEqual(t, visaPAN, p.CardTokenID)
	assert.Equal(t, byte('9'), p.CardTokenID[0])
	for _, e := range f.bus.Published() {
		raw, err := e.JSON()
		require.NoError(t, err)
		assert.NotContains(t, string(raw), visaPAN)
	}
}

func TestAuthorize_FraudBlockCancelsWithoutPSPCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.kv.SAdd(ctx, "fraud:blacklist:ip", "41.0.0.1"))

	req := authorizeReq(visaPAN)
	req.IPAddress = "41.0.0.1"

	p, result, err := f.svc.Authorize(ctx, req)
	require.Error(t, err)
	var blocked *FraudBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "BLACKLIST_HIT", blocked.Reason)
	assert.False(t, result.Success)
	assert.Equal(t, "FraudDetection", result.FailedStep)

	assert.Zero(t, f.stripe.AuthCount(), "no PSP call after a fraud block")
	assert.Zero(t, f.adyen.AuthCount())

	stored, err := f.repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status, "compensation cancels the record")
	assert.Equal(t, "BLACKLIST_HIT", stored.FailureReason)

	// Tokenize ran before fraud, so its token must be revoked.
	assert.Contains(t, result.CompensatedSteps, "Tokenize")

	// No authorized event; a failure event is published instead.
	for _, e := range f.bus.Published() {
		assert.NotEqual(t, events.TypePaymentAuthorized, e.Type)
	}
	assert.Empty(t, f.hooks.byType(events.TypePaymentAuthorized))
}

func TestAuthorize_PSPFailover(t *testing.T) {
	f := newFixture(t, nil)
	f.stripe.Script(func(psp.AuthRequest) error {
		return psp.NewTransient("GATEWAY_TIMEOUT", "upstream timeout")
	})

	p, _, err := f.svc.Authorize(context.Background(), authorizeReq(visaPAN))
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, p.Status)
	assert.True(t, strings.HasPrefix(p.PSPTxnID, "adyen_"), "failover lands on ADYEN")
}

func TestAuthorize_DeclineFailsPaymentAndVoidsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.stripe.Script(func(psp.AuthRequest) error {
		return psp.NewDecline("INSUFFICIENT_FUNDS", "card has insufficient funds")
	})

	p, result, err := f.svc.Authorize(context.Background(), authorizeReq(visaPAN))
	require.Error(t, err)
	assert.True(t, psp.IsDecline(err))
	assert.Equal(t, "PSPAuthorization", result.FailedStep)
	assert.Zero(t, f.adyen.AuthCount(), "declines do not fail over")

	stored, err := f.repo.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status, "a PSP-stage failure is FAILED, not CANCELLED")
	assert.Equal(t, "DECLINED", stored.FailureReason)
}

func TestAuthorize_RetryExhaustionDeadLettersAndFails(t *testing.T) {
	f := newFixture(t, nil)
	transient := func(psp.AuthRequest) error {
		return psp.NewTransient("CONN_RESET", "connection reset")
	}
	f.stripe.Script(transient)
	f.adyen.Script(transient)

	p, result, err := f.svc.Authorize(context.Background(), authorizeReq(visaPAN))
	require.Error(t, err)
	assert.False(t, result.Success)

	stored, err := f.repo.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)

	// Both providers exhausted their attempt budget into the DLQ.
	entries := f.engine.DLQ().Entries()
	require.Len(t, entries, 2)
	for _, dl := range entries {
		assert.Equal(t, 3, dl.Attempts)
		assert.NotEmpty(t, dl.LastError)
	}

	// Compensation revoked the token.
	assert.Contains(t, result.CompensatedSteps, "Tokenize")
}

func TestAuthorize_Frictionless3DSPassesCAVVToPSP(t *testing.T) {
	// Score 0.9 forces REVIEW, which requires 3-DS.
	f := newFixture(t, fraud.ScorerFunc(func(context.Context, fraud.Input) (float64, error) {
		return 0.9, nil
	}))

	var gotCAVV, gotECI string
	f.stripe.Script(func(req psp.AuthRequest) error {
		gotCAVV, gotECI = req.CAVV, req.ECI
		return nil
	})

	p, _, err := f.svc.Authorize(context.Background(), authorizeReq(visaPAN))
	require.NoError(t, err)
	assert.Equal(t, ThreeDSAuthenticated, p.ThreeDSStatus)
	assert.NotEmpty(t, gotCAVV)
	assert.Equal(t, "05", gotECI)
	assert.Equal(t, string(fraud.DecisionReview), p.FraudDecision)
}

func TestAuthorize_ChallengeRequiredSurfacesSession(t *testing.T) {
	f := newFixture(t, fraud.ScorerFunc(func(context.Context, fraud.Input) (float64, error) {
		return 0.9, nil
	}))

	_, _, err := f.svc.Authorize(context.Background(), authorizeReq(challengePAN))
	require.Error(t, err)
	var challenge *ChallengeRequiredError
	require.ErrorAs(t, err, &challenge)
	assert.NotEmpty(t, challenge.SessionID)
	assert.Contains(t, challenge.ChallengeURL, "https://")
	assert.Zero(t, f.stripe.AuthCount(), "no authorization before the challenge completes")
}

func TestAuthorize_ResubmitWithAuthenticatedSession(t *testing.T) {
	scorer := fraud.ScorerFunc(func(context.Context, fraud.Input) (float64, error) { return 0.9, nil })
	f := newFixture(t, scorer)
	ctx := context.Background()

	_, _, err := f.svc.Authorize(ctx, authorizeReq(challengePAN))
	var challenge *ChallengeRequiredError
	require.ErrorAs(t, err, &challenge)

	// Cardholder completes the challenge out of band.
	tds := threeds.NewService(f.acs, f.kv, f.ctl)
	_, err = tds.CompleteChallenge(ctx, challenge.SessionID, f.acs.ChallengeAnswer)
	require.NoError(t, err)

	req := authorizeReq(challengePAN)
	req.ThreeDSSessionID = challenge.SessionID
	p, _, err := f.svc.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, p.Status)
	assert.Equal(t, ThreeDSAuthenticated, p.ThreeDSStatus)
}

func TestCaptureVoidRefund_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Authorize(ctx, authorizeReq(visaPAN))
	require.NoError(t, err)

	captured, err := f.svc.Capture(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, captured.Status)
	assert.Equal(t, "100.00", captured.CapturedAmount.StringFixed(2))
	assert.Len(t, f.hooks.byType(events.TypePaymentCaptured), 1)
	assert.Len(t, f.ledger.entries, 1)

	partial := d("40.00")
	refunded, ref, err := f.svc.Refund(ctx, p.ID, &partial)
	require.NoError(t, err)
	assert.Equal(t, StatusRefundedPartial, refunded.Status)
	assert.Regexp(t, `^ref_`, ref.ID)

	_, _, err = f.svc.Refund(ctx, p.ID, nil) // remainder
	require.NoError(t, err)
	final, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, final.Status)
	assert.Equal(t, "100.00", final.RefundedAmount.StringFixed(2))

	refunds, err := f.repo.RefundsFor(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 2)
}

func TestCapture_ConflictsOutsideAuthorized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Authorize(ctx, authorizeReq(visaPAN))
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, p.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.Capture(ctx, p.ID, nil)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict, "double capture must conflict")

	_, err = f.svc.Void(ctx, p.ID)
	assert.ErrorAs(t, err, &conflict, "void after capture must conflict")
}

func TestVoid_CancelsAuthorizedPayment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Authorize(ctx, authorizeReq(visaPAN))
	require.NoError(t, err)

	voided, err := f.svc.Void(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, voided.Status)
	assert.True(t, f.stripe.Voided(p.PSPTxnID))
}

func TestRefund_CannotExceedCaptured(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Authorize(ctx, authorizeReq(visaPAN))
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, p.ID, nil)
	require.NoError(t, err)

	over := d("150.00")
	_, _, err = f.svc.Refund(ctx, p.ID, &over)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestList_FiltersAndPages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := f.svc.Authorize(ctx, authorizeReq(visaPAN))
		require.NoError(t, err)
	}

	all, err := f.svc.List(ctx, ListFilter{MerchantID: "mer_1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := f.svc.List(ctx, ListFilter{MerchantID: "mer_1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	none, err := f.svc.List(ctx, ListFilter{MerchantID: "mer_other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestValidation_RejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	bad := authorizeReq(visaPAN)
	bad.Amount = d("10.001")
	_, _, err := f.svc.Authorize(ctx, bad)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr, "scale > 2 rejected")

	bad = authorizeReq(visaPAN)
	bad.Currency = "USDX"
	_, _, err = f.svc.Authorize(ctx, bad)
	assert.ErrorAs(t, err, &vErr)

	bad = authorizeReq("1234567890123456") // fails Luhn
	_, _, err = f.svc.Authorize(ctx, bad)
	assert.ErrorAs(t, err, &vErr)
}
