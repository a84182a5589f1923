package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquira/gateway/internal/degrade"
	"github.com/acquira/gateway/internal/infra"
	"github.com/acquira/gateway/internal/metrics"
)

// Decision buckets for a fraud assessment.
type Decision string

const (
	DecisionClean  Decision = "CLEAN"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// Score thresholds.
const (
	BlockThreshold  = 0.75
	ReviewThreshold = 0.50
)

// Rule identifiers surfaced in TriggeredRules.
const (
	RuleBlacklistHit     = "BLACKLIST_HIT"
	RuleVelocityExceeded = "VELOCITY_LIMIT_EXCEEDED"
	RuleGeoMismatch      = "GEO_MISMATCH"
	RuleHighRiskCountry  = "HIGH_RISK_COUNTRY"
	RuleHighAmount       = "HIGH_AMOUNT"
	RuleFirstTimeCard    = "FIRST_TIME_CARD"
)

// Blacklist set keys in the shared store.
const (
	blacklistIPKey     = "fraud:blacklist:ip"
	blacklistDeviceKey = "fraud:blacklist:device"
	blacklistCardKey   = "fraud:blacklist:card"
	seenCardsKey       = "fraud:seen_cards"
)

// Scorer produces a machine-learning risk score in [0,1] for a transaction.
// The production implementation calls the scoring service over HTTP; tests
// and the degraded path use local implementations.
type Scorer interface {
	Score(ctx context.Context, in Input) (float64, error)
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(ctx context.Context, in Input) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, in Input) (float64, error) { return f(ctx, in) }

// Input carries the transaction attributes the engine evaluates.
type Input struct {
	TransactionID  string
	MerchantID     string
	CardHash       string
	Amount         decimal.Decimal
	Currency       string
	IPAddress      string
	IPCountry      string
	BillingCountry string
	DeviceID       string
}

// Assessment is the outcome of one evaluation.
type Assessment struct {
	TransactionID  string    `json:"transaction_id"`
	Score          float64   `json:"score"`
	Decision       Decision  `json:"decision"`
	TriggeredRules []string  `json:"triggered_rules,omitempty"`
	Require3DS     bool      `json:"require_3ds"`
	Fallback       bool      `json:"fallback"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// Countries whose card-present fraud rates warrant a fixed geo-risk uplift.
var highRiskCountries = map[string]bool{
	"NG": true, "PK": true, "VE": true, "UA": true, "ID": true,
}

// Engine runs the full evaluation: blacklists, velocity windows, geo risk and
// the ML score, with a rule-based fallback when the scorer is unreachable.
type Engine struct {
	kv      infra.KV
	scorer  Scorer
	limiter *VelocityLimiter
	degrade *degrade.Controller
	now     func() time.Time
}

func NewEngine(kv infra.KV, scorer Scorer, ctl *degrade.Controller) *Engine {
	return &Engine{
		kv:      kv,
		scorer:  scorer,
		limiter: NewVelocityLimiter(kv),
		degrade: ctl,
		now:     time.Now,
	}
}

// Evaluate assesses one transaction. Blacklist hits and velocity breaches
// short-circuit to BLOCK; otherwise the score is a weighted blend of the ML
// score, geo risk and triggered-rule count, clamped to [0,1].
func (e *Engine) Evaluate(ctx context.Context, in Input) (Assessment, error) {
	out := Assessment{TransactionID: in.TransactionID, EvaluatedAt: e.now().UTC()}

	hit, err := e.blacklisted(ctx, in)
	if err != nil {
		return out, err
	}
	if hit {
		out.Score = 1.0
		out.Decision = DecisionBlock
		out.TriggeredRules = []string{RuleBlacklistHit}
		out.Require3DS = true
		metrics.FraudDecisionsTotal.WithLabelValues(string(out.Decision)).Inc()
		slog.Warn("fraud block", "transaction_id", in.TransactionID, "rule", RuleBlacklistHit)
		return out, nil
	}

	within, err := e.withinVelocityLimits(ctx, in)
	if err != nil {
		return out, err
	}
	if !within {
		out.Score = 1.0
		out.Decision = DecisionBlock
		out.TriggeredRules = []string{RuleVelocityExceeded}
		out.Require3DS = true
		metrics.FraudDecisionsTotal.WithLabelValues(string(out.Decision)).Inc()
		slog.Warn("fraud block", "transaction_id", in.TransactionID, "rule", RuleVelocityExceeded)
		return out, nil
	}

	geo, geoRules := e.geoRisk(in)
	out.TriggeredRules = append(out.TriggeredRules, geoRules...)

	ml, fallback := e.mlScore(ctx, in)
	out.Fallback = fallback

	out.Score = clamp(0.6*ml + 0.3*geo + 0.1*float64(len(out.TriggeredRules)))
	switch {
	case out.Score >= BlockThreshold:
		out.Decision = DecisionBlock
	case out.Score >= ReviewThreshold:
		out.Decision = DecisionReview
	default:
		out.Decision = DecisionClean
	}
	out.Require3DS = out.Decision != DecisionClean
	metrics.FraudDecisionsTotal.WithLabelValues(string(out.Decision)).Inc()

	return out, nil
}

// RecordCardSeen marks a card hash as previously used, for the first-time-card
// fallback rule. Called after a successful authorization.
func (e *Engine) RecordCardSeen(ctx context.Context, cardHash string) error {
	return e.kv.SAdd(ctx, seenCardsKey, cardHash)
}

func (e *Engine) blacklisted(ctx context.Context, in Input) (bool, error) {
	checks := []struct {
		key    string
		member string
	}{
		{blacklistIPKey, in.IPAddress},
		{blacklistDeviceKey, in.DeviceID},
		{blacklistCardKey, in.CardHash},
	}
	for _, c := range checks {
		if c.member == "" {
			continue
		}
		hit, err := e.kv.SIsMember(ctx, c.key, c.member)
		if err != nil {
			return false, fmt.Errorf("fraud: blacklist check: %w", err)
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) withinVelocityLimits(ctx context.Context, in Input) (bool, error) {
	checks := []struct {
		scope  string
		id     string
		limit  int
		window time.Duration
	}{
		{"card", in.CardHash, CardLimitPerHour, time.Hour},
		{"ip", in.IPAddress, IPLimitPerHour, time.Hour},
		{"merchant", in.MerchantID, MerchantLimitPerMin, time.Minute},
	}
	for _, c := range checks {
		if c.id == "" {
			continue
		}
		ok, err := e.limiter.Allow(ctx, c.scope, c.id, c.limit, c.window)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// geoRisk scores geographic signals: a high-risk issuing country and a
// mismatch between the request IP country and the billing country.
func (e *Engine) geoRisk(in Input) (float64, []string) {
	var score float64
	var rules []string
	if highRiskCountries[in.BillingCountry] || highRiskCountries[in.IPCountry] {
		score += 0.5
		rules = append(rules, RuleHighRiskCountry)
	}
	if in.IPCountry != "" && in.BillingCountry != "" && in.IPCountry != in.BillingCountry {
		score += 0.5
		rules = append(rules, RuleGeoMismatch)
	}
	return clamp(score), rules
}

// mlScore asks the scorer when it is healthy; on failure or while degraded it
// falls back to local rules and reports the outcome to the controller.
func (e *Engine) mlScore(ctx context.Context, in Input) (score float64, fallback bool) {
	if e.scorer != nil && e.degrade.Healthy(degrade.DepFraudScorer) {
		s, err := e.scorer.Score(ctx, in)
		if err == nil {
			e.degrade.ReportSuccess(degrade.DepFraudScorer)
			return clamp(s), false
		}
		e.degrade.ReportFailure(degrade.DepFraudScorer, err.Error())
		slog.Warn("fraud scorer unavailable, using rule fallback",
			"transaction_id", in.TransactionID, "error", err)
	}
	return e.fallbackScore(ctx, in), true
}

// fallbackScore is the conservative rule-based stand-in for the ML model:
// amount bands, cross-border mismatch and first use of a card.
func (e *Engine) fallbackScore(ctx context.Context, in Input) float64 {
	var score float64

	switch {
	case in.Amount.GreaterThan(decimal.NewFromInt(5000)):
		score += 0.5
	case in.Amount.GreaterThan(decimal.NewFromInt(1000)):
		score += 0.3
	}

	if in.IPCountry != "" && in.BillingCountry != "" && in.IPCountry != in.BillingCountry {
		score += 0.2
	}

	if in.CardHash != "" {
		seen, err := e.kv.SIsMember(ctx, seenCardsKey, in.CardHash)
		if err == nil && !seen {
			score += 0.2
		}
	}

	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
