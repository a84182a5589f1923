package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/acquira/gateway/internal/idempotency"
	"github.com/acquira/gateway/internal/payment"
	"github.com/acquira/gateway/internal/psp"
	"github.com/acquira/gateway/internal/threeds"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	SessionID    string `json:"three_ds_session_id,omitempty"`
	ChallengeURL string `json:"challenge_url,omitempty"`
}

// mapError translates domain errors into HTTP status + envelope. Unknown
// errors become opaque 500s so internals never leak to merchants.
func mapError(err error) (int, errorBody) {
	var (
		validation *payment.ValidationError
		conflict   *payment.ConflictError
		blocked    *payment.FraudBlockedError
		challenge  *payment.ChallengeRequiredError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, errBody("INVALID_REQUEST", validation.Msg)
	case errors.As(err, &challenge):
		body := errBody("THREE_DS_CHALLENGE_REQUIRED",
			"cardholder authentication required, complete the challenge and resubmit")
		body.Error.SessionID = challenge.SessionID
		body.Error.ChallengeURL = challenge.ChallengeURL
		return http.StatusPaymentRequired, body
	case errors.As(err, &blocked):
		return http.StatusUnprocessableEntity, errBody("FRAUD_BLOCKED", blocked.Reason)
	case errors.As(err, &conflict):
		return http.StatusConflict, errBody("STATE_CONFLICT", conflict.Error())
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound, errBody("NOT_FOUND", "no such payment")
	case errors.Is(err, idempotency.ErrPayloadMismatch):
		return http.StatusConflict, errBody("IDEMPOTENCY_CONFLICT",
			"idempotency key reused with a different payload")
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, errBody("REQUEST_IN_PROGRESS",
			"a request with this idempotency key is still executing")
	case psp.IsDecline(err):
		return http.StatusUnprocessableEntity, errBody("CARD_DECLINED", "the issuer declined the payment")
	case errors.Is(err, psp.ErrNoPSPAvailable):
		return http.StatusServiceUnavailable, errBody("NO_PSP_AVAILABLE",
			"no payment provider is currently reachable")
	case errors.Is(err, threeds.ErrSessionNotFound):
		return http.StatusNotFound, errBody("NOT_FOUND", "no such authentication session")
	case errors.Is(err, threeds.ErrSessionExpired), errors.Is(err, threeds.ErrSessionClosed):
		return http.StatusGone, errBody("SESSION_CLOSED", err.Error())
	default:
		return http.StatusInternalServerError, errBody("INTERNAL", "internal error")
	}
}

func errBody(code, message string) errorBody {
	return errorBody{Error: errorDetail{Code: code, Message: message}}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := mapError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
