package api

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/acquira/gateway/internal/fx"
	"github.com/acquira/gateway/internal/payment"
)

// handleFXQuote converts an amount between currencies using the cached-rate
// service. Stale quotes are flagged, not hidden.
func (s *Server) handleFXQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, &payment.ValidationError{Msg: "amount must be a decimal string"})
		return
	}

	conv, err := s.fx.Convert(r.Context(), amount, q.Get("from"), q.Get("to"))
	switch {
	case errors.Is(err, fx.ErrInvalidCurrency):
		writeError(w, &payment.ValidationError{Msg: err.Error()})
		return
	case errors.Is(err, fx.ErrRateUnavailable):
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable,
			errBody("RATE_UNAVAILABLE", "no exchange rate available for this pair"))
		return
	case err != nil:
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
