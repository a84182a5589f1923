package api

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/acquira/gateway/internal/idempotency"
	"github.com/acquira/gateway/internal/metrics"
	"github.com/acquira/gateway/internal/middleware"
	"github.com/acquira/gateway/internal/payment"
)

const maxBodyBytes = 1 << 20

// createPaymentRequest is the wire form of an authorization.
type createPaymentRequest struct {
	Amount      string                 `json:"amount"`
	Currency    string                 `json:"currency"`
	Card        cardInput              `json:"card"`
	Billing     payment.BillingAddress `json:"billing_address"`
	Description string                 `json:"description"`
	ReferenceID string                 `json:"reference_id"`
	IPCountry   string                 `json:"ip_country"`
	DeviceID    string                 `json:"device_id"`
	// Set on resubmission after a completed 3-DS challenge.
	ThreeDSSessionID string `json:"three_ds_session_id"`
}

type cardInput struct {
	Number   string `json:"number"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	CVV      string `json:"cvv"`
}

// storedResponse is what the idempotency cache replays: status plus body.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// runIdempotent executes op under the idempotency protocol shared by every
// mutating payment endpoint: authorization, capture, void and refund each
// require their own X-Idempotency-Key. The response, success or failure, is
// cached against the key so retries replay byte-identical results without
// re-executing; 5xx outcomes stay retryable. The dedup hash covers the method
// and path as well as the body, so reusing a key against a different
// operation is a conflict, never a replay.
func (s *Server) runIdempotent(w http.ResponseWriter, r *http.Request, op func(body []byte) (int, interface{})) {
	idemKey := r.Header.Get("X-Idempotency-Key")
	if idemKey == "" {
		writeError(w, &payment.ValidationError{Msg: "X-Idempotency-Key header is required"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, &payment.ValidationError{Msg: "unreadable request body"})
		return
	}
	scoped := append([]byte(r.Method+" "+r.URL.Path+"\n"), body...)
	payloadHash := idempotency.PayloadHash(scoped)

	if cached, err := s.idem.GetCached(r.Context(), idemKey, payloadHash); err != nil {
		writeError(w, err)
		return
	} else if cached != nil {
		replay(w, cached)
		return
	}

	acquired, cached, err := s.idem.AcquireLock(r.Context(), idemKey, payloadHash)
	if err != nil {
		writeError(w, err)
		return
	}
	if !acquired {
		replay(w, cached)
		return
	}
	defer s.idem.ReleaseLock(r.Context(), idemKey)

	status, respBody := op(body)
	if status < http.StatusInternalServerError {
		s.cacheResponse(r, idemKey, payloadHash, status, respBody)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, respBody)
}

// handleCreatePayment runs the authorization saga under idempotency
// protection.
func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	s.runIdempotent(w, r, func(body []byte) (int, interface{}) {
		var req createPaymentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return mapErrorBody(&payment.ValidationError{Msg: "malformed JSON body"})
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			return mapErrorBody(&payment.ValidationError{Msg: "amount must be a decimal string"})
		}

		p, _, authErr := s.payments.Authorize(r.Context(), payment.AuthorizeRequest{
			MerchantID:       middleware.MerchantID(r.Context()),
			Amount:           amount,
			Currency:         req.Currency,
			CardNumber:       req.Card.Number,
			ExpMonth:         req.Card.ExpMonth,
			ExpYear:          req.Card.ExpYear,
			CVV:              req.Card.CVV,
			Billing:          req.Billing,
			Description:      req.Description,
			ReferenceID:      req.ReferenceID,
			IPAddress:        clientIP(r),
			IPCountry:        req.IPCountry,
			DeviceID:         req.DeviceID,
			ThreeDSSessionID: req.ThreeDSSessionID,
		})

		status := http.StatusCreated
		var respBody interface{} = p
		if authErr != nil {
			st, eb := mapError(authErr)
			status, respBody = st, eb
		}
		metrics.AuthorizationsTotal.WithLabelValues(outcomeLabel(status)).Inc()
		return status, respBody
	})
}

func (s *Server) cacheResponse(r *http.Request, key, payloadHash string, status int, body interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	stored, err := json.Marshal(storedResponse{Status: status, Body: raw})
	if err != nil {
		return
	}
	_ = s.idem.StoreResult(r.Context(), key, payloadHash, stored)
}

func replay(w http.ResponseWriter, cached json.RawMessage) {
	var stored storedResponse
	if err := json.Unmarshal(cached, &stored); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotent-Replay", "true")
	w.WriteHeader(stored.Status)
	w.Write(stored.Body)
}

// mapErrorBody adapts mapError's typed envelope to runIdempotent's op result.
func mapErrorBody(err error) (int, interface{}) {
	status, body := mapError(err)
	return status, body
}

func outcomeLabel(status int) string {
	switch {
	case status == http.StatusCreated:
		return "authorized"
	case status == http.StatusPaymentRequired:
		return "challenge_required"
	case status == http.StatusUnprocessableEntity:
		return "declined"
	case status >= 500:
		return "error"
	default:
		return "rejected"
	}
}

type amountBody struct {
	Amount string `json:"amount"`
}

// optionalAmount parses an optional {"amount": "12.34"} body.
func optionalAmount(body []byte) (*decimal.Decimal, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var ab amountBody
	if err := json.Unmarshal(body, &ab); err != nil {
		return nil, &payment.ValidationError{Msg: "malformed JSON body"}
	}
	if ab.Amount == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ab.Amount)
	if err != nil {
		return nil, &payment.ValidationError{Msg: "amount must be a decimal string"}
	}
	return &d, nil
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	s.runIdempotent(w, r, func(body []byte) (int, interface{}) {
		p, err := s.ownedPayment(r)
		if err != nil {
			return mapErrorBody(err)
		}
		amt, err := optionalAmount(body)
		if err != nil {
			return mapErrorBody(err)
		}
		p, err = s.payments.Capture(r.Context(), p.ID, amt)
		if err != nil {
			return mapErrorBody(err)
		}
		metrics.CapturesTotal.Inc()
		return http.StatusOK, p
	})
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request) {
	s.runIdempotent(w, r, func([]byte) (int, interface{}) {
		p, err := s.ownedPayment(r)
		if err != nil {
			return mapErrorBody(err)
		}
		p, err = s.payments.Void(r.Context(), p.ID)
		if err != nil {
			return mapErrorBody(err)
		}
		return http.StatusOK, p
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.runIdempotent(w, r, func(body []byte) (int, interface{}) {
		p, err := s.ownedPayment(r)
		if err != nil {
			return mapErrorBody(err)
		}
		amt, err := optionalAmount(body)
		if err != nil {
			return mapErrorBody(err)
		}
		p, ref, err := s.payments.Refund(r.Context(), p.ID, amt)
		if err != nil {
			return mapErrorBody(err)
		}
		metrics.RefundsTotal.Inc()
		return http.StatusOK, map[string]interface{}{
			"payment": p,
			"refund":  ref,
		}
	})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPayment(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, err := s.payments.List(r.Context(), payment.ListFilter{
		MerchantID: middleware.MerchantID(r.Context()),
		Status:     payment.Status(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*payment.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payments": list,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handlePaymentEvents(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPayment(r)
	if err != nil {
		writeError(w, err)
		return
	}
	evs, err := s.payments.History(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

// ownedPayment loads the routed payment and hides other merchants' payments
// behind 404.
func (s *Server) ownedPayment(r *http.Request) (*payment.Payment, error) {
	p, err := s.payments.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if p.MerchantID != middleware.MerchantID(r.Context()) {
		return nil, payment.ErrNotFound
	}
	return p, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
