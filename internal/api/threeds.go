package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/acquira/gateway/internal/payment"
)

type completeChallengeRequest struct {
	Response string `json:"response"`
}

// handleCompleteChallenge submits the cardholder's challenge answer. On
// success the merchant resubmits the authorization with the session id.
func (s *Server) handleCompleteChallenge(w http.ResponseWriter, r *http.Request) {
	var req completeChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &payment.ValidationError{Msg: "malformed JSON body"})
		return
	}
	if req.Response == "" {
		writeError(w, &payment.ValidationError{Msg: "response is required"})
		return
	}

	sess, err := s.threeDS.CompleteChallenge(r.Context(), mux.Vars(r)["id"], req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleGetThreeDSSession lets merchants poll a challenge session; expired
// pending sessions surface as TIMEOUT.
func (s *Server) handleGetThreeDSSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.threeDS.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
