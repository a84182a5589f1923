package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/acquira/gateway/internal/events"
	"github.com/acquira/gateway/internal/middleware"
	"github.com/acquira/gateway/internal/payment"
	"github.com/acquira/gateway/internal/webhooks"
)

type registerWebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &payment.ValidationError{Msg: "malformed JSON body"})
		return
	}

	types := make([]events.Type, len(req.Events))
	for i, e := range req.Events {
		types[i] = events.Type(e)
	}
	ep := &webhooks.Endpoint{
		MerchantID: middleware.MerchantID(r.Context()),
		URL:        req.URL,
		Secret:     req.Secret,
		Events:     types,
	}
	if err := s.registry.Register(ep); err != nil {
		writeError(w, &payment.ValidationError{Msg: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	merchant := middleware.MerchantID(r.Context())
	var own []*webhooks.Endpoint
	for _, ep := range s.registry.ListAll() {
		if ep.MerchantID == merchant {
			own = append(own, ep)
		}
	}
	if own == nil {
		own = []*webhooks.Endpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": own})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ep, ok := s.registry.Get(id)
	if !ok || ep.MerchantID != middleware.MerchantID(r.Context()) {
		writeError(w, payment.ErrNotFound)
		return
	}
	if err := s.registry.Unregister(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
