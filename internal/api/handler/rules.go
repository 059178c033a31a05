package handler

import (
	"net/http"
	"net/url"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/service"
	"github.com/go-chi/chi/v5"
)

// RuleHandler exposes the blocklist contents.
type RuleHandler struct {
	admission *service.AdmissionController
	setup     *service.Bootstrapper
}

// NewRuleHandler creates a new RuleHandler.
func NewRuleHandler(admission *service.AdmissionController, setup *service.Bootstrapper) *RuleHandler {
	return &RuleHandler{admission: admission, setup: setup}
}

// ruleListResponse is one page of rules.
type ruleListResponse struct {
	Rules      []*domain.RuleRecord `json:"rules"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// List returns one page of rules; pass nextCursor back as ?cursor= for more.
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, next, err := h.admission.ListRules(r.Context(), r.URL.Query().Get("cursor"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &ruleListResponse{Rules: rules, NextCursor: next})
}

// Get returns the rule for one prefix.
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.admission.GetRule(r.Context(), prefixParam(r))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Delete unblocks a prefix and resyncs the mirrors.
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	mirrors, err := h.admission.Unblock(r.Context(), prefixParam(r))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mirrors": mirrors})
}

// Counter returns the advisory rule counter.
func (h *RuleHandler) Counter(w http.ResponseWriter, r *http.Request) {
	counter, err := h.admission.Counter(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, counter)
}

// Setup returns the setup record.
func (h *RuleHandler) Setup(w http.ResponseWriter, r *http.Request) {
	setup, err := h.setup.GetSetup(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, setup)
}

// prefixParam reads the prefix from the wildcard route. Both "10.0.0.0/24"
// and the escaped "10.0.0.0%2F24" are accepted.
func prefixParam(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if p, err := url.PathUnescape(raw); err == nil {
		return p
	}
	return raw
}
