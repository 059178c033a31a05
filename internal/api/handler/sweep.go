package handler

import (
	"net/http"

	"github.com/bcnelson/waf-blocklist-manager/internal/service"
)

// SweepHandler runs the retention sweeper on demand.
type SweepHandler struct {
	sweeper     *service.Sweeper
	defaultDays int
}

// NewSweepHandler creates a new SweepHandler.
func NewSweepHandler(sweeper *service.Sweeper, defaultDays int) *SweepHandler {
	return &SweepHandler{sweeper: sweeper, defaultDays: defaultDays}
}

// Sweep expires old rules. ?days= overrides the configured retention.
func (h *SweepHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", h.defaultDays)
	if err != nil {
		handleError(w, err)
		return
	}

	result, err := h.sweeper.Sweep(r.Context(), days)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
