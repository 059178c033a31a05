package handler

import (
	"net/http"

	"github.com/bcnelson/waf-blocklist-manager/internal/service"
)

// MirrorHandler triggers and reports mirror syncs.
type MirrorHandler struct {
	sync *service.SyncService
}

// NewMirrorHandler creates a new MirrorHandler.
func NewMirrorHandler(sync *service.SyncService) *MirrorHandler {
	return &MirrorHandler{sync: sync}
}

// Sync forces a full resync of every mirror.
func (h *MirrorHandler) Sync(w http.ResponseWriter, r *http.Request) {
	results, err := h.sync.ResyncMirrors(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mirrors": results})
}

// History lists recorded mirror pushes, newest first.
func (h *MirrorHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		handleError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		handleError(w, err)
		return
	}

	records, err := h.sync.History(r.Context(), limit, offset)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}
