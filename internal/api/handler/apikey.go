package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/api/middleware"
	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/bcnelson/waf-blocklist-manager/internal/validation"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
)

// KeyHandler issues and revokes the bearer keys that event sources, such as a
// GuardDuty forwarder, use to post to the events endpoints.
type KeyHandler struct {
	store storage.Storage
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(store storage.Storage) *KeyHandler {
	return &KeyHandler{store: store}
}

type keyList struct {
	Keys []*domain.APIKey `json:"keys"`
}

// Issue creates a key. The plaintext is in the response and nowhere else.
func (h *KeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if err := validation.ValidateKeyName(name); err != nil {
		var errs validation.ValidationErrors
		errs.Add("name", name, err.Error())
		handleError(w, errs)
		return
	}

	plaintext, hash, prefix, err := generateAPIKey()
	if err != nil {
		handleError(w, err)
		return
	}
	key := &domain.APIKey{
		ID:        generateID(),
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		handleError(w, err)
		return
	}
	log.Info("API key issued", "name", key.Name, "keyPrefix", key.KeyPrefix, "by", callerName(r))

	respondJSON(w, http.StatusCreated, &domain.CreateAPIKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       plaintext,
		KeyPrefix: key.KeyPrefix,
		CreatedAt: key.CreatedAt,
	})
}

// List returns every key, newest first, without hashes.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, keyList{Keys: keys})
}

// Revoke deletes a key. A key cannot revoke itself: removing the last stored
// key would silently re-enable the bootstrap key.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if caller := middleware.GetAPIKeyFromContext(r.Context()); caller != nil && caller.ID == id {
		respondError(w, http.StatusConflict, domain.ErrCodeConflict, "a key cannot revoke itself")
		return
	}
	if err := h.store.DeleteAPIKey(r.Context(), id); err != nil {
		handleError(w, err)
		return
	}
	log.Info("API key revoked", "id", id, "by", callerName(r))
	w.WriteHeader(http.StatusNoContent)
}

func callerName(r *http.Request) string {
	if k := middleware.GetAPIKeyFromContext(r.Context()); k != nil {
		return k.Name
	}
	return ""
}
