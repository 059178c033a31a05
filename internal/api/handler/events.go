package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/ingest"
	"github.com/bcnelson/waf-blocklist-manager/internal/service"
	"github.com/panjf2000/ants/v2"
)

// maxBatchEvents bounds a single batch request.
const maxBatchEvents = 1000

// EventHandler admits threat events.
type EventHandler struct {
	admission *service.AdmissionController
	pool      *ants.Pool
}

// NewEventHandler creates a new EventHandler. Batch events run on pool.
func NewEventHandler(admission *service.AdmissionController, pool *ants.Pool) *EventHandler {
	return &EventHandler{admission: admission, pool: pool}
}

// Admit admits one flat event.
func (h *EventHandler) Admit(w http.ResponseWriter, r *http.Request) {
	h.admitWith(w, r, ingest.ParseEvent)
}

// AdmitFinding admits one GuardDuty finding.
func (h *EventHandler) AdmitFinding(w http.ResponseWriter, r *http.Request) {
	h.admitWith(w, r, ingest.ParseFinding)
}

func (h *EventHandler) admitWith(w http.ResponseWriter, r *http.Request, parse func([]byte) (domain.Event, error)) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	ev, err := parse(body)
	if err != nil {
		handleError(w, err)
		return
	}

	result, err := h.admission.Admit(r.Context(), ev)
	if err != nil {
		handleError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == domain.OutcomeInserted {
		status = http.StatusCreated
	}
	respondJSON(w, status, result)
}

// AdmitBatch admits every event of a JSON array independently and
// concurrently. The response lists a result or an error per input index.
func (h *EventHandler) AdmitBatch(w http.ResponseWriter, r *http.Request) {
	var raws []json.RawMessage
	if err := decodeJSON(w, r, &raws); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "request body must be a JSON array of events")
		return
	}
	if len(raws) > maxBatchEvents {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "too many events in one batch")
		return
	}

	ctx := r.Context()
	results := make([]domain.BatchAdmissionResult, len(raws))
	var wg sync.WaitGroup
	for i, raw := range raws {
		results[i].Index = i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			ev, err := ingest.ParseEvent(raw)
			if err == nil {
				results[i].Result, err = h.admission.Admit(ctx, ev)
			}
			if err != nil {
				results[i].Error = err.Error()
			}
		}
		if err := h.pool.Submit(task); err != nil {
			wg.Done()
			results[i].Error = err.Error()
		}
	}
	wg.Wait()

	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}
