package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"wasteops.org/internal/audit"
	"wasteops.org/internal/auth"
	"wasteops.org/internal/outbox"
)

type listEventsResponse struct {
	Items []outbox.Event `json:"items"`
	AsOf  time.Time      `json:"as_of"`
}

func (a *API) handleOutboxEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listOutboxEvents(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleOutboxEvent(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/outbox/events/")
	replay := strings.HasSuffix(path, "/replay")
	path = strings.TrimSuffix(path, "/replay")
	if path == "" || strings.Contains(path, "/") {
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "event not found")
		return
	}
	id, err := uuid.Parse(path)
	if err != nil {
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "event not found")
		return
	}

	switch {
	case replay && r.Method == http.MethodPost:
		a.replayOutboxEvent(w, r, id)
	case replay:
		methodNotAllowed(w, r, http.MethodPost)
	case r.Method == http.MethodGet:
		a.getOutboxEvent(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) listOutboxEvents(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireScope(w, r, auth.ScopeOutboxAdmin)
	if !ok {
		return
	}
	q := r.URL.Query()
	var status outbox.Status
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		parsed, ok := outbox.ParseStatus(raw)
		if !ok {
			writeErrorCode(w, r, http.StatusBadRequest, "invalid_status", "status must be PENDING, SENT or DEAD")
			return
		}
		status = parsed
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	items, err := a.outbox.ListEvents(r.Context(), tenant, status, limit)
	if err != nil {
		handleOutboxError(w, r, err)
		return
	}
	if items == nil {
		items = []outbox.Event{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) getOutboxEvent(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	tenant, ok := a.requireScope(w, r, auth.ScopeOutboxAdmin)
	if !ok {
		return
	}
	ev, err := a.outbox.GetEvent(r.Context(), tenant, id)
	if err != nil {
		handleOutboxError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) replayOutboxEvent(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	tenant, ok := a.requireScope(w, r, auth.ScopeOutboxAdmin)
	if !ok {
		return
	}
	ev, err := a.outbox.Replay(r.Context(), tenant, id, time.Now().UTC())
	if err != nil {
		handleOutboxError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "outbox.event.replay", map[string]any{
		"event_id":   ev.ID.String(),
		"event_type": ev.EventType,
		"last_error": ev.LastError,
	})
	writeJSON(w, http.StatusOK, ev)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
