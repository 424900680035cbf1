package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wasteops.org/internal/auth"
)

const streamKeepAlive = 25 * time.Second

// Stream serves the caller's tenant events as Server-Sent Events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeErrorCode(w, r, http.StatusServiceUnavailable, "stream_disabled", "streaming disabled")
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeErrorCode(w, r, http.StatusUnauthorized, "unauthorized", auth.ErrUnauthorized.Error())
		return
	}
	if !principal.HasScope(auth.ScopeBinsRead) && !principal.HasScope(auth.ScopeOrdersRead) {
		writeErrorCode(w, r, http.StatusForbidden, "forbidden", auth.ErrForbidden.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, r, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	ch := a.stream.Subscribe(ctx, principal.TenantID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.EventID, event.EventType, payload)
			flusher.Flush()
		}
	}
}
