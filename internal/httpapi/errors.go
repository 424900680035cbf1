package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wasteops.org/internal/mutation"
	"wasteops.org/internal/obs"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/resource"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg, "code": errCode})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeErrorCode(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// readBody returns the raw body and strictly decodes it into dst. The raw
// bytes feed the idempotency fingerprint.
func readBody(r *http.Request, dst any) ([]byte, error) {
	if r.Body == nil {
		return nil, errors.New("request body is required")
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.New("request body too large")
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("request body is required")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("unexpected data after JSON body")
		}
		return nil, err
	}
	return raw, nil
}

// handleMutationError maps the mutation error taxonomy onto HTTP.
func handleMutationError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		contract  *mutation.ClientContractError
		conflict  *mutation.ConflictError
		throttled *mutation.AdmissionError
		transient *mutation.TransientError
		invalid   *mutation.ValidationError
	)
	switch {
	case errors.As(err, &contract):
		code := http.StatusBadRequest
		switch contract.Reason {
		case mutation.ReasonMissingIfMatch:
			code = http.StatusPreconditionFailed
		case mutation.ReasonKeyReuse:
			code = http.StatusUnprocessableEntity
		}
		writeErrorCode(w, r, code, contract.Reason, contract.Error())
	case errors.As(err, &conflict):
		payload := map[string]any{"error": conflict.Error(), "code": conflict.Reason}
		if conflict.CurrentTag != "" {
			payload["current_tag"] = conflict.CurrentTag
			w.Header().Set("ETag", resource.FormatETag(conflict.CurrentTag))
		}
		if conflict.Reason == mutation.ReasonDuplicateInFlight {
			w.Header().Set("Retry-After", "1")
		}
		writeErrorBody(w, r, http.StatusConflict, payload)
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(throttled.RetryAfter)))
		writeErrorCode(w, r, http.StatusTooManyRequests, mutation.ReasonThrottled, "too many requests")
	case errors.As(err, &invalid):
		writeErrorBody(w, r, http.StatusUnprocessableEntity, map[string]any{
			"error":  invalid.Message,
			"code":   mutation.ReasonValidation,
			"fields": invalid.Fields,
		})
	case errors.Is(err, mutation.ErrInvalidTransition):
		writeErrorCode(w, r, http.StatusConflict, mutation.ReasonInvalidTransition, err.Error())
	case errors.Is(err, resource.ErrNotFound):
		writeErrorCode(w, r, http.StatusNotFound, mutation.ReasonNotFound, "resource not found")
	case errors.As(err, &transient):
		w.Header().Set("Retry-After", "1")
		writeErrorCode(w, r, http.StatusServiceUnavailable, mutation.ReasonTransient, "temporarily unavailable, retry with the same Idempotency-Key")
	default:
		obs.Error("mutation_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeErrorCode(w, r, http.StatusInternalServerError, mutation.ReasonInternal, "internal error")
	}
}

func handleOutboxError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, outbox.ErrEventNotFound):
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "event not found")
	case errors.Is(err, outbox.ErrNotDead):
		writeErrorCode(w, r, http.StatusConflict, "not_dead", "only DEAD events can be replayed")
	default:
		obs.Error("outbox_admin_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err,
		})
		writeErrorCode(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
