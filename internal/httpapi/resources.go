package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"wasteops.org/internal/admission"
	"wasteops.org/internal/auth"
	"wasteops.org/internal/domain"
	"wasteops.org/internal/idempotency"
	"wasteops.org/internal/ids"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/resource"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

func (a *API) handleBinsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createBin(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleBinDrops(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.dropBin(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleBinResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/bins/")
	if id == "" || strings.Contains(id, "/") {
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getResource(w, r, auth.ScopeBinsRead, domain.KindBin, id)
	case http.MethodPatch:
		a.updateBin(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (a *API) handleOrdersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createOrder(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleOrderResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	if path == "" {
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	if strings.HasSuffix(path, "/cancel") {
		id := strings.TrimSuffix(path, "/cancel")
		if id == "" || strings.Contains(id, "/") {
			writeErrorCode(w, r, http.StatusNotFound, "not_found", "order not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.cancelOrder(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getResource(w, r, auth.ScopeOrdersRead, domain.KindOrder, path)
	case http.MethodPatch:
		a.updateOrder(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (a *API) createBin(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireScope(w, r, auth.ScopeBinsWrite)
	if !ok {
		return
	}
	var in domain.BinInput
	raw, err := readBody(r, &in)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	id := ids.New()
	a.mutate(w, r, raw, mutation.Request{
		TenantID:   tenant,
		Route:      admission.RouteBinsWrite,
		Operation:  "bins.create",
		Kind:       domain.KindBin,
		ResourceID: id,
		Op:         mutation.OpCreate,
		Apply:      domain.CreateBin(id, in),
	})
}

func (a *API) dropBin(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireScope(w, r, auth.ScopeBinsIngest)
	if !ok {
		return
	}
	var in domain.BinDrop
	raw, err := readBody(r, &in)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	id := ids.New()
	a.mutate(w, r, raw, mutation.Request{
		TenantID:   tenant,
		Route:      admission.RouteBinsIngest,
		Operation:  "bins.drop",
		Kind:       domain.KindBin,
		ResourceID: id,
		Op:         mutation.OpCreate,
		Apply:      domain.DropBin(id, in),
	})
}

func (a *API) updateBin(w http.ResponseWriter, r *http.Request, id string) {
	tenant, ok := a.requireScope(w, r, auth.ScopeBinsWrite)
	if !ok {
		return
	}
	var p domain.BinPatch
	raw, err := readBody(r, &p)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	a.mutate(w, r, raw, mutation.Request{
		TenantID:   tenant,
		Route:      admission.RouteBinsWrite,
		Operation:  "bins.update",
		Kind:       domain.KindBin,
		ResourceID: id,
		Op:         mutation.OpUpdate,
		Apply:      domain.UpdateBin(p),
	})
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.requireScope(w, r, auth.ScopeOrdersWrite)
	if !ok {
		return
	}
	var in domain.OrderInput
	raw, err := readBody(r, &in)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	id := ids.New()
	a.mutate(w, r, raw, mutation.Request{
		TenantID:   tenant,
		Route:      admission.RouteOrdersWrite,
		Operation:  "orders.create",
		Kind:       domain.KindOrder,
		ResourceID: id,
		Op:         mutation.OpCreate,
		Apply:      domain.CreateOrder(tenant, id, in),
	})
}

func (a *API) updateOrder(w http.ResponseWriter, r *http.Request, id string) {
	tenant, ok := a.requireScope(w, r, auth.ScopeOrdersWrite)
	if !ok {
		return
	}
	var p domain.OrderPatch
	raw, err := readBody(r, &p)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	a.mutate(w, r, raw, mutation.Request{
		TenantID:   tenant,
		Route:      admission.RouteOrdersWrite,
		Operation:  "orders.update",
		Kind:       domain.KindOrder,
		ResourceID: id,
		Op:         mutation.OpUpdate,
		Apply:      domain.UpdateOrder(p),
	})
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request, id string) {
	tenant, ok := a.requireScope(w, r, auth.ScopeOrdersWrite)
	if !ok {
		return
	}
	var in domain.OrderCancel
	raw, err := readBody(r, &in)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	a.mutate(w, r, raw, mutation.Request{
		TenantID:   tenant,
		Route:      admission.RouteOrdersWrite,
		Operation:  "orders.cancel",
		Kind:       domain.KindOrder,
		ResourceID: id,
		Op:         mutation.OpUpdate,
		Apply:      domain.CancelOrder(in),
	})
}

// mutate fills the transport-derived fields of req, runs it and writes the
// result. The fingerprint covers method, path and the canonical body.
func (a *API) mutate(w http.ResponseWriter, r *http.Request, raw []byte, req mutation.Request) {
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyHeader))
	req.IfMatch = resource.ParseETag(r.Header.Get("If-Match"))
	req.Fingerprint = idempotency.Fingerprint(r.Method, r.URL.Path, raw)

	res, err := a.orch.Execute(r.Context(), req)
	if err != nil {
		handleMutationError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set(idempotencyHeader, req.IdempotencyKey)
	if res.VersionTag != "" {
		h.Set("ETag", resource.FormatETag(res.VersionTag))
	}
	if res.Replayed {
		h.Set(replayedHeader, "true")
	}
	if res.Status == http.StatusCreated && res.ResourceID != "" {
		h.Set("Location", locationOf(req.Kind, res.ResourceID))
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request, scope, kind, id string) {
	tenant, ok := a.requireScope(w, r, scope)
	if !ok {
		return
	}
	res, err := a.resources.GetResource(r.Context(), tenant, kind, id)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			writeErrorCode(w, r, http.StatusNotFound, "not_found", kind+" not found")
			return
		}
		handleMutationError(w, r, err)
		return
	}
	etag := resource.FormatETag(res.VersionTag)
	w.Header().Set("ETag", etag)
	if inm := r.Header.Get("If-None-Match"); inm != "" && resource.ParseETag(inm) == res.VersionTag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		handleMutationError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func locationOf(kind, id string) string {
	switch kind {
	case domain.KindOrder:
		return "/v1/orders/" + id
	default:
		return "/v1/bins/" + id
	}
}
