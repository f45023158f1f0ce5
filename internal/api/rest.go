// Package api exposes the lifecycle operations to the dispatch layer over
// HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
	"github.com/Is-a-space/discord-vps-creator/internal/server"
)

type Handler struct {
	srv *server.Server
	log *zap.Logger
}

func NewHTTPHandler(srv *server.Server, log *zap.Logger) http.Handler {
	h := &Handler{srv: srv, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("POST /provision", h.handleProvision)
	mux.HandleFunc("GET /list", h.handleList)
	mux.HandleFunc("POST /start", h.handleAction(h.start))
	mux.HandleFunc("POST /stop", h.handleAction(h.stop))
	mux.HandleFunc("POST /restart", h.handleAction(h.restart))
	mux.HandleFunc("POST /remove", h.handleAction(h.remove))
	mux.HandleFunc("POST /reconcile", h.handleReconcile)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.Healthy(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "container runtime unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong"})
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner   string `json:"owner"`
		Variant string `json:"variant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Owner == "" || req.Variant == "" {
		h.writeError(w, http.StatusBadRequest, "owner and variant required")
		return
	}

	rec, err := h.srv.Provision(r.Context(), req.Owner, req.Variant)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"instance":   rec.Instance,
		"credential": rec.Credential,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.writeError(w, http.StatusBadRequest, "owner required")
		return
	}
	recs, err := h.srv.List(r.Context(), owner)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	type item struct {
		Instance   string `json:"instance"`
		Variant    string `json:"variant,omitempty"`
		Credential string `json:"credential"`
	}
	items := make([]item, 0, len(recs))
	for _, rec := range recs {
		items = append(items, item{Instance: rec.Instance, Variant: rec.Variant, Credential: rec.Credential})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": items})
}

type actionFunc func(r *http.Request, owner, selector string) (map[string]string, error)

func (h *Handler) handleAction(fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Owner    string `json:"owner"`
			Selector string `json:"selector"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if req.Owner == "" || req.Selector == "" {
			h.writeError(w, http.StatusBadRequest, "owner and selector required")
			return
		}
		out, err := fn(r, req.Owner, req.Selector)
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) start(r *http.Request, owner, selector string) (map[string]string, error) {
	cred, err := h.srv.Start(r.Context(), owner, selector)
	if err != nil {
		return nil, err
	}
	return map[string]string{"result": "running", "credential": cred}, nil
}

func (h *Handler) stop(r *http.Request, owner, selector string) (map[string]string, error) {
	if err := h.srv.Stop(r.Context(), owner, selector); err != nil {
		return nil, err
	}
	return map[string]string{"result": "stopped"}, nil
}

func (h *Handler) restart(r *http.Request, owner, selector string) (map[string]string, error) {
	cred, err := h.srv.Restart(r.Context(), owner, selector)
	if err != nil {
		return nil, err
	}
	return map[string]string{"result": "running", "credential": cred}, nil
}

func (h *Handler) remove(r *http.Request, owner, selector string) (map[string]string, error) {
	if err := h.srv.Remove(r.Context(), owner, selector); err != nil {
		return nil, err
	}
	return map[string]string{"result": "removed"}, nil
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		h.writeError(w, http.StatusBadRequest, "owner required")
		return
	}
	n, err := h.srv.Reconcile(r.Context(), req.Owner)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

// writeLifecycleError maps the error taxonomy onto HTTP statuses. The body
// carries only the user-facing message.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrQuotaExceeded):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "no matching instance")
	case errors.Is(err, models.ErrVariantNotFound):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrReadinessTimeout):
		h.writeError(w, http.StatusGatewayTimeout, "instance did not become ready; it has been removed, try again")
	case errors.Is(err, models.ErrRuntimeUnavailable),
		errors.Is(err, models.ErrRuntimeOperationFailed):
		h.log.Error("runtime operation failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "container runtime error")
	case errors.Is(err, models.ErrReconciliationRequired),
		errors.Is(err, models.ErrDuplicateRecord):
		h.log.Error("registry inconsistency", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal inconsistency, contact support")
	default:
		h.log.Error("internal error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
