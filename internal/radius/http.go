package radius

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct{ ctl *Controller }

func NewHTTP(c *Controller) *HTTP { return &HTTP{ctl: c} }

// RegisterRoutes — router уже под /api/v1 и admin-auth.
func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/radius").Subrouter()
	api.HandleFunc("/cleanup", h.cleanupAll).Methods(http.MethodPost)
	api.HandleFunc("/{username}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{username}", h.remove).Methods(http.MethodDelete)
	api.HandleFunc("/{username}/password", h.password).Methods(http.MethodPut)
	api.HandleFunc("/{username}/simultaneous-use", h.simultaneousUse).Methods(http.MethodPut)
	api.HandleFunc("/{username}/expiration", h.expiration).Methods(http.MethodPut)
	api.HandleFunc("/{username}/cleanup", h.cleanup).Methods(http.MethodPost)
	api.HandleFunc("/{username}/verify", h.verify).Methods(http.MethodPost)
}

func username(r *http.Request) string { return mux.Vars(r)["username"] }

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return false
	}
	return true
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	rows, err := h.ctl.Attributes(r.Context(), username(r))
	if err != nil {
		models.WriteError(w, err)
		return
	}
	if len(rows) == 0 {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "no radius attributes for user", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, rows)
}

func (h *HTTP) remove(w http.ResponseWriter, r *http.Request) {
	if _, err := h.ctl.RemoveUser(r.Context(), username(r)); err != nil {
		models.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) password(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Hash string `json:"hash"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := h.ctl.SyncPassword(r.Context(), username(r), in.Hash); err != nil {
		models.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) simultaneousUse(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Base int `json:"base"`
	}
	if !decode(w, r, &in) {
		return
	}
	total, err := h.ctl.RecomputeSimultaneousUse(r.Context(), username(r), in.Base)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]int{"simultaneousUse": total})
}

func (h *HTTP) expiration(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := h.ctl.SetExpiration(r.Context(), username(r), in.ExpiresAt); err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"expiration": FormatExpiration(in.ExpiresAt)})
}

func (h *HTTP) cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.ctl.CleanupDuplicateRadChecks(r.Context(), username(r))
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (h *HTTP) cleanupAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.ctl.CleanupAllDuplicates(r.Context())
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (h *HTTP) verify(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Hash string `json:"hash"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := h.ctl.VerifyPasswordSync(r.Context(), username(r), in.Hash); err != nil {
		if errors.Is(err, apperr.ErrConsistency) {
			models.WriteProblem(w, http.StatusConflict, "Consistency Fault", apperr.Message(err), nil)
			return
		}
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]bool{"inSync": true})
}
