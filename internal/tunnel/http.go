package tunnel

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"orbmesh/internal/models"
	"orbmesh/internal/policy"

	"github.com/gorilla/mux"
)

type HTTP struct{ alloc *Allocator }

func NewHTTP(a *Allocator) *HTTP { return &HTTP{alloc: a} }

// RegisterRoutes — router уже под /api/v1 и admin-auth; вызывающий действует от имени пользователя.
func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/tunnels/{proto}/{serverId}").Subrouter()
	api.HandleFunc("", h.allocate).Methods(http.MethodPost)
	api.HandleFunc("", h.revoke).Methods(http.MethodDelete)
	api.HandleFunc("/sync", h.sync).Methods(http.MethodPost)
	api.HandleFunc("/export", h.export).Methods(http.MethodGet)

	r.HandleFunc("/users/{userUuid}/tunnels", h.listForUser).Methods(http.MethodGet)
}

func target(r *http.Request) (string, uint, bool) {
	v := mux.Vars(r)
	idU, err := strconv.ParseUint(v["serverId"], 10, 64)
	if err != nil || idU == 0 {
		return "", 0, false
	}
	return v["proto"], uint(idU), true
}

func badTarget(w http.ResponseWriter) {
	models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid server id", nil)
}

// POST /api/v1/tunnels/{proto}/{serverId}  {userUuid, username}
func (h *HTTP) allocate(w http.ResponseWriter, r *http.Request) {
	proto, id, ok := target(r)
	if !ok {
		badTarget(w)
		return
	}
	var u policy.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	out, err := h.alloc.GetOrCreateConfig(r.Context(), proto, u, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if out.Status == StatusCreated {
		status = http.StatusCreated
	}
	w.Header().Set("Cache-Control", "no-store")
	models.WriteJSON(w, status, out)
}

// DELETE /api/v1/tunnels/{proto}/{serverId}?user=
func (h *HTTP) revoke(w http.ResponseWriter, r *http.Request) {
	proto, id, ok := target(r)
	if !ok {
		badTarget(w)
		return
	}
	u := policy.User{UUID: strings.TrimSpace(r.URL.Query().Get("user"))}
	found, err := h.alloc.RevokeConfig(r.Context(), proto, u, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	if !found {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "no config for user on this server", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/tunnels/{proto}/{serverId}/sync  {userUuid, username, publicKey?, privateKey?, allocatedIp?, vlessUuid?}
func (h *HTTP) sync(w http.ResponseWriter, r *http.Request) {
	proto, id, ok := target(r)
	if !ok {
		badTarget(w)
		return
	}
	var in struct {
		policy.User
		Material
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	out, err := h.alloc.SyncConfig(r.Context(), proto, in.User, id, in.Material)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

// GET /api/v1/tunnels/{proto}/{serverId}/export?user=
func (h *HTTP) export(w http.ResponseWriter, r *http.Request) {
	proto, id, ok := target(r)
	if !ok {
		badTarget(w)
		return
	}
	u := policy.User{UUID: strings.TrimSpace(r.URL.Query().Get("user"))}
	out, err := h.alloc.Export(r.Context(), proto, u, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if r.URL.Query().Get("format") == "raw" && out.Config != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename="+out.Filename)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out.Config))
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) listForUser(w http.ResponseWriter, r *http.Request) {
	out, err := h.alloc.ListForUser(r.Context(), mux.Vars(r)["userUuid"])
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}
