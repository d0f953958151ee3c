package meshsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"orbmesh/internal/middleware"
	"orbmesh/internal/models"

	"github.com/gorilla/mux"
)

type ctxKey struct{}

// ServerFromContext — сервер, аутентифицированный AuthMW.
func ServerFromContext(ctx context.Context) (*models.MeshServer, bool) {
	s, ok := ctx.Value(ctxKey{}).(*models.MeshServer)
	return s, ok
}

// AuthMW — Authorization: Bearer <api key сервера>.
func (r *Registry) AuthMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s, err := r.Authenticate(req.Context(), middleware.BearerToken(req))
		if err != nil {
			models.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), ctxKey{}, s)))
	})
}

type HTTP struct{ reg *Registry }

func NewHTTP(r *Registry) *HTTP { return &HTTP{reg: r} }

// RegisterRoutes — admin (router уже под /api/v1 и admin-auth).
func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/servers").Subrouter()
	api.HandleFunc("", h.register).Methods(http.MethodPost)
	api.HandleFunc("", h.list).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{id}/rotate-key", h.rotateKey).Methods(http.MethodPost)
}

// RegisterNodeRoutes — маршруты, вызываемые самим mesh-сервером (router под /api/v1 и AuthMW).
func (h *HTTP) RegisterNodeRoutes(r *mux.Router) {
	r.HandleFunc("/servers/{id}/heartbeat", h.heartbeat).Methods(http.MethodPost)
}

func parseID(r *http.Request) (uint, bool) {
	idU, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || idU == 0 {
		return 0, false
	}
	return uint(idU), true
}

func (h *HTTP) register(w http.ResponseWriter, r *http.Request) {
	var in RegisterServerRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	s, key, err := h.reg.Register(r.Context(), in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]any{
		"server":        s,
		"apiKey":        key,
		"signingSecret": h.reg.SigningSecret(),
	})
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	out, err := h.reg.List(r.Context())
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid server id", nil)
		return
	}
	s, err := h.reg.Get(r.Context(), id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, s)
}

func (h *HTTP) rotateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid server id", nil)
		return
	}
	key, err := h.reg.RotateAPIKey(r.Context(), id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"apiKey": key})
}

func (h *HTTP) heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid server id", nil)
		return
	}
	self, _ := ServerFromContext(r.Context())
	if self == nil || self.ID != id {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "api key does not belong to this server", nil)
		return
	}
	var m Metrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if err := h.reg.Heartbeat(r.Context(), id, m); err != nil {
		models.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
