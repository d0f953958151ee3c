package outbox

import (
	"net/http"
	"strconv"
	"strings"

	"orbmesh/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct {
	store *Store
	rec   *Reconciler
}

func NewHTTP(store *Store, rec *Reconciler) *HTTP { return &HTTP{store: store, rec: rec} }

// RegisterRoutes — router уже под /api/v1 и admin-auth.
func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/outbox").Subrouter()
	api.HandleFunc("", h.list).Methods(http.MethodGet)
	if h.rec != nil {
		api.HandleFunc("/reconcile", h.reconcile).Methods(http.MethodPost)
	}
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	items, err := h.store.List(r.Context(), strings.ToLower(strings.TrimSpace(q.Get("status"))), limit)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, items)
}

// reconcile — ручной запуск сверки, не дожидаясь cron.
func (h *HTTP) reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.rec.Run(r.Context())
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, rep)
}
