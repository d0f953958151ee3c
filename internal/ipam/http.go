package ipam

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"orbmesh/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct{ alloc *Allocator }

func NewHTTP(a *Allocator) *HTTP { return &HTTP{alloc: a} }

// RegisterRoutes — router уже под /api/v1 и admin-auth.
func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/ipam").Subrouter()

	// GET /api/v1/ipam/pools
	api.HandleFunc("/pools", h.list).Methods(http.MethodGet)
	// GET /api/v1/ipam/pools/{serverId}
	api.HandleFunc("/pools/{serverId}", h.get).Methods(http.MethodGet)
	// PUT /api/v1/ipam/pools/{serverId}  { cidr }
	api.HandleFunc("/pools/{serverId}", h.configure).Methods(http.MethodPut)
}

type poolView struct {
	models.IPPool
	Netmask     string `json:"netmask"`
	FirstUsable string `json:"firstUsable"`
}

func view(p models.IPPool) poolView {
	v := poolView{IPPool: p}
	if _, nw, err := net.ParseCIDR(p.CIDR); err == nil {
		v.Netmask = net.IP(nw.Mask).String()
		v.FirstUsable = firstUsableIPv4(nw)
	}
	return v
}

func serverID(r *http.Request) (uint, bool) {
	idU, err := strconv.ParseUint(mux.Vars(r)["serverId"], 10, 64)
	if err != nil || idU == 0 {
		return 0, false
	}
	return uint(idU), true
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	ps, err := h.alloc.ListPools(r.Context())
	if err != nil {
		models.WriteError(w, err)
		return
	}
	out := make([]poolView, 0, len(ps))
	for _, p := range ps {
		out = append(out, view(p))
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	id, ok := serverID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid server id", nil)
		return
	}
	p, err := h.alloc.GetPool(r.Context(), id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, view(*p))
}

func (h *HTTP) configure(w http.ResponseWriter, r *http.Request) {
	id, ok := serverID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid server id", nil)
		return
	}
	var in struct {
		CIDR string `json:"cidr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.CIDR == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", "need {cidr}", nil)
		return
	}
	p, err := h.alloc.ConfigurePool(r.Context(), id, in.CIDR)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, view(*p))
}

// firstUsableIPv4 — network + 1 (gateway)
func firstUsableIPv4(nw *net.IPNet) string {
	ip := nw.IP.To4()
	if ip == nil {
		return ""
	}
	return uintToIP4(ip4ToUint(ip) + 1).String()
}
