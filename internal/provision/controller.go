package provision

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/logs"
	"orbmesh/internal/meshsrv"
	"orbmesh/internal/models"
	"orbmesh/internal/pki"
	"orbmesh/internal/repo"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
)

/*
Device-facing endpoints:

POST /controller/register/             (JSON RegisterRequest, rate-limited per IP)
GET  /controller/bundle/{deviceId}/    (Authorization: Bearer <server api key>)

All responses carry header X-Orbmesh-Controller: true
*/

type Controller struct {
	reg     *Registry
	servers *meshsrv.Registry
	ca      *pki.Authority
	// лимит /register/ с одного IP в минуту
	registerPerMinute int
}

func NewController(reg *Registry, servers *meshsrv.Registry, ca *pki.Authority, registerPerMinute int) *Controller {
	if registerPerMinute <= 0 {
		registerPerMinute = 30
	}
	return &Controller{reg: reg, servers: servers, ca: ca, registerPerMinute: registerPerMinute}
}

func controllerHeaderMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Orbmesh-Controller", "true")
		next.ServeHTTP(w, r)
	})
}

// RegisterRoutes — device-facing маршруты на корневом роутере.
func (c *Controller) RegisterRoutes(root *mux.Router) {
	sub := root.PathPrefix("/controller").Subrouter()
	sub.Use(controllerHeaderMW)

	sub.HandleFunc("/", c.handleRoot).Methods(http.MethodGet, http.MethodHead)
	sub.Handle("/register/", httprate.LimitByIP(c.registerPerMinute, time.Minute)(http.HandlerFunc(c.handleRegister))).
		Methods(http.MethodPost)
	sub.Handle("/bundle/{deviceId}/", c.servers.AuthMW(http.HandlerFunc(c.handleBundle))).
		Methods(http.MethodGet)
}

func (c *Controller) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// POST /controller/register/
func (c *Controller) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in RegisterRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	if err := dec.Decode(&in); err != nil {
		models.WriteJSON(w, http.StatusBadRequest, RegisterResult{Success: false, Message: "invalid request body"})
		return
	}
	if strings.TrimSpace(in.PublicIP) == "" {
		in.PublicIP = remoteIP(r)
	}

	res, err := c.reg.RegisterDevice(r.Context(), in)
	if err != nil {
		st := apperr.Status(err)
		msg := apperr.Message(err)
		if st == http.StatusInternalServerError {
			logs.Component("provision").WithError(err).Error("device registration failed")
			msg = "registration failed"
		}
		models.WriteJSON(w, st, RegisterResult{Success: false, Message: msg})
		return
	}
	models.WriteJSON(w, http.StatusCreated, res)
}

// GET /controller/bundle/{deviceId}/ — сертификат устройства + CA + метаданные сервера.
func (c *Controller) handleBundle(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	srv, _ := meshsrv.ServerFromContext(r.Context())

	dev, err := c.reg.GetDevice(r.Context(), deviceID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	if srv == nil || dev.MeshServerID == nil || *dev.MeshServerID != srv.ID {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "api key does not belong to this device", nil)
		return
	}
	if dev.Status != models.DeviceActivated {
		models.WriteProblem(w, http.StatusConflict, "Conflict", "device is not active", map[string]string{"status": string(dev.Status)})
		return
	}

	cert, err := c.ca.IssueCertificate(dev.DeviceID, srv.Endpoint, r.URL.Query().Get("hostname"))
	if err != nil {
		models.WriteError(w, err)
		return
	}
	files, err := bundleFiles(dev, srv, cert)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	tgz, err := deterministicTarGz(files)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	// каждый запрос выпускает новый ключ и серийный номер: ETag не имеет смысла,
	// sha256 — только контроль целостности этого ответа
	sum := sha256.Sum256(tgz)

	w.Header().Set("X-Orbmesh-Archive-Sha256", hex.EncodeToString(sum[:]))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename=device-bundle.tar.gz")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tgz)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─────────────────────────── admin ───────────────────────────

type AdminHTTP struct{ reg *Registry }

func NewAdminHTTP(reg *Registry) *AdminHTTP { return &AdminHTTP{reg: reg} }

// RegisterRoutes — router уже под /api/v1 и admin-auth.
func (h *AdminHTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/devices").Subrouter()
	api.HandleFunc("/batches", h.manufacture).Methods(http.MethodPost)
	api.HandleFunc("", h.list).Methods(http.MethodGet)
	api.HandleFunc("/{deviceId}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{deviceId}/revoke", h.revoke).Methods(http.MethodPost)
}

type manufactureRequest struct {
	Count                int      `json:"count"`
	Model                string   `json:"model"`
	Batch                string   `json:"batch"`
	HardwareFingerprints []string `json:"hardwareFingerprints,omitempty"`
}

// POST /api/v1/devices/batches — JSON, либо CSV при Accept: text/csv.
func (h *AdminHTTP) manufacture(w http.ResponseWriter, r *http.Request) {
	var in manufactureRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	devs, err := h.reg.GenerateDeviceIdentities(r.Context(), in.Count, strings.TrimSpace(in.Model), strings.TrimSpace(in.Batch), in.HardwareFingerprints)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if strings.Contains(r.Header.Get("Accept"), "text/csv") {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = WriteCSV(w, devs)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]any{"devices": devs})
}

// WriteCSV — device_id,secret,model,batch,hardware_fingerprint.
func WriteCSV(w interface{ Write([]byte) (int, error) }, devs []ManufacturedDevice) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"device_id", "secret", "model", "batch", "hardware_fingerprint"}); err != nil {
		return err
	}
	for _, d := range devs {
		fp := ""
		if d.HardwareFingerprint != nil {
			fp = *d.HardwareFingerprint
		}
		if err := cw.Write([]string{d.DeviceID, d.Secret, d.Model, d.Batch, fp}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (h *AdminHTTP) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := h.reg.ListDevices(r.Context(), repo.ListFilter{
		Batch:  q.Get("batch"),
		Status: models.DeviceStatus(strings.ToUpper(q.Get("status"))),
	})
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *AdminHTTP) get(w http.ResponseWriter, r *http.Request) {
	dev, err := h.reg.GetDevice(r.Context(), mux.Vars(r)["deviceId"])
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, dev)
}

func (h *AdminHTTP) revoke(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if in.Actor == "" {
		in.Actor = "admin"
	}
	if err := h.reg.RevokeDevice(r.Context(), mux.Vars(r)["deviceId"], in.Reason, in.Actor); err != nil {
		models.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
