package pki

import (
	"net/http"

	"orbmesh/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct{ ca *Authority }

func NewHTTP(ca *Authority) *HTTP { return &HTTP{ca: ca} }

// RegisterRoutes — GET /api/v1/ca.pem (публичный, для trust pinning).
func (h *HTTP) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/ca.pem", h.caPEM).Methods(http.MethodGet)
}

func (h *HTTP) caPEM(w http.ResponseWriter, _ *http.Request) {
	pemStr, err := h.ca.CACertificatePEM()
	if err != nil {
		models.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="orbmesh-ca.crt"`)
	w.Header().Set("X-Orbmesh-CA-Fingerprint", h.ca.Fingerprint())
	_, _ = w.Write([]byte(pemStr))
}
