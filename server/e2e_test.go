package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orbmesh/config"
	"orbmesh/internal/models"
	"orbmesh/internal/pki"
	"orbmesh/internal/provision"
	"orbmesh/internal/tunnel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const adminToken = "e2e-admin-token"

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	// готовый root на 2048 бит: генерация 4096 в тестах слишком медленная
	ca, err := pki.New(pki.Options{RootKeyBits: 2048})
	require.NoError(t, err)
	certPath, keyPath, err := ca.Save(t.TempDir())
	require.NoError(t, err)

	cfg.Server.AdminToken = adminToken
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "e2e.db") + "?_busy_timeout=5000"
	cfg.Provision.BcryptCost = 4
	cfg.CA.CertFile, cfg.CA.KeyFile = certPath, keyPath
	cfg.Geo.Enabled = false
	cfg.Security.JWTSigningSecret = "fleet-secret"
	// удалённые вызовы падают быстро и уходят в outbox
	cfg.Mesh.APIPort = 1
	cfg.Mesh.RequestTimeout = 200 * time.Millisecond
	cfg.Reconcile.DisableOnBoot = true
	cfg.Logging.Level = "error"

	a := &App{}
	require.NoError(t, a.Initialize(cfg))
	t.Cleanup(a.Stop)
	return a
}

type call struct {
	method, path, token string
	body                any
}

func (a *App) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if c.body != nil {
		b, err := json.Marshal(c.body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(c.method, c.path, rd)
	req.RemoteAddr = "198.51.100.7:40000"
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestEndToEnd_ProvisionAndTunnelLifecycle(t *testing.T) {
	a := newTestApp(t)

	// manufacture 3 devices
	rec := a.do(t, call{http.MethodPost, "/api/v1/devices/batches", adminToken,
		map[string]any{"count": 3, "model": "M1", "batch": "B1"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := decodeBody[struct {
		Devices []provision.ManufacturedDevice `json:"devices"`
	}](t, rec)
	require.Len(t, batch.Devices, 3)
	seen := map[string]bool{}
	for _, d := range batch.Devices {
		assert.False(t, seen[d.DeviceID])
		seen[d.DeviceID] = true
		assert.NotEmpty(t, d.Secret)
		assert.Equal(t, "B1", d.Batch)
	}
	dev := batch.Devices[0]

	// register #1
	regBody := provision.RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.5"}
	rec = a.do(t, call{method: http.MethodPost, path: "/controller/register/", body: regBody})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[provision.RegisterResult](t, rec)
	require.True(t, res.Success)
	require.NotZero(t, res.ServerID)
	require.NotEmpty(t, res.APIKey)
	assert.Equal(t, "fleet-secret", res.SigningSecret)
	assert.Equal(t, "203.0.113.5", res.Server.Endpoint)

	rec = a.do(t, call{http.MethodGet, "/api/v1/devices/" + dev.DeviceID, adminToken, nil})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.DeviceActivated, decodeBody[models.DeviceIdentity](t, rec).Status)

	// повторная регистрация
	rec = a.do(t, call{method: http.MethodPost, path: "/controller/register/", body: regBody})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, decodeBody[provision.RegisterResult](t, rec).Success)

	// сервер отчитывается своим ключом и сообщает WG pubkey
	srvKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	rec = a.do(t, call{http.MethodPost, fmt.Sprintf("/api/v1/servers/%d/heartbeat", res.ServerID), res.APIKey,
		map[string]any{"currentConnections": 1, "wireguardPublicKey": srvKey.PublicKey().String()}})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	// bundle тем же ключом
	rec = a.do(t, call{http.MethodGet, "/controller/bundle/" + dev.DeviceID + "/", res.APIKey, nil})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Orbmesh-Archive-Sha256"), 64)

	// WireGuard для U1
	user := map[string]string{"userUuid": "8f14e45f-ceea-4e7a-9d3c-0d1f2e3a4b5c", "username": "U1"}
	tunnelPath := fmt.Sprintf("/api/v1/tunnels/wireguard/%d", res.ServerID)

	rec = a.do(t, call{http.MethodPost, tunnelPath, adminToken, user})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[tunnel.Allocation](t, rec)
	require.NotNil(t, first.WireGuard)
	assert.Equal(t, "10.8.0.2/32", first.WireGuard.Address)
	assert.NotEmpty(t, first.Token)

	rec = a.do(t, call{http.MethodPost, tunnelPath, adminToken, user})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[tunnel.Allocation](t, rec)
	assert.Equal(t, first.WireGuard.Address, again.WireGuard.Address)
	assert.Equal(t, first.WireGuard.PublicKey, again.WireGuard.PublicKey)

	rec = a.do(t, call{http.MethodDelete, tunnelPath + "?user=" + user["userUuid"], adminToken, nil})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, call{http.MethodGet, "/api/v1/users/" + user["userUuid"] + "/tunnels", adminToken, nil})
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[tunnel.UserTunnels](t, rec)
	require.Len(t, listed.WireGuard, 1)
	assert.False(t, listed.WireGuard[0].Active)

	rec = a.do(t, call{http.MethodPost, tunnelPath, adminToken, user})
	require.Equal(t, http.StatusOK, rec.Code)
	back := decodeBody[tunnel.Allocation](t, rec)
	assert.Equal(t, tunnel.StatusReactivated, back.Status)
	assert.Equal(t, first.WireGuard.Address, back.WireGuard.Address)
	assert.Equal(t, first.WireGuard.PublicKey, back.WireGuard.PublicKey)

	rec = a.do(t, call{http.MethodGet, fmt.Sprintf("/api/v1/ipam/pools/%d", res.ServerID), adminToken, nil})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cidr":"10.8.0.0/24"`)

	// сервер недоступен: add/remove ушли в outbox
	rec = a.do(t, call{http.MethodGet, "/api/v1/outbox?status=pending", adminToken, nil})
	require.Equal(t, http.StatusOK, rec.Code)
	queued := decodeBody[[]models.OutboxItem](t, rec)
	assert.NotEmpty(t, queued)
}

func TestEndToEnd_AuthBoundaries(t *testing.T) {
	a := newTestApp(t)

	assert.Equal(t, http.StatusOK, a.do(t, call{method: http.MethodGet, path: "/healthz"}).Code)
	assert.Equal(t, http.StatusOK, a.do(t, call{method: http.MethodGet, path: "/readyz"}).Code)

	rec := a.do(t, call{method: http.MethodGet, path: "/api/v1/ca.pem"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "-----BEGIN CERTIFICATE-----"))
	assert.Equal(t, a.CA.Fingerprint(), rec.Header().Get("X-Orbmesh-CA-Fingerprint"))

	assert.Equal(t, http.StatusUnauthorized, a.do(t, call{method: http.MethodGet, path: "/api/v1/servers"}).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, call{http.MethodGet, "/api/v1/servers", "wrong", nil}).Code)
	assert.Equal(t, http.StatusOK, a.do(t, call{http.MethodGet, "/api/v1/servers", adminToken, nil}).Code)

	// admin-токен не заменяет ключ сервера
	rec = a.do(t, call{http.MethodPost, "/api/v1/servers/1/heartbeat", adminToken, map[string]int{}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, call{http.MethodGet, "/metrics", "", nil})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orbmesh_http_requests_total")
}
