package meshsrv

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/models"
	"orbmesh/internal/secretbox"
	"orbmesh/internal/testutil"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	box, err := secretbox.New("test-data-key")
	require.NoError(t, err)
	return NewRegistry(testutil.OpenDB(t), box, Options{SigningSecret: "shared-jwt", HeartbeatTimeout: time.Minute})
}

func TestCreateForDevice(t *testing.T) {
	r := newRegistry(t)
	s, key, err := r.CreateForDevice(r.db, DeviceServerSpec{DeviceID: "OM-2026-ABCDEF", PublicIP: "203.0.113.5", Region: "Hesse", Country: "DE"})
	require.NoError(t, err)

	assert.Equal(t, "OM-2026-ABCDEF", s.Name, "name falls back to device id")
	assert.Equal(t, "203.0.113.5", s.Endpoint)
	assert.Equal(t, DefaultMaxConnections, s.MaxConnections)
	assert.True(t, s.Supports(models.ProtoWireGuard))
	assert.True(t, s.Supports(models.ProtoVless))
	assert.True(t, s.Enabled)
	assert.Len(t, key, 64)

	// ключ хранится только зашифрованным и хэшем
	assert.NotContains(t, s.APIKeyEnc, key)
	assert.Equal(t, secretbox.Hash(key), s.APIKeyHash)
	plain, err := r.APIKey(s)
	require.NoError(t, err)
	assert.Equal(t, key, plain)
	assert.Equal(t, "shared-jwt", r.SigningSecret())
}

func TestRegister_Validation(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.Register(context.Background(), RegisterServerRequest{Name: "x"})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	_, _, err = r.Register(context.Background(), RegisterServerRequest{Name: "x", Endpoint: "h", Protocols: []string{"openvpn"}})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	s, _, err := r.Register(context.Background(), RegisterServerRequest{Name: "fra-1", Endpoint: "fra.example.net", Protocols: []string{"WireGuard"}})
	require.NoError(t, err)
	assert.Equal(t, "wireguard", s.Protocols)
	assert.False(t, s.Online)
}

func TestAuthenticateAndRotate(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	s, key, err := r.Register(ctx, RegisterServerRequest{Name: "a", Endpoint: "a.example.net"})
	require.NoError(t, err)

	got, err := r.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = r.Authenticate(ctx, "wrong")
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	newKey, err := r.RotateAPIKey(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, key, newKey)
	_, err = r.Authenticate(ctx, key)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized), "old key revoked")
	_, err = r.Authenticate(ctx, newKey)
	require.NoError(t, err)

	require.NoError(t, r.Disable(r.db, s.ID))
	_, err = r.Authenticate(ctx, newKey)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized), "disabled server rejected")
}

func TestHeartbeatAndSweep(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	s, _, err := r.Register(ctx, RegisterServerRequest{Name: "a", Endpoint: "a.example.net"})
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(ctx, s.ID, Metrics{CurrentConnections: 7, CPUPercent: 12.5, MemPercent: 40, WireGuardPublicKey: "pub"}))
	got, err := r.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.Equal(t, 7, got.CurrentConnections)
	assert.Equal(t, "pub", got.WireGuardPublicKey)

	n, err := r.SweepOffline(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = r.SweepOffline(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, _ = r.Get(ctx, s.ID)
	assert.False(t, got.Online)

	err = r.Heartbeat(ctx, 9999, Metrics{})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = r.Get(ctx, 9999)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestHTTP_HeartbeatRequiresOwnKey(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	a, keyA, err := r.Register(ctx, RegisterServerRequest{Name: "a", Endpoint: "a.example.net"})
	require.NoError(t, err)
	b, _, err := r.Register(ctx, RegisterServerRequest{Name: "b", Endpoint: "b.example.net"})
	require.NoError(t, err)

	root := mux.NewRouter()
	node := root.PathPrefix("/api/v1").Subrouter()
	node.Use(r.AuthMW)
	NewHTTP(r).RegisterNodeRoutes(node)

	do := func(id uint, key string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/servers/"+strconv.FormatUint(uint64(id), 10)+"/heartbeat", bytes.NewBufferString(`{"currentConnections":3}`))
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		root.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, do(a.ID, keyA))
	assert.Equal(t, http.StatusForbidden, do(b.ID, keyA))
	assert.Equal(t, http.StatusUnauthorized, do(a.ID, ""))
	assert.Equal(t, http.StatusUnauthorized, do(a.ID, "bogus"))
}
