package provision

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/geo"
	"orbmesh/internal/meshsrv"
	"orbmesh/internal/models"
	"orbmesh/internal/repo"
	"orbmesh/internal/secretbox"
	"orbmesh/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestRegistry(t *testing.T, o Options) *Registry {
	t.Helper()
	d := testutil.OpenDB(t)
	box, err := secretbox.New("test-data-key")
	require.NoError(t, err)
	servers := meshsrv.NewRegistry(d, box, meshsrv.Options{SigningSecret: "fleet-secret"})
	if o.BcryptCost == 0 {
		o.BcryptCost = bcrypt.MinCost
	}
	return NewRegistry(d, servers, geo.Static{Region: "Hesse", Country: "DE"}, o)
}

func manufactureOne(t *testing.T, r *Registry, fp ...string) ManufacturedDevice {
	t.Helper()
	devs, err := r.GenerateDeviceIdentities(context.Background(), 1, "OM-1", "B-1", fp)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	return devs[0]
}

func countServers(t *testing.T, r *Registry) int64 {
	t.Helper()
	var n int64
	require.NoError(t, r.db.Model(&models.MeshServer{}).Count(&n).Error)
	return n
}

func TestGenerateDeviceIdentities(t *testing.T) {
	r := newTestRegistry(t, Options{})
	devs, err := r.GenerateDeviceIdentities(context.Background(), 25, "OM-1", "B-2026-01", nil)
	require.NoError(t, err)
	require.Len(t, devs, 25)

	seen := map[string]bool{}
	for _, d := range devs {
		assert.True(t, ValidDeviceID(d.DeviceID), d.DeviceID)
		assert.False(t, seen[d.DeviceID], "duplicate id %s", d.DeviceID)
		seen[d.DeviceID] = true
		assert.Len(t, d.Secret, 43)

		stored, err := r.GetDevice(context.Background(), d.DeviceID)
		require.NoError(t, err)
		assert.Equal(t, models.DevicePending, stored.Status)
		assert.Equal(t, "B-2026-01", stored.ManufacturingBatch)
		assert.NotEqual(t, d.Secret, stored.SecretHash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(d.Secret)))
	}

	list, err := r.ListDevices(context.Background(), repo.ListFilter{Batch: "B-2026-01"})
	require.NoError(t, err)
	assert.Len(t, list, 25)
}

func TestGenerateDeviceIdentities_Bounds(t *testing.T) {
	r := newTestRegistry(t, Options{MaxBatch: 10})
	for _, n := range []int{0, -1, 11} {
		_, err := r.GenerateDeviceIdentities(context.Background(), n, "m", "b", nil)
		assert.True(t, errors.Is(err, apperr.ErrBadRequest), "count=%d", n)
	}
	_, err := r.GenerateDeviceIdentities(context.Background(), 2, "m", "b", []string{"only-one"})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
}

func TestGenerateDeviceIdentities_IDCollisionsGiveUp(t *testing.T) {
	r := newTestRegistry(t, Options{})
	// нулевой источник всегда даёт OM-YYYY-AAAAAA
	r.rand = bytes.NewReader(make([]byte, 6*1000))
	_, err := r.GenerateDeviceIdentities(context.Background(), 2, "m", "b", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded")
}

func TestRegisterDevice_ActivatesOnce(t *testing.T) {
	r := newTestRegistry(t, Options{})
	dev := manufactureOne(t, r)
	ctx := context.Background()

	res, err := r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.7", DeviceName: "kitchen"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.APIKey)
	assert.Equal(t, "fleet-secret", res.SigningSecret)
	assert.Equal(t, "DE", res.Server.Country)
	assert.Equal(t, "203.0.113.7", res.Server.Endpoint)
	assert.Equal(t, "kitchen", res.Server.Name)

	stored, err := r.GetDevice(ctx, dev.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceActivated, stored.Status)
	require.NotNil(t, stored.MeshServerID)
	assert.Equal(t, res.ServerID, *stored.MeshServerID)
	assert.NotNil(t, stored.ActivatedAt)

	_, err = r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.7"})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	assert.Equal(t, "device already activated", apperr.Message(err))
	assert.EqualValues(t, 1, countServers(t, r), "second registration must not create a server")
}

func TestRegisterDevice_ConcurrentActivation(t *testing.T) {
	r := newTestRegistry(t, Options{})
	dev := manufactureOne(t, r)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RegisterDevice(context.Background(), RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "198.51.100.4"}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.EqualValues(t, 1, countServers(t, r))
}

func TestRegisterDevice_UniformRejection(t *testing.T) {
	r := newTestRegistry(t, Options{})
	dev := manufactureOne(t, r)
	ctx := context.Background()

	_, errUnknown := r.RegisterDevice(ctx, RegisterRequest{DeviceID: "OM-2026-ZZZZZZ", DeviceSecret: "x", PublicIP: "203.0.113.7"})
	_, errWrong := r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: "wrong", PublicIP: "203.0.113.7"})

	require.Error(t, errUnknown)
	require.Error(t, errWrong)
	assert.True(t, errors.Is(errUnknown, apperr.ErrUnauthorized))
	assert.True(t, errors.Is(errWrong, apperr.ErrUnauthorized))
	assert.Equal(t, apperr.Message(errUnknown), apperr.Message(errWrong))
	assert.Equal(t, MsgInvalidCredentials, apperr.Message(errWrong))

	stored, err := r.GetDevice(ctx, dev.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.DevicePending, stored.Status)
	assert.Equal(t, 1, stored.FailedAttempts)
	assert.NotNil(t, stored.LastAttemptAt)
	assert.Zero(t, countServers(t, r))
}

func TestRegisterDevice_InvalidPublicIP(t *testing.T) {
	r := newTestRegistry(t, Options{})
	dev := manufactureOne(t, r)
	_, err := r.RegisterDevice(context.Background(), RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "not-an-ip"})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
}

func TestRegisterDevice_Fingerprint(t *testing.T) {
	r := newTestRegistry(t, Options{})
	dev := manufactureOne(t, r, "hw-123")
	ctx := context.Background()

	_, err := r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.7", HardwareFingerprint: "hw-999"})
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
	assert.Equal(t, MsgInvalidCredentials, apperr.Message(err))

	_, err = r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.7", HardwareFingerprint: "hw-123"})
	assert.NoError(t, err)
}

func TestRegisterDevice_Lockout(t *testing.T) {
	r := newTestRegistry(t, Options{MaxFailedAttempts: 3, LockoutWindow: 10 * time.Minute})
	dev := manufactureOne(t, r)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		_, err := r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: "nope", PublicIP: "203.0.113.7"})
		require.True(t, errors.Is(err, apperr.ErrUnauthorized))
	}

	// даже верный секрет отклоняется внутри окна
	_, err := r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.7"})
	assert.True(t, errors.Is(err, apperr.ErrRateLimited))

	r.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, err = r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.7"})
	assert.NoError(t, err)
}

func TestRevokeDevice(t *testing.T) {
	r := newTestRegistry(t, Options{})
	dev := manufactureOne(t, r)
	ctx := context.Background()

	res, err := r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.7"})
	require.NoError(t, err)

	require.NoError(t, r.RevokeDevice(ctx, dev.DeviceID, "stolen", "ops"))

	stored, err := r.GetDevice(ctx, dev.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRevoked, stored.Status)
	assert.Equal(t, "ops", stored.RevokedBy)
	assert.Equal(t, "stolen", stored.RevokeReason)

	s, err := r.servers.Get(ctx, res.ServerID)
	require.NoError(t, err)
	assert.False(t, s.Enabled, "linked server is disabled")

	_, err = r.servers.Authenticate(ctx, res.APIKey)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	err = r.RevokeDevice(ctx, dev.DeviceID, "again", "ops")
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	_, err = r.RegisterDevice(ctx, RegisterRequest{DeviceID: dev.DeviceID, DeviceSecret: dev.Secret, PublicIP: "203.0.113.7"})
	assert.Equal(t, "device revoked", apperr.Message(err))

	assert.True(t, errors.Is(r.RevokeDevice(ctx, "OM-2026-NOPE22", "", "ops"), apperr.ErrNotFound))
}

func TestListDevices_UnknownStatus(t *testing.T) {
	r := newTestRegistry(t, Options{})
	_, err := r.ListDevices(context.Background(), repo.ListFilter{Status: "BROKEN"})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
}
