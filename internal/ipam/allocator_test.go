package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"orbmesh/internal/apperr"
	"orbmesh/internal/testutil"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateIP_Sequential(t *testing.T) {
	a := NewAllocator(testutil.OpenDB(t), Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ip, err := a.AllocateIP(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("10.8.0.%d", i+2), ip)
	}

	p, err := a.GetPool(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.0/24", p.CIDR)
	assert.Equal(t, "10.8.0.1", p.GatewayIP)
	assert.Equal(t, "10.8.0.7", p.NextAvailableIP)
	assert.Equal(t, 5, p.Allocated)

	// пулы серверов независимы
	ip, err := a.AllocateIP(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", ip)
}

func TestAllocateIP_ConcurrentUnique(t *testing.T) {
	a := NewAllocator(testutil.OpenDB(t), Options{})
	const n = 40

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[string]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, err := a.AllocateIP(context.Background(), 7)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got[ip]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, got, n)
	for ip, c := range got {
		assert.Equal(t, 1, c, ip)
	}
}

func TestAllocateIP_Exhaustion(t *testing.T) {
	a := NewAllocator(testutil.OpenDB(t), Options{DefaultCIDR: "192.168.50.0/29"})
	ctx := context.Background()

	// /29: .0 network, .1 gateway, .2-.6 hosts, .7 broadcast
	for i := 2; i <= 6; i++ {
		ip, err := a.AllocateIP(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("192.168.50.%d", i), ip)
	}
	_, err := a.AllocateIP(ctx, 1)
	assert.True(t, errors.Is(err, ErrPoolExhausted))
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	// retain: release ничего не возвращает
	require.NoError(t, a.ReleaseIP(ctx, 1, "192.168.50.3"))
	_, err = a.AllocateIP(ctx, 1)
	assert.True(t, errors.Is(err, ErrPoolExhausted))
}

func TestReclaimPolicy(t *testing.T) {
	a := NewAllocator(testutil.OpenDB(t), Options{DefaultCIDR: "10.9.0.0/30", Reclaim: true})
	ctx := context.Background()

	ip, err := a.AllocateIP(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "10.9.0.2", ip)
	_, err = a.AllocateIP(ctx, 3)
	require.True(t, errors.Is(err, ErrPoolExhausted))

	require.NoError(t, a.ReleaseIP(ctx, 3, ip))
	require.NoError(t, a.ReleaseIP(ctx, 3, ip), "double release is idempotent")
	p, err := a.GetPool(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Allocated)

	claimed, err := a.ClaimIP(ctx, 3, ip)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = a.ClaimIP(ctx, 3, ip)
	require.NoError(t, err)
	assert.False(t, claimed, "already owned")

	require.NoError(t, a.ReleaseIP(ctx, 3, ip))
	again, err := a.AllocateIP(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ip, again, "free list is used after the cursor runs out")

	assert.True(t, errors.Is(a.ReleaseIP(ctx, 3, "10.1.1.1"), apperr.ErrBadRequest))
}

func TestClaimIP_RetainAlwaysOwned(t *testing.T) {
	a := NewAllocator(testutil.OpenDB(t), Options{})
	ok, err := a.ClaimIP(context.Background(), 1, "10.8.0.2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConfigurePool(t *testing.T) {
	a := NewAllocator(testutil.OpenDB(t), Options{})
	ctx := context.Background()

	_, err := a.ConfigurePool(ctx, 1, "bogus")
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	_, err = a.ConfigurePool(ctx, 1, "10.0.0.0/31")
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	p, err := a.ConfigurePool(ctx, 1, "172.16.4.0/24")
	require.NoError(t, err)
	assert.Equal(t, "172.16.4.2", p.NextAvailableIP)

	p, err = a.ConfigurePool(ctx, 1, "172.16.8.0/22")
	require.NoError(t, err)
	assert.Equal(t, "172.16.8.1", p.GatewayIP)

	ip, err := a.AllocateIP(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "172.16.8.2", ip)

	_, err = a.ConfigurePool(ctx, 1, "10.20.0.0/24")
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
}

func TestHTTP_Pools(t *testing.T) {
	a := NewAllocator(testutil.OpenDB(t), Options{})
	r := mux.NewRouter()
	NewHTTP(a).RegisterRoutes(r.PathPrefix("/api/v1").Subrouter())

	do := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/api/v1/ipam/pools/5", "").Code)

	rec := do(http.MethodPut, "/api/v1/ipam/pools/5", `{"cidr":"10.50.0.0/24"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"netmask":"255.255.255.0"`)

	rec = do(http.MethodGet, "/api/v1/ipam/pools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.50.0.0/24")

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/api/v1/ipam/pools/x", `{"cidr":"10.0.0.0/24"}`).Code)
}
