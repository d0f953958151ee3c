package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 12, cfg.Provision.BcryptCost)
	assert.Equal(t, 15*time.Minute, cfg.Provision.LockoutWindow)
	assert.Equal(t, "10.8.0.0/24", cfg.IPAM.DefaultCIDR)
	assert.False(t, cfg.IPAM.Reclaim)
	assert.Equal(t, 8443, cfg.Mesh.APIPort)
	assert.Equal(t, 10*time.Second, cfg.Mesh.RequestTimeout)
	assert.True(t, cfg.UsesDefaultDataKey())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orbmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: "9090"
ipam:
  default_cidr: 10.20.0.0/16
  reclaim: true
tunnel:
  mtu: 1380
`), 0o600))
	t.Setenv("ORBMESH_SERVER_ADMIN_TOKEN", "from-env")
	t.Setenv("ORBMESH_MESH_REQUEST_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.HTTPPort)
	assert.Equal(t, "from-env", cfg.Server.AdminToken)
	assert.Equal(t, "10.20.0.0/16", cfg.IPAM.DefaultCIDR)
	assert.True(t, cfg.IPAM.Reclaim)
	assert.Equal(t, 1380, cfg.Tunnel.MTU)
	assert.Equal(t, 3*time.Second, cfg.Mesh.RequestTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"bcrypt", func(c *Config) { c.Provision.BcryptCost = 3 }},
		{"batch", func(c *Config) { c.Provision.MaxBatch = 0 }},
		{"validity", func(c *Config) { c.CA.ValidityDays = 0 }},
		{"root bits", func(c *Config) { c.CA.RootKeyBits = 1024 }},
		{"production key", func(c *Config) { c.CA.Production = true }},
		{"mtu", func(c *Config) { c.Tunnel.MTU = 9000 }},
		{"dns", func(c *Config) { c.Tunnel.DNS = "not-an-ip" }},
		{"cidr", func(c *Config) { c.IPAM.DefaultCIDR = "10.0.0.0/31" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}
