package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"orbmesh/internal/varschema"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Security  SecurityConfig  `mapstructure:"security"`
	Provision ProvisionConfig `mapstructure:"provision"`
	CA        CAConfig        `mapstructure:"ca"`
	IPAM      IPAMConfig      `mapstructure:"ipam"`
	Mesh      MeshConfig      `mapstructure:"mesh"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Geo       GeoConfig       `mapstructure:"geo"`
}

type ServerConfig struct {
	Address    string `mapstructure:"address"`
	HTTPPort   string `mapstructure:"http_port"`
	AdminToken string `mapstructure:"admin_token"`
	// лимит запросов на /controller/register/ с одного IP в минуту
	RegisterRatePerMinute int `mapstructure:"register_rate_per_minute"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	LogSQL bool   `mapstructure:"log_sql"`
}

type SecurityConfig struct {
	// ключ шифрования API-ключей mesh-серверов в БД
	DataKey string `mapstructure:"data_key"`
	// общий для всех mesh-серверов секрет подписи JWT
	JWTSigningSecret   string        `mapstructure:"jwt_signing_secret"`
	ConnectionTokenTTL time.Duration `mapstructure:"connection_token_ttl"`
}

type ProvisionConfig struct {
	BcryptCost        int           `mapstructure:"bcrypt_cost"`
	MaxFailedAttempts int           `mapstructure:"max_failed_attempts"`
	LockoutWindow     time.Duration `mapstructure:"lockout_window"`
	MaxBatch          int           `mapstructure:"max_batch"`
}

type CAConfig struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	CertPEM      string `mapstructure:"cert_pem"`
	KeyPEM       string `mapstructure:"key_pem"`
	ValidityDays int    `mapstructure:"validity_days"`
	Production   bool   `mapstructure:"production"`
	RootKeyBits  int    `mapstructure:"root_key_bits"`
}

type IPAMConfig struct {
	DefaultCIDR string `mapstructure:"default_cidr"`
	Reclaim     bool   `mapstructure:"reclaim"`
}

type MeshConfig struct {
	APIPort            int           `mapstructure:"api_port"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`
}

type TunnelConfig struct {
	DNS               string `mapstructure:"dns"`
	MTU               int    `mapstructure:"mtu"`
	Keepalive         int    `mapstructure:"keepalive"`
	WireGuardPort     int    `mapstructure:"wireguard_port"`
	VlessPort         int    `mapstructure:"vless_port"`
	ThirdPartyClients bool   `mapstructure:"third_party_clients"`
	ShowPrivateKeys   bool   `mapstructure:"show_private_keys"`
	QRSize            int    `mapstructure:"qr_size"`
}

type OutboxConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type ReconcileConfig struct {
	Schedule      string `mapstructure:"schedule"`
	RadiusRepair  string `mapstructure:"radius_repair_schedule"`
	HealthSweep   string `mapstructure:"health_sweep_schedule"`
	DisableOnBoot bool   `mapstructure:"disable"`
}

type GeoConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
}

const defaultDataKey = "orbmesh-dev-data-key"

// Load читает конфиг из файла (если задан) и переменных окружения ORBMESH_*.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORBMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.register_rate_per_minute", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "orbmesh.db")
	v.SetDefault("database.log_sql", false)

	v.SetDefault("security.data_key", defaultDataKey)
	v.SetDefault("security.jwt_signing_secret", "")
	v.SetDefault("security.connection_token_ttl", 10*time.Minute)

	v.SetDefault("provision.bcrypt_cost", 12)
	v.SetDefault("provision.max_failed_attempts", 5)
	v.SetDefault("provision.lockout_window", 15*time.Minute)
	v.SetDefault("provision.max_batch", 10000)

	v.SetDefault("ca.cert_file", "")
	v.SetDefault("ca.key_file", "")
	v.SetDefault("ca.cert_pem", "")
	v.SetDefault("ca.key_pem", "")
	v.SetDefault("ca.validity_days", 365)
	v.SetDefault("ca.production", false)
	v.SetDefault("ca.root_key_bits", 4096)

	v.SetDefault("ipam.default_cidr", "10.8.0.0/24")
	v.SetDefault("ipam.reclaim", false)

	v.SetDefault("mesh.api_port", 8443)
	v.SetDefault("mesh.request_timeout", 10*time.Second)
	v.SetDefault("mesh.insecure_skip_verify", false)
	v.SetDefault("mesh.heartbeat_timeout", 3*time.Minute)

	v.SetDefault("tunnel.dns", "1.1.1.1,1.0.0.1")
	v.SetDefault("tunnel.mtu", 1420)
	v.SetDefault("tunnel.keepalive", 25)
	v.SetDefault("tunnel.wireguard_port", 51820)
	v.SetDefault("tunnel.vless_port", 443)
	v.SetDefault("tunnel.third_party_clients", false)
	v.SetDefault("tunnel.show_private_keys", false)
	v.SetDefault("tunnel.qr_size", 512)

	v.SetDefault("outbox.interval", 2*time.Second)
	v.SetDefault("outbox.retry_delay", 30*time.Second)
	v.SetDefault("outbox.max_retries", 20)

	v.SetDefault("reconcile.schedule", "*/10 * * * *")
	v.SetDefault("reconcile.radius_repair_schedule", "0 * * * *")
	v.SetDefault("reconcile.health_sweep_schedule", "* * * * *")
	v.SetDefault("reconcile.disable", false)

	v.SetDefault("geo.enabled", true)
	v.SetDefault("geo.base_url", "http://ip-api.com/json/")
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "", "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Provision.BcryptCost < 4 || c.Provision.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("provision.bcrypt_cost: out of range [4..31]"))
	}
	if c.Provision.MaxBatch < 1 {
		errs = append(errs, errors.New("provision.max_batch must be positive"))
	}
	if c.CA.ValidityDays < 1 {
		errs = append(errs, errors.New("ca.validity_days must be positive"))
	}
	if c.CA.RootKeyBits != 0 && c.CA.RootKeyBits < 2048 {
		errs = append(errs, errors.New("ca.root_key_bits must be at least 2048"))
	}
	if c.CA.Production && c.Security.DataKey == defaultDataKey {
		errs = append(errs, errors.New("security.data_key must be set in production"))
	}

	// параметры экспорта туннелей проверяем тем же каталогом, что и при рендере
	tunnelVars := map[string]string{
		"dns":       c.Tunnel.DNS,
		"mtu":       strconv.Itoa(c.Tunnel.MTU),
		"keepalive": strconv.Itoa(c.Tunnel.Keepalive),
		"wg_port":   strconv.Itoa(c.Tunnel.WireGuardPort),
		"cidr":      c.IPAM.DefaultCIDR,
	}
	for k, val := range tunnelVars {
		if _, err := varschema.ValidateOne(k, val); err != nil {
			errs = append(errs, fmt.Errorf("tunnel/ipam %s: %w", k, err))
		}
	}

	return errors.Join(errs...)
}

// UsesDefaultDataKey — true, если ключ шифрования не переопределён.
func (c *Config) UsesDefaultDataKey() bool { return c.Security.DataKey == defaultDataKey }
