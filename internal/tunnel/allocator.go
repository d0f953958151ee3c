// Package tunnel — выдача per-user туннельных конфигураций (WireGuard, VLESS) на mesh-серверах.
package tunnel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/ipam"
	"orbmesh/internal/lockmap"
	"orbmesh/internal/logs"
	"orbmesh/internal/metrics"
	"orbmesh/internal/models"
	"orbmesh/internal/outbox"
	"orbmesh/internal/policy"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Servers interface {
	Get(ctx context.Context, id uint) (*models.MeshServer, error)
	SigningSecret() string
}

type Options struct {
	DNS               string
	MTU               int
	Keepalive         int
	AllowedIPs        string
	WireGuardPort     int
	VlessPort         int
	ThirdPartyClients bool
	ShowPrivateKeys   bool
	QRSize            int
	TokenTTL          time.Duration
	// RemoteTimeout — верхняя граница синхронного вызова сервера; дальше — outbox.
	RemoteTimeout time.Duration
}

func (o *Options) defaults() {
	if o.AllowedIPs == "" {
		o.AllowedIPs = "0.0.0.0/0"
	}
	if o.WireGuardPort <= 0 {
		o.WireGuardPort = 51820
	}
	if o.VlessPort <= 0 {
		o.VlessPort = 443
	}
	if o.QRSize <= 0 {
		o.QRSize = 512
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = 15 * time.Minute
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = 10 * time.Second
	}
}

type Allocator struct {
	db      *gorm.DB
	servers Servers
	ipam    *ipam.Allocator
	mesh    outbox.Mesh
	queue   *outbox.Store
	policy  policy.ConnectionPolicy
	locks   *lockmap.Map
	opts    Options
	now     func() time.Time
}

func NewAllocator(db *gorm.DB, servers Servers, pools *ipam.Allocator, mesh outbox.Mesh, queue *outbox.Store, pol policy.ConnectionPolicy, o Options) *Allocator {
	o.defaults()
	if pol == nil {
		pol = policy.AllowAll
	}
	return &Allocator{
		db:      db,
		servers: servers,
		ipam:    pools,
		mesh:    mesh,
		queue:   queue,
		policy:  pol,
		locks:   lockmap.New(),
		opts:    o,
		now:     time.Now,
	}
}

const (
	StatusCreated     = "created"
	StatusReactivated = "reactivated"
	StatusExisting    = "existing"
)

// WireGuardView — то, что уходит клиенту; приватный ключ только при show_private_keys.
type WireGuardView struct {
	PublicKey       string `json:"publicKey"`
	PrivateKey      string `json:"privateKey,omitempty"`
	Address         string `json:"address"`
	ServerPublicKey string `json:"serverPublicKey,omitempty"`
	DNS             string `json:"dns,omitempty"`
	MTU             int    `json:"mtu,omitempty"`
	Keepalive       int    `json:"persistentKeepalive,omitempty"`
	AllowedIPs      string `json:"allowedIPs"`
}

type Allocation struct {
	Protocol       string              `json:"protocol"`
	Status         string              `json:"status"`
	ServerID       uint                `json:"serverId"`
	Endpoint       string              `json:"endpoint"`
	Port           int                 `json:"port"`
	WireGuard      *WireGuardView      `json:"wireguard,omitempty"`
	Vless          *models.VlessConfig `json:"vless,omitempty"`
	Token          string              `json:"connectionToken"`
	TokenExpiresAt time.Time           `json:"connectionTokenExpiresAt"`
}

// Material — ключи/UUID, которые клиент сгенерировал сам и зарегистрировал на сервере напрямую.
type Material struct {
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey,omitempty"`
	AllocatedIP string `json:"allocatedIp,omitempty"`
	VlessUUID   string `json:"vlessUuid"`
}

func validProto(proto string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(proto))
	switch p {
	case models.ProtoWireGuard, models.ProtoVless:
		return p, nil
	}
	return "", apperr.E(apperr.ErrBadRequest, fmt.Sprintf("unknown protocol %q", proto))
}

func validUser(u policy.User) error {
	if strings.TrimSpace(u.UUID) == "" {
		return apperr.E(apperr.ErrBadRequest, "user uuid required")
	}
	return nil
}

// admit — политика, затем сервер. Ничего не пишет.
func (a *Allocator) admit(ctx context.Context, proto string, u policy.User, serverID uint) (*models.MeshServer, error) {
	if err := validUser(u); err != nil {
		return nil, err
	}
	if err := a.policy.ValidateConnectionAllowed(ctx, u); err != nil {
		metrics.TunnelAllocationsTotal.WithLabelValues(proto, "denied").Inc()
		return nil, apperr.Wrap(apperr.ErrPolicyDenied, err, "connection not allowed")
	}
	s, err := a.servers.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !s.Enabled {
		return nil, apperr.E(apperr.ErrBadRequest, "mesh server is disabled")
	}
	if !s.Supports(proto) {
		return nil, apperr.E(apperr.ErrBadRequest, fmt.Sprintf("mesh server does not support %s", proto))
	}
	return s, nil
}

func lockKey(proto, userUUID string, serverID uint) string {
	return proto + ":" + userUUID + ":" + strconv.FormatUint(uint64(serverID), 10)
}

// GetOrCreateConfig — идемпотентно для (user, server): повтор отдаёт тот же материал.
func (a *Allocator) GetOrCreateConfig(ctx context.Context, proto string, u policy.User, serverID uint) (*Allocation, error) {
	proto, err := validProto(proto)
	if err != nil {
		return nil, err
	}
	s, err := a.admit(ctx, proto, u, serverID)
	if err != nil {
		return nil, err
	}
	unlock := a.locks.Lock(lockKey(proto, u.UUID, serverID))
	defer unlock()

	var out *Allocation
	if proto == models.ProtoWireGuard {
		out, err = a.getOrCreateWireGuard(ctx, u, s)
	} else {
		out, err = a.getOrCreateVless(ctx, u, s)
	}
	if err != nil {
		metrics.TunnelAllocationsTotal.WithLabelValues(proto, "error").Inc()
		return nil, err
	}
	metrics.TunnelAllocationsTotal.WithLabelValues(proto, out.Status).Inc()
	if err := a.sign(out, u); err != nil {
		return nil, err
	}
	logs.Component("tunnel").WithFields(logrus.Fields{
		"proto": proto, "user": u.UUID, "server_id": serverID, "status": out.Status,
	}).Info("tunnel config issued")
	return out, nil
}

// RevokeConfig деактивирует конфиг; false — конфигурации не было.
func (a *Allocator) RevokeConfig(ctx context.Context, proto string, u policy.User, serverID uint) (bool, error) {
	proto, err := validProto(proto)
	if err != nil {
		return false, err
	}
	if err := validUser(u); err != nil {
		return false, err
	}
	unlock := a.locks.Lock(lockKey(proto, u.UUID, serverID))
	defer unlock()

	var ok bool
	if proto == models.ProtoWireGuard {
		ok, err = a.revokeWireGuard(ctx, u, serverID)
	} else {
		ok, err = a.revokeVless(ctx, u, serverID)
	}
	if err == nil && ok {
		logs.Component("tunnel").WithFields(logrus.Fields{
			"proto": proto, "user": u.UUID, "server_id": serverID,
		}).Info("tunnel config revoked")
	}
	return ok, err
}

// SyncConfig — зеркалит материал, сгенерированный клиентом; сервер не уведомляется.
func (a *Allocator) SyncConfig(ctx context.Context, proto string, u policy.User, serverID uint, m Material) (*Allocation, error) {
	proto, err := validProto(proto)
	if err != nil {
		return nil, err
	}
	s, err := a.admit(ctx, proto, u, serverID)
	if err != nil {
		return nil, err
	}
	unlock := a.locks.Lock(lockKey(proto, u.UUID, serverID))
	defer unlock()

	var out *Allocation
	if proto == models.ProtoWireGuard {
		out, err = a.syncWireGuard(ctx, u, s, m)
	} else {
		out, err = a.syncVless(ctx, u, s, m)
	}
	if err != nil {
		return nil, err
	}
	if err := a.sign(out, u); err != nil {
		return nil, err
	}
	return out, nil
}

type UserTunnels struct {
	WireGuard []models.WireGuardConfig `json:"wireguard"`
	Vless     []models.VlessConfig     `json:"vless"`
}

func (a *Allocator) ListForUser(ctx context.Context, userUUID string) (*UserTunnels, error) {
	out := &UserTunnels{WireGuard: []models.WireGuardConfig{}, Vless: []models.VlessConfig{}}
	db := a.db.WithContext(ctx)
	if err := db.Where("user_uuid = ?", userUUID).Order("mesh_server_id").Find(&out.WireGuard).Error; err != nil {
		return nil, err
	}
	if err := db.Where("user_uuid = ?", userUUID).Order("mesh_server_id").Find(&out.Vless).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ConnectionClaims — короткоживущий токен подключения, проверяется mesh-сервером общим секретом.
type ConnectionClaims struct {
	Server   uint   `json:"srv"`
	Protocol string `json:"proto"`
	Username string `json:"usr,omitempty"`
	jwt.RegisteredClaims
}

func (a *Allocator) sign(out *Allocation, u policy.User) error {
	secret := a.servers.SigningSecret()
	if secret == "" {
		return nil
	}
	now := a.now()
	exp := now.Add(a.opts.TokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, ConnectionClaims{
		Server:   out.ServerID,
		Protocol: out.Protocol,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.UUID,
			Issuer:    "orbmesh",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return fmt.Errorf("sign connection token: %w", err)
	}
	out.Token, out.TokenExpiresAt = signed, exp
	return nil
}

// ParseConnectionToken — проверка подписи и срока (используется mesh-стороной и в тестах).
func ParseConnectionToken(token, secret string) (*ConnectionClaims, error) {
	var c ConnectionClaims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUnauthorized, err, "invalid connection token")
	}
	return &c, nil
}

// notify — синхронный вызов сервера; при ошибке счётчик + outbox, локальная запись не откатывается.
// При успехе недоставленное противоположное действие из outbox снимается.
func (a *Allocator) notify(ctx context.Context, s *models.MeshServer, action string, payload any, call func(context.Context) error) {
	cctx, cancel := context.WithTimeout(ctx, a.opts.RemoteTimeout)
	err := call(cctx)
	cancel()
	log := logs.Component("tunnel").WithFields(logrus.Fields{"server_id": s.ID, "action": action})
	if err == nil {
		if n, serr := a.queue.Supersede(context.WithoutCancel(ctx), action, s.ID, payload); serr != nil {
			log.WithError(serr).Error("supersede queued actions")
		} else if n > 0 {
			log.WithField("count", n).Info("queued opposite actions superseded")
		}
		return
	}
	metrics.RemoteSyncFailuresTotal.WithLabelValues(action).Inc()
	log = log.WithError(err)
	if qerr := a.queue.Enqueue(context.WithoutCancel(ctx), action, s.ID, payload); qerr != nil {
		log.WithField("queue_error", qerr.Error()).Error("remote sync failed and could not be queued")
		return
	}
	log.Warn("remote sync failed, queued for retry")
}
