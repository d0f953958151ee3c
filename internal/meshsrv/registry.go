// Package meshsrv — реестр mesh-серверов: создание, API-ключи, heartbeat.
package meshsrv

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/logs"
	"orbmesh/internal/models"
	"orbmesh/internal/secretbox"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	DefaultMaxConnections = 500
	DefaultProtocols      = models.ProtoWireGuard + "," + models.ProtoVless
)

type Options struct {
	// SigningSecret — общий для всех серверов секрет подписи JWT.
	// Осознанный контракт: один секрет на весь флот, ротация per-server — будущая доработка.
	SigningSecret    string
	HeartbeatTimeout time.Duration
}

type Registry struct {
	db   *gorm.DB
	box  *secretbox.Box
	opts Options
	now  func() time.Time
}

func NewRegistry(db *gorm.DB, box *secretbox.Box, o Options) *Registry {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * time.Minute
	}
	return &Registry{db: db, box: box, opts: o, now: time.Now}
}

// DeviceServerSpec — данные активированного устройства для автосоздания сервера.
type DeviceServerSpec struct {
	DeviceID   string
	DeviceName string
	PublicIP   string
	Region     string
	Country    string
}

type RegisterServerRequest struct {
	Name               string   `json:"name"`
	Region             string   `json:"region"`
	Country            string   `json:"country"`
	Endpoint           string   `json:"endpoint"`
	Protocols          []string `json:"protocols"`
	MaxConnections     int      `json:"maxConnections"`
	WireGuardPublicKey string   `json:"wireguardPublicKey"`
	WireGuardPort      int      `json:"wireguardPort"`
	RealityPublicKey   string   `json:"realityPublicKey"`
	RealityShortID     string   `json:"realityShortId"`
	SNI                string   `json:"sni"`
}

type Metrics struct {
	CurrentConnections int     `json:"currentConnections"`
	CPUPercent         float64 `json:"cpuPercent"`
	MemPercent         float64 `json:"memPercent"`
	WireGuardPublicKey string  `json:"wireguardPublicKey,omitempty"`
	WireGuardPort      int     `json:"wireguardPort,omitempty"`
	RealityPublicKey   string  `json:"realityPublicKey,omitempty"`
	RealityShortID     string  `json:"realityShortId,omitempty"`
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (r *Registry) sealKey(s *models.MeshServer) (string, error) {
	key, err := newAPIKey()
	if err != nil {
		return "", err
	}
	enc, err := r.box.Seal(key)
	if err != nil {
		return "", fmt.Errorf("encrypt api key: %w", err)
	}
	s.APIKeyEnc = enc
	s.APIKeyHash = secretbox.Hash(key)
	return key, nil
}

// CreateForDevice создаёт сервер внутри транзакции активации устройства.
// Возвращает plaintext API-ключ — единственный раз.
func (r *Registry) CreateForDevice(tx *gorm.DB, spec DeviceServerSpec) (*models.MeshServer, string, error) {
	name := strings.TrimSpace(spec.DeviceName)
	if name == "" {
		name = spec.DeviceID
	}
	now := r.now()
	s := &models.MeshServer{
		Name:            name,
		Region:          spec.Region,
		Country:         spec.Country,
		Endpoint:        spec.PublicIP,
		Protocols:       DefaultProtocols,
		Online:          true,
		Enabled:         true,
		MaxConnections:  DefaultMaxConnections,
		LastHeartbeatAt: &now,
	}
	key, err := r.sealKey(s)
	if err != nil {
		return nil, "", err
	}
	if err := tx.Create(s).Error; err != nil {
		return nil, "", fmt.Errorf("create mesh server: %w", err)
	}
	return s, key, nil
}

// Register — ручная регистрация сервера оператором.
func (r *Registry) Register(ctx context.Context, req RegisterServerRequest) (*models.MeshServer, string, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Name == "" || req.Endpoint == "" {
		return nil, "", apperr.E(apperr.ErrBadRequest, "name and endpoint are required")
	}
	protos := DefaultProtocols
	if len(req.Protocols) > 0 {
		clean := make([]string, 0, len(req.Protocols))
		for _, p := range req.Protocols {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != models.ProtoWireGuard && p != models.ProtoVless {
				return nil, "", apperr.E(apperr.ErrBadRequest, "unsupported protocol: "+p)
			}
			clean = append(clean, p)
		}
		protos = strings.Join(clean, ",")
	}
	maxConn := req.MaxConnections
	if maxConn <= 0 {
		maxConn = DefaultMaxConnections
	}
	s := &models.MeshServer{
		Name:               req.Name,
		Region:             req.Region,
		Country:            strings.ToUpper(req.Country),
		Endpoint:           req.Endpoint,
		Protocols:          protos,
		Enabled:            true,
		MaxConnections:     maxConn,
		WireGuardPublicKey: req.WireGuardPublicKey,
		WireGuardPort:      req.WireGuardPort,
		RealityPublicKey:   req.RealityPublicKey,
		RealityShortID:     req.RealityShortID,
		SNI:                req.SNI,
	}
	key, err := r.sealKey(s)
	if err != nil {
		return nil, "", err
	}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, "", fmt.Errorf("create mesh server: %w", err)
	}
	logs.Component("meshsrv").WithFields(logrus.Fields{"server_id": s.ID, "name": s.Name}).Info("mesh server registered")
	return s, key, nil
}

func (r *Registry) Get(ctx context.Context, id uint) (*models.MeshServer, error) {
	var s models.MeshServer
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.ErrNotFound, fmt.Sprintf("mesh server %d not found", id))
		}
		return nil, err
	}
	return &s, nil
}

func (r *Registry) List(ctx context.Context) ([]models.MeshServer, error) {
	var out []models.MeshServer
	err := r.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// ListOnline — включённые и онлайн, для reconcile.
func (r *Registry) ListOnline(ctx context.Context) ([]models.MeshServer, error) {
	var out []models.MeshServer
	err := r.db.WithContext(ctx).Where("enabled = ? AND online = ?", true, true).Order("id").Find(&out).Error
	return out, err
}

func (r *Registry) Heartbeat(ctx context.Context, id uint, m Metrics) error {
	now := r.now()
	upd := map[string]any{
		"online":              true,
		"current_connections": m.CurrentConnections,
		"cpu_percent":         m.CPUPercent,
		"mem_percent":         m.MemPercent,
		"last_heartbeat_at":   now,
	}
	if m.WireGuardPublicKey != "" {
		upd["wire_guard_public_key"] = m.WireGuardPublicKey
	}
	if m.WireGuardPort > 0 {
		upd["wire_guard_port"] = m.WireGuardPort
	}
	if m.RealityPublicKey != "" {
		upd["reality_public_key"] = m.RealityPublicKey
	}
	if m.RealityShortID != "" {
		upd["reality_short_id"] = m.RealityShortID
	}
	res := r.db.WithContext(ctx).Model(&models.MeshServer{}).Where("id = ? AND enabled = ?", id, true).Updates(upd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.E(apperr.ErrNotFound, fmt.Sprintf("mesh server %d not found or disabled", id))
	}
	return nil
}

// RotateAPIKey — новый ключ, старый сразу перестаёт работать.
func (r *Registry) RotateAPIKey(ctx context.Context, id uint) (string, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	key, err := r.sealKey(s)
	if err != nil {
		return "", err
	}
	if err := r.db.WithContext(ctx).Model(s).Updates(map[string]any{
		"api_key_enc":  s.APIKeyEnc,
		"api_key_hash": s.APIKeyHash,
	}).Error; err != nil {
		return "", err
	}
	logs.Component("meshsrv").WithField("server_id", id).Info("api key rotated")
	return key, nil
}

// Disable — каскад от отзыва устройства; tx — транзакция вызывающего.
func (r *Registry) Disable(tx *gorm.DB, id uint) error {
	return tx.Model(&models.MeshServer{}).Where("id = ?", id).
		Updates(map[string]any{"enabled": false, "online": false}).Error
}

// Authenticate — входящий bearer-ключ сервера.
func (r *Registry) Authenticate(ctx context.Context, apiKey string) (*models.MeshServer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.E(apperr.ErrUnauthorized, "api key required")
	}
	h := secretbox.Hash(apiKey)
	var s models.MeshServer
	if err := r.db.WithContext(ctx).Where("api_key_hash = ?", h).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.ErrUnauthorized, "invalid api key")
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(s.APIKeyHash), []byte(h)) != 1 || !s.Enabled {
		return nil, apperr.E(apperr.ErrUnauthorized, "invalid api key")
	}
	return &s, nil
}

// APIKey расшифровывает ключ для исходящих вызовов на сервер.
func (r *Registry) APIKey(s *models.MeshServer) (string, error) {
	if s == nil || s.APIKeyEnc == "" {
		return "", errors.New("server has no api key")
	}
	return r.box.Open(s.APIKeyEnc)
}

func (r *Registry) SigningSecret() string { return r.opts.SigningSecret }

// SweepOffline помечает offline серверы без heartbeat дольше HeartbeatTimeout.
func (r *Registry) SweepOffline(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.opts.HeartbeatTimeout)
	res := r.db.WithContext(ctx).Model(&models.MeshServer{}).
		Where("online = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", true, cutoff).
		Update("online", false)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		logs.Component("meshsrv").WithField("count", res.RowsAffected).Warn("mesh servers marked offline")
	}
	return res.RowsAffected, nil
}
