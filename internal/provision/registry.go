// Package provision — жизненный цикл устройств: производство, регистрация, отзыв.
package provision

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/geo"
	"orbmesh/internal/logs"
	"orbmesh/internal/meshsrv"
	"orbmesh/internal/metrics"
	"orbmesh/internal/models"
	"orbmesh/internal/repo"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// MsgInvalidCredentials — единый внешний ответ для неизвестного устройства и неверного секрета/отпечатка.
const MsgInvalidCredentials = "invalid device credentials"

type Options struct {
	BcryptCost        int
	MaxFailedAttempts int
	LockoutWindow     time.Duration
	MaxBatch          int
}

func (o *Options) defaults() {
	if o.BcryptCost == 0 {
		o.BcryptCost = 12
	}
	if o.MaxFailedAttempts <= 0 {
		o.MaxFailedAttempts = 5
	}
	if o.LockoutWindow <= 0 {
		o.LockoutWindow = 15 * time.Minute
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 10000
	}
}

type Registry struct {
	db      *gorm.DB
	store   *repo.DeviceStore
	servers *meshsrv.Registry
	geo     geo.Resolver
	opts    Options
	now     func() time.Time
	rand    io.Reader
}

func NewRegistry(db *gorm.DB, servers *meshsrv.Registry, resolver geo.Resolver, o Options) *Registry {
	o.defaults()
	if resolver == nil {
		resolver = geo.Static(geo.Unknown)
	}
	return &Registry{
		db:      db,
		store:   repo.NewDeviceStore(db),
		servers: servers,
		geo:     resolver,
		opts:    o,
		now:     time.Now,
		rand:    rand.Reader,
	}
}

// ManufacturedDevice — plaintext секрет отдаётся только здесь и больше не восстанавливается.
type ManufacturedDevice struct {
	DeviceID            string  `json:"deviceId"`
	Secret              string  `json:"secret"`
	Model               string  `json:"model"`
	Batch               string  `json:"batch"`
	HardwareFingerprint *string `json:"hardwareFingerprint,omitempty"`
}

// GenerateDeviceIdentities производит count устройств партии batch.
func (r *Registry) GenerateDeviceIdentities(ctx context.Context, count int, model, batch string, fingerprints []string) ([]ManufacturedDevice, error) {
	if count < 1 || count > r.opts.MaxBatch {
		return nil, apperr.E(apperr.ErrBadRequest, fmt.Sprintf("count must be in [1, %d]", r.opts.MaxBatch))
	}
	if len(fingerprints) > 0 && len(fingerprints) != count {
		return nil, apperr.E(apperr.ErrBadRequest, "hardware fingerprints count must equal device count")
	}
	now := r.now()

	ids, err := r.uniqueIDs(ctx, count, now)
	if err != nil {
		return nil, err
	}

	out := make([]ManufacturedDevice, count)
	rows := make([]models.DeviceIdentity, count)

	// bcrypt — CPU-bound, параллелим по ядрам
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			secret, err := newSecret()
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.opts.BcryptCost)
			if err != nil {
				return fmt.Errorf("hash secret: %w", err)
			}
			var fp *string
			if len(fingerprints) > 0 {
				if v := strings.TrimSpace(fingerprints[i]); v != "" {
					fp = &v
				}
			}
			out[i] = ManufacturedDevice{DeviceID: ids[i], Secret: secret, Model: model, Batch: batch, HardwareFingerprint: fp}
			rows[i] = models.DeviceIdentity{
				DeviceID:            ids[i],
				SecretHash:          string(hash),
				HardwareFingerprint: fp,
				Status:              models.DevicePending,
				ManufacturingBatch:  batch,
				Model:               model,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := r.store.CreateBatch(ctx, rows); err != nil {
		return nil, fmt.Errorf("store devices: %w", err)
	}
	metrics.DevicesManufacturedTotal.Add(float64(count))
	logs.Component("provision").WithFields(logrus.Fields{
		"count": count, "model": model, "batch": batch,
	}).Info("device identities generated")
	return out, nil
}

// uniqueIDs — до maxIDAttempts попыток на каждый id (коллизии внутри партии и с хранилищем).
func (r *Registry) uniqueIDs(ctx context.Context, count int, now time.Time) ([]string, error) {
	ids := make([]string, count)
	seen := make(map[string]bool, count)
	attempts := make([]int, count)
	pending := make([]int, count)
	for i := range pending {
		pending[i] = i
	}

	for len(pending) > 0 {
		cand := make([]string, 0, len(pending))
		for _, i := range pending {
			for {
				attempts[i]++
				if attempts[i] > maxIDAttempts {
					return nil, fmt.Errorf("device id generation: exceeded %d attempts", maxIDAttempts)
				}
				id, err := newDeviceID(r.rand, now)
				if err != nil {
					return nil, err
				}
				if !seen[id] {
					seen[id] = true
					ids[i] = id
					cand = append(cand, id)
					break
				}
			}
		}
		taken, err := r.store.ExistingIDs(ctx, cand)
		if err != nil {
			return nil, err
		}
		next := pending[:0:0]
		for _, i := range pending {
			if taken[ids[i]] {
				next = append(next, i)
			}
		}
		pending = next
	}
	return ids, nil
}

type RegisterRequest struct {
	DeviceID            string `json:"deviceId"`
	DeviceSecret        string `json:"deviceSecret"`
	PublicIP            string `json:"publicIp"`
	HardwareFingerprint string `json:"hardwareFingerprint,omitempty"`
	DeviceName          string `json:"deviceName,omitempty"`
}

type RegisterResult struct {
	Success       bool               `json:"success"`
	Message       string             `json:"message"`
	DeviceID      string             `json:"deviceId,omitempty"`
	ServerID      uint               `json:"serverId,omitempty"`
	APIKey        string             `json:"apiKey,omitempty"`
	SigningSecret string             `json:"signingSecret,omitempty"`
	Server        *models.MeshServer `json:"server,omitempty"`
}

// RegisterDevice — PENDING→ACTIVATED. Любой отказ не оставляет mesh-сервера.
func (r *Registry) RegisterDevice(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.PublicIP = strings.TrimSpace(req.PublicIP)
	audit := logs.Component("provision").WithFields(logrus.Fields{
		"device_id": req.DeviceID, "public_ip": req.PublicIP,
	})
	reject := func(result, reason string, err error) (*RegisterResult, error) {
		metrics.DeviceRegistrationsTotal.WithLabelValues(result).Inc()
		audit.WithField("reason", reason).Warn("device registration rejected")
		return nil, err
	}
	invalid := apperr.E(apperr.ErrUnauthorized, MsgInvalidCredentials)

	if req.DeviceID == "" || req.DeviceSecret == "" {
		return reject("invalid", "missing credentials", invalid)
	}
	if net.ParseIP(req.PublicIP) == nil {
		return reject("bad_request", "invalid public ip", apperr.E(apperr.ErrBadRequest, "invalid public ip"))
	}

	dev, err := r.store.FindByDeviceID(ctx, req.DeviceID)
	if errors.Is(err, repo.ErrNotFound) {
		// bcrypt всё равно тратим, чтобы время ответа не выдавало существование id
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.DeviceSecret))
		return reject("invalid", "unknown device", invalid)
	}
	if err != nil {
		return nil, err
	}

	now := r.now()
	if dev.FailedAttempts >= r.opts.MaxFailedAttempts && dev.LastAttemptAt != nil &&
		now.Sub(*dev.LastAttemptAt) < r.opts.LockoutWindow {
		return reject("rate_limited", "too many failed attempts", apperr.E(apperr.ErrRateLimited, "too many failed attempts, try again later"))
	}

	switch dev.Status {
	case models.DeviceActivated:
		return reject("already_activated", "device already activated", apperr.E(apperr.ErrBadRequest, "device already activated"))
	case models.DeviceRevoked:
		return reject("revoked", "device revoked", apperr.E(apperr.ErrBadRequest, "device revoked"))
	}

	if bcrypt.CompareHashAndPassword([]byte(dev.SecretHash), []byte(req.DeviceSecret)) != nil {
		if err := r.store.RecordFailure(ctx, dev.ID, now); err != nil {
			audit.WithError(err).Error("record failed attempt")
		}
		return reject("invalid", "secret mismatch", invalid)
	}
	if dev.HardwareFingerprint != nil && *dev.HardwareFingerprint != strings.TrimSpace(req.HardwareFingerprint) {
		if err := r.store.RecordFailure(ctx, dev.ID, now); err != nil {
			audit.WithError(err).Error("record failed attempt")
		}
		return reject("invalid", "hardware fingerprint mismatch", invalid)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	loc, gerr := r.geo.Lookup(lookupCtx, req.PublicIP)
	cancel()
	if gerr != nil {
		audit.WithError(gerr).Debug("geo lookup failed, using fallback")
		loc = geo.Unknown
	}

	var (
		server *models.MeshServer
		apiKey string
	)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, key, err := r.servers.CreateForDevice(tx, meshsrv.DeviceServerSpec{
			DeviceID:   dev.DeviceID,
			DeviceName: req.DeviceName,
			PublicIP:   req.PublicIP,
			Region:     loc.Region,
			Country:    loc.Country,
		})
		if err != nil {
			return err
		}
		ok, err := r.store.Activate(tx, dev.ID, s.ID, strings.TrimSpace(req.DeviceName), now)
		if err != nil {
			return err
		}
		if !ok {
			// параллельная регистрация успела раньше
			return apperr.E(apperr.ErrBadRequest, "device already activated")
		}
		server, apiKey = s, key
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrBadRequest) {
			return reject("already_activated", "concurrent activation", err)
		}
		return nil, err
	}

	metrics.DeviceRegistrationsTotal.WithLabelValues("activated").Inc()
	audit.WithFields(logrus.Fields{"server_id": server.ID, "region": server.Region}).Info("device activated")
	return &RegisterResult{
		Success:       true,
		Message:       "device activated",
		DeviceID:      dev.DeviceID,
		ServerID:      server.ID,
		APIKey:        apiKey,
		SigningSecret: r.servers.SigningSecret(),
		Server:        server,
	}, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("orbmesh-dummy-secret"), bcrypt.MinCost)

// RevokeDevice — терминальный REVOKED, каскадно отключает связанный сервер.
func (r *Registry) RevokeDevice(ctx context.Context, deviceID, reason, actor string) error {
	now := r.now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dev, err := r.store.FindForUpdate(tx, strings.TrimSpace(deviceID))
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.E(apperr.ErrNotFound, "device not found")
		}
		if err != nil {
			return err
		}
		ok, err := r.store.Revoke(tx, dev.ID, reason, actor, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.E(apperr.ErrBadRequest, "device already revoked")
		}
		if dev.MeshServerID != nil {
			if err := r.servers.Disable(tx, *dev.MeshServerID); err != nil {
				return fmt.Errorf("disable mesh server: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logs.Component("provision").WithFields(logrus.Fields{
		"device_id": deviceID, "actor": actor, "reason": reason,
	}).Warn("device revoked")
	return nil
}

func (r *Registry) GetDevice(ctx context.Context, deviceID string) (*models.DeviceIdentity, error) {
	dev, err := r.store.FindByDeviceID(ctx, strings.TrimSpace(deviceID))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.E(apperr.ErrNotFound, "device not found")
	}
	return dev, err
}

func (r *Registry) ListDevices(ctx context.Context, f repo.ListFilter) ([]models.DeviceIdentity, error) {
	if f.Status != "" {
		switch f.Status {
		case models.DevicePending, models.DeviceActivated, models.DeviceRevoked:
		default:
			return nil, apperr.E(apperr.ErrBadRequest, "unknown status filter")
		}
	}
	return r.store.List(ctx, f)
}
