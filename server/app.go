package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"orbmesh/config"
	"orbmesh/internal/apperr"
	"orbmesh/internal/db"
	"orbmesh/internal/geo"
	"orbmesh/internal/health"
	"orbmesh/internal/ipam"
	"orbmesh/internal/logs"
	"orbmesh/internal/meshapi"
	"orbmesh/internal/meshsrv"
	"orbmesh/internal/metrics"
	"orbmesh/internal/middleware"
	"orbmesh/internal/outbox"
	"orbmesh/internal/pki"
	"orbmesh/internal/policy"
	"orbmesh/internal/provision"
	"orbmesh/internal/radius"
	"orbmesh/internal/secretbox"
	"orbmesh/internal/tunnel"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	// внешние коллабораторы; nil → AllowAll / без доп. логинов
	Policy      policy.ConnectionPolicy
	ExtraLogins policy.ExtraLogins

	db         *gorm.DB
	CA         *pki.Authority
	Servers    *meshsrv.Registry
	Devices    *provision.Registry
	Pools      *ipam.Allocator
	Tunnels    *tunnel.Allocator
	Radius     *radius.Controller
	Outbox     *outbox.Store
	worker     *outbox.Worker
	reconciler *outbox.Reconciler
	cron       *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// Initialize собирает зависимости и роутер. Фоновые задачи не стартуют до Start/Run.
func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	log := logs.Component("app")
	metrics.MustRegister()

	// 2) БД + миграции
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, db.Options{LogSQL: cfg.Database.LogSQL})
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	if err := db.Migrate(d); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	a.db = d

	// 3) Домен
	if err := a.buildDomain(); err != nil {
		return err
	}

	// 4) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)
	a.registerRoutes()

	// 5) Расписание
	if !cfg.Reconcile.DisableOnBoot {
		if err := a.schedule(); err != nil {
			return err
		}
	}

	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
			path, _ := rt.GetPathTemplate()
			methods, _ := rt.GetMethods()
			log.Debugf("route: %-6v %s", methods, path)
			return nil
		})
	}
	return nil
}

func (a *App) buildDomain() error {
	cfg := a.cfg
	log := logs.Component("app")

	box, err := secretbox.New(cfg.Security.DataKey)
	if err != nil {
		return fmt.Errorf("secretbox: %w", err)
	}
	if cfg.UsesDefaultDataKey() {
		log.Warn("security.data_key is the built-in default, api keys at rest are not protected")
	}

	signing := cfg.Security.JWTSigningSecret
	if signing == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate signing secret: %w", err)
		}
		signing = hex.EncodeToString(b)
		log.Warn("security.jwt_signing_secret is empty, generated an ephemeral one")
	}

	ca, err := pki.New(pki.Options{
		CertPEM:      cfg.CA.CertPEM,
		KeyPEM:       cfg.CA.KeyPEM,
		CertFile:     cfg.CA.CertFile,
		KeyFile:      cfg.CA.KeyFile,
		ValidityDays: cfg.CA.ValidityDays,
		Production:   cfg.CA.Production,
		RootKeyBits:  cfg.CA.RootKeyBits,
	})
	switch {
	case errors.Is(err, apperr.ErrCAUninitialized):
		// стартуем без CA: bundle и ca.pem отвечают 503
		log.WithError(err).Error("certificate authority unavailable")
	case err != nil:
		return err
	}
	a.CA = ca

	var resolver geo.Resolver = geo.Static(geo.Unknown)
	if cfg.Geo.Enabled {
		resolver = geo.NewIPAPI(cfg.Geo.BaseURL)
	}

	a.Servers = meshsrv.NewRegistry(a.db, box, meshsrv.Options{
		SigningSecret:    signing,
		HeartbeatTimeout: cfg.Mesh.HeartbeatTimeout,
	})
	a.Devices = provision.NewRegistry(a.db, a.Servers, resolver, provision.Options{
		BcryptCost:        cfg.Provision.BcryptCost,
		MaxFailedAttempts: cfg.Provision.MaxFailedAttempts,
		LockoutWindow:     cfg.Provision.LockoutWindow,
		MaxBatch:          cfg.Provision.MaxBatch,
	})
	a.Pools = ipam.NewAllocator(a.db, ipam.Options{
		DefaultCIDR: cfg.IPAM.DefaultCIDR,
		Reclaim:     cfg.IPAM.Reclaim,
	})

	mesh := meshapi.New(a.Servers, meshapi.Options{
		Port:               cfg.Mesh.APIPort,
		Timeout:            cfg.Mesh.RequestTimeout,
		InsecureSkipVerify: cfg.Mesh.InsecureSkipVerify,
	})
	a.Outbox = outbox.NewStore(a.db)
	a.Tunnels = tunnel.NewAllocator(a.db, a.Servers, a.Pools, mesh, a.Outbox, a.Policy, tunnel.Options{
		DNS:               cfg.Tunnel.DNS,
		MTU:               cfg.Tunnel.MTU,
		Keepalive:         cfg.Tunnel.Keepalive,
		WireGuardPort:     cfg.Tunnel.WireGuardPort,
		VlessPort:         cfg.Tunnel.VlessPort,
		ThirdPartyClients: cfg.Tunnel.ThirdPartyClients,
		ShowPrivateKeys:   cfg.Tunnel.ShowPrivateKeys,
		QRSize:            cfg.Tunnel.QRSize,
		TokenTTL:          cfg.Security.ConnectionTokenTTL,
		RemoteTimeout:     cfg.Mesh.RequestTimeout,
	})
	a.worker = outbox.NewWorker(a.Outbox, a.Servers, mesh, a.Tunnels, outbox.WorkerOptions{
		Interval:   cfg.Outbox.Interval,
		RetryDelay: cfg.Outbox.RetryDelay,
		MaxRetries: cfg.Outbox.MaxRetries,
	})
	a.reconciler = outbox.NewReconciler(a.db, a.Outbox, a.Servers, mesh)

	extra := a.ExtraLogins
	if extra == nil {
		extra = policy.NoExtraLogins
	}
	a.Radius = radius.New(a.db, extra)
	return nil
}

func (a *App) registerRoutes() {
	root := a.Router

	health.RegisterRoutesWithDB(root, a.db) // /healthz и /readyz
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	pki.NewHTTP(a.CA).RegisterRoutes(root) // /api/v1/ca.pem, публичный

	// device-facing: /controller/...
	provision.NewController(a.Devices, a.Servers, a.CA, a.cfg.Server.RegisterRatePerMinute).RegisterRoutes(root)

	api := root.PathPrefix("/api/v1").Subrouter()

	// mesh-сервер со своим API-ключом; регистрируется раньше admin
	node := api.NewRoute().Subrouter()
	node.Use(a.Servers.AuthMW)
	meshsrv.NewHTTP(a.Servers).RegisterNodeRoutes(node)

	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.AdminAuth(a.cfg.Server.AdminToken))
	meshsrv.NewHTTP(a.Servers).RegisterRoutes(admin)
	provision.NewAdminHTTP(a.Devices).RegisterRoutes(admin)
	ipam.NewHTTP(a.Pools).RegisterRoutes(admin)
	tunnel.NewHTTP(a.Tunnels).RegisterRoutes(admin)
	radius.NewHTTP(a.Radius).RegisterRoutes(admin)
	outbox.NewHTTP(a.Outbox, a.reconciler).RegisterRoutes(admin)
}

// schedule — cron: сверка с серверами, ремонт radcheck, offline-sweep.
func (a *App) schedule() error {
	c := cron.New()
	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context) error
	}{
		{a.cfg.Reconcile.Schedule, "reconcile", func(ctx context.Context) error {
			_, err := a.reconciler.Run(ctx)
			return err
		}},
		{a.cfg.Reconcile.RadiusRepair, "radius-repair", func(ctx context.Context) error {
			_, err := a.Radius.CleanupAllDuplicates(ctx)
			return err
		}},
		{a.cfg.Reconcile.HealthSweep, "health-sweep", func(ctx context.Context) error {
			_, err := a.Servers.SweepOffline(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		j := j
		if _, err := c.AddFunc(j.spec, func() {
			ctx := a.ctx
			if ctx == nil {
				ctx = context.Background()
			}
			if err := j.run(ctx); err != nil {
				logs.Component("cron").WithError(err).WithField("job", j.name).Error("scheduled job failed")
			}
		}); err != nil {
			return fmt.Errorf("cron %s %q: %w", j.name, j.spec, err)
		}
	}
	a.cron = c
	return nil
}

// Start запускает outbox-воркер и cron. Останавливаются по отмене ctx.
func (a *App) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.worker.Run(a.ctx)
	}()
	if a.cron != nil {
		a.cron.Start()
	}
}

// Stop дожидается фоновых задач и закрывает БД.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	a.bg.Wait()
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.Start(ctx)
	defer a.Stop()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logs.Component("app").WithField("addr", bind).Info("HTTP listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.httpServer.Shutdown(sctx)
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
