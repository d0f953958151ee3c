package outbox

import (
	"context"
	"fmt"

	"orbmesh/internal/logs"
	"orbmesh/internal/meshapi"
	"orbmesh/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Lister — списки, которые сообщает сам сервер.
type Lister interface {
	Peers(ctx context.Context, s *models.MeshServer) ([]meshapi.Peer, error)
	Users(ctx context.Context, s *models.MeshServer) ([]meshapi.VlessUser, error)
}

type OnlineServers interface {
	ListOnline(ctx context.Context) ([]models.MeshServer, error)
}

// Reconciler сверяет активные локальные конфигурации со списками серверов
// и ставит недостающие add/remove в очередь.
type Reconciler struct {
	db      *gorm.DB
	store   *Store
	servers OnlineServers
	remote  Lister
}

func NewReconciler(db *gorm.DB, store *Store, servers OnlineServers, remote Lister) *Reconciler {
	return &Reconciler{db: db, store: store, servers: servers, remote: remote}
}

type Report struct {
	Servers  int `json:"servers"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report
	list, err := r.servers.ListOnline(ctx)
	if err != nil {
		return rep, err
	}
	log := logs.Component("reconcile")
	for i := range list {
		s := &list[i]
		rep.Servers++
		n, err := r.reconcileServer(ctx, s)
		rep.Enqueued += n
		if err != nil {
			rep.Failed++
			log.WithError(err).WithField("server_id", s.ID).Warn("reconcile server failed")
		}
	}
	log.WithFields(logrus.Fields{"servers": rep.Servers, "enqueued": rep.Enqueued, "failed": rep.Failed}).Info("reconcile done")
	return rep, nil
}

func (r *Reconciler) reconcileServer(ctx context.Context, s *models.MeshServer) (int, error) {
	enqueued := 0
	if s.Supports(models.ProtoWireGuard) {
		n, err := r.reconcileWireGuard(ctx, s)
		enqueued += n
		if err != nil {
			return enqueued, err
		}
	}
	if s.Supports(models.ProtoVless) {
		n, err := r.reconcileVless(ctx, s)
		enqueued += n
		if err != nil {
			return enqueued, err
		}
	}
	return enqueued, nil
}

func (r *Reconciler) reconcileWireGuard(ctx context.Context, s *models.MeshServer) (int, error) {
	remote, err := r.remote.Peers(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("list peers: %w", err)
	}
	var local []models.WireGuardConfig
	if err := r.db.WithContext(ctx).Where("mesh_server_id = ? AND active = ?", s.ID, true).Find(&local).Error; err != nil {
		return 0, err
	}

	have := make(map[string]bool, len(remote))
	for _, p := range remote {
		have[p.PublicKey] = true
	}
	want := make(map[string]bool, len(local))
	n := 0
	for _, c := range local {
		want[c.PublicKey] = true
		if have[c.PublicKey] {
			continue
		}
		if err := r.store.Enqueue(ctx, ActionAddPeer, s.ID, meshapi.Peer{
			UserUUID: c.UserUUID, PublicKey: c.PublicKey, AllowedIPs: c.AllocatedIP + "/32",
		}); err != nil {
			return n, err
		}
		n++
	}
	for _, p := range remote {
		if want[p.PublicKey] {
			continue
		}
		if err := r.store.Enqueue(ctx, ActionRemovePeer, s.ID, p); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *Reconciler) reconcileVless(ctx context.Context, s *models.MeshServer) (int, error) {
	remote, err := r.remote.Users(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("list vless users: %w", err)
	}
	var local []models.VlessConfig
	if err := r.db.WithContext(ctx).Where("mesh_server_id = ? AND active = ?", s.ID, true).Find(&local).Error; err != nil {
		return 0, err
	}

	have := make(map[string]bool, len(remote))
	for _, u := range remote {
		have[u.VlessUUID] = true
	}
	want := make(map[string]bool, len(local))
	n := 0
	for _, c := range local {
		want[c.VlessUUID] = true
		if have[c.VlessUUID] {
			continue
		}
		if err := r.store.Enqueue(ctx, ActionAddUser, s.ID, meshapi.VlessUser{UserUUID: c.UserUUID, VlessUUID: c.VlessUUID}); err != nil {
			return n, err
		}
		n++
	}
	for _, u := range remote {
		if want[u.VlessUUID] {
			continue
		}
		if err := r.store.Enqueue(ctx, ActionRemoveUser, s.ID, u); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
