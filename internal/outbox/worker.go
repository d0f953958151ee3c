package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/logs"
	"orbmesh/internal/meshapi"
	"orbmesh/internal/metrics"
	"orbmesh/internal/models"

	"github.com/sirupsen/logrus"
)

// Mesh — исходящие вызовы на сервер (meshapi.Client).
type Mesh interface {
	AddPeer(ctx context.Context, s *models.MeshServer, p meshapi.Peer) error
	RemovePeer(ctx context.Context, s *models.MeshServer, p meshapi.Peer) error
	AddUser(ctx context.Context, s *models.MeshServer, u meshapi.VlessUser) (string, error)
	RemoveUser(ctx context.Context, s *models.MeshServer, u meshapi.VlessUser) error
}

type Servers interface {
	Get(ctx context.Context, id uint) (*models.MeshServer, error)
}

// VlessUUIDSink сохраняет авторитетный vlessUuid, который вернул сервер.
type VlessUUIDSink interface {
	ApplyVlessUUID(ctx context.Context, serverID uint, userUUID, vlessUUID string) error
}

type WorkerOptions struct {
	Interval   time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

type Worker struct {
	store   *Store
	servers Servers
	mesh    Mesh
	sink    VlessUUIDSink
	opts    WorkerOptions
}

func NewWorker(store *Store, servers Servers, mesh Mesh, sink VlessUUIDSink, o WorkerOptions) *Worker {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	return &Worker{store: store, servers: servers, mesh: mesh, sink: sink, opts: o}
}

func (w *Worker) Run(ctx context.Context) {
	log := logs.Component("outbox")
	if n, err := w.store.RequeueStale(ctx, w.opts.RetryDelay); err != nil {
		log.WithError(err).Warn("requeue stale items")
	} else if n > 0 {
		log.WithField("count", n).Info("stale items requeued")
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce доставляет не более одного элемента; false — очередь пуста.
func (w *Worker) ProcessOnce(ctx context.Context) bool {
	log := logs.Component("outbox")
	item, err := w.store.ClaimNext(ctx)
	if err != nil {
		if !errors.Is(err, ErrEmpty) {
			log.WithError(err).Error("outbox claim error")
		}
		return false
	}
	log = log.WithFields(logrus.Fields{"id": item.ID, "action": item.Action, "server_id": item.MeshServerID})

	err = w.deliver(ctx, item)
	switch {
	case err == nil:
		metrics.OutboxDeliveriesTotal.WithLabelValues("success").Inc()
		ok, err := w.store.MarkSuccess(ctx, item.ID)
		if err != nil {
			log.WithError(err).Error("mark success")
		} else if !ok {
			log.Warn("item superseded during delivery")
		}
	case errors.Is(err, errUndeliverable):
		metrics.OutboxDeliveriesTotal.WithLabelValues("dead").Inc()
		log.WithError(err).Warn("outbox item dropped")
		if err := w.store.MarkDead(ctx, item.ID, err.Error()); err != nil {
			log.WithError(err).Error("mark dead")
		}
	default:
		dead, merr := w.store.MarkFailed(ctx, item, w.opts.RetryDelay, w.opts.MaxRetries, err)
		if merr != nil {
			log.WithError(merr).Error("mark failed")
		}
		if dead {
			metrics.OutboxDeliveriesTotal.WithLabelValues("dead").Inc()
			log.WithError(err).Error("outbox item is dead after max retries")
		} else {
			metrics.OutboxDeliveriesTotal.WithLabelValues("retry").Inc()
			log.WithError(err).WithField("retry", item.RetryCount+1).Warn("outbox delivery failed")
		}
	}
	return true
}

var errUndeliverable = errors.New("undeliverable")

func (w *Worker) deliver(ctx context.Context, item *models.OutboxItem) error {
	s, err := w.servers.Get(ctx, item.MeshServerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("%w: server %d not found", errUndeliverable, item.MeshServerID)
	}
	if err != nil {
		return err
	}
	if !s.Enabled {
		return fmt.Errorf("%w: server %d disabled", errUndeliverable, s.ID)
	}

	switch item.Action {
	case ActionAddPeer, ActionRemovePeer:
		var p meshapi.Peer
		if err := json.Unmarshal([]byte(item.Payload), &p); err != nil {
			return fmt.Errorf("%w: payload: %v", errUndeliverable, err)
		}
		if item.Action == ActionAddPeer {
			return w.mesh.AddPeer(ctx, s, p)
		}
		return w.mesh.RemovePeer(ctx, s, p)

	case ActionAddUser, ActionRemoveUser:
		var u meshapi.VlessUser
		if err := json.Unmarshal([]byte(item.Payload), &u); err != nil {
			return fmt.Errorf("%w: payload: %v", errUndeliverable, err)
		}
		if item.Action == ActionRemoveUser {
			return w.mesh.RemoveUser(ctx, s, u)
		}
		got, err := w.mesh.AddUser(ctx, s, u)
		if err != nil {
			return err
		}
		if got != "" && got != u.VlessUUID && w.sink != nil {
			return w.sink.ApplyVlessUUID(ctx, s.ID, u.UserUUID, got)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown action %q", errUndeliverable, item.Action)
}
