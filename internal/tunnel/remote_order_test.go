package tunnel

import (
	"context"
	"testing"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/ipam"
	"orbmesh/internal/models"
	"orbmesh/internal/outbox"
	"orbmesh/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain доставляет всё, что осталось в outbox, тем же fakeMesh.
func (e *env) drain(t *testing.T) int {
	t.Helper()
	w := outbox.NewWorker(outbox.NewStore(e.db), e.servers, e.mesh, e.alloc, outbox.WorkerOptions{RetryDelay: time.Hour})
	n := 0
	for w.ProcessOnce(context.Background()) {
		n++
	}
	return n
}

func (e *env) statuses(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, it := range e.outboxItems(t) {
		out = append(out, it.Action+":"+it.Status)
	}
	return out
}

func TestOutbox_RevokeAfterFailedAddKeepsPeerRemoved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := user("erin")

	e.mesh.fail = apperr.E(apperr.ErrRemoteSync, "unreachable")
	_, err := e.alloc.GetOrCreateConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)

	e.mesh.fail = nil
	ok, err := e.alloc.RevokeConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Zero(t, e.drain(t), "stale add-peer is not replayed")
	assert.Equal(t, []string{"add-peer 10.8.0.2/32", "remove-peer 10.8.0.2/32"}, e.mesh.Calls())
	assert.Equal(t, []string{outbox.ActionAddPeer + ":" + models.OutboxSuperseded}, e.statuses(t))
}

func TestOutbox_ReactivateAfterFailedRemoveKeepsPeer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := user("frank")

	_, err := e.alloc.GetOrCreateConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)

	e.mesh.fail = apperr.E(apperr.ErrRemoteSync, "unreachable")
	_, err = e.alloc.RevokeConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)

	e.mesh.fail = nil
	back, err := e.alloc.GetOrCreateConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReactivated, back.Status)

	assert.Zero(t, e.drain(t))
	calls := e.mesh.Calls()
	assert.Equal(t, []string{"add-peer 10.8.0.2/32", "remove-peer 10.8.0.2/32", "add-peer 10.8.0.2/32"}, calls)
	assert.Equal(t, []string{outbox.ActionRemovePeer + ":" + models.OutboxSuperseded}, e.statuses(t))
}

func TestOutbox_BothCallsFailedOnlyLatestIsDelivered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := user("gina")

	e.mesh.fail = apperr.E(apperr.ErrRemoteSync, "unreachable")
	_, err := e.alloc.GetOrCreateConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)
	_, err = e.alloc.RevokeConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)

	e.mesh.fail = nil
	assert.Equal(t, 1, e.drain(t))
	calls := e.mesh.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "remove-peer 10.8.0.2/32", calls[2])
	assert.Equal(t, []string{
		outbox.ActionAddPeer + ":" + models.OutboxSuperseded,
		outbox.ActionRemovePeer + ":" + models.OutboxDone,
	}, e.statuses(t))
}

func TestOutbox_VlessRevokeAfterFailedAdd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := user("hana")

	e.mesh.fail = apperr.E(apperr.ErrRemoteSync, "unreachable")
	out, err := e.alloc.GetOrCreateConfig(ctx, models.ProtoVless, u, e.server.ID)
	require.NoError(t, err)

	e.mesh.fail = nil
	_, err = e.alloc.RevokeConfig(ctx, models.ProtoVless, u, e.server.ID)
	require.NoError(t, err)

	assert.Zero(t, e.drain(t))
	assert.Equal(t, []string{"add-user", "remove-user " + out.Vless.VlessUUID}, e.mesh.Calls())
	assert.Equal(t, []string{outbox.ActionAddUser + ":" + models.OutboxSuperseded}, e.statuses(t))

	// remove-user в очереди, затем повторная активация
	e.mesh.fail = apperr.E(apperr.ErrRemoteSync, "unreachable")
	_, err = e.alloc.GetOrCreateConfig(ctx, models.ProtoVless, u, e.server.ID)
	require.NoError(t, err)
	_, err = e.alloc.RevokeConfig(ctx, models.ProtoVless, u, e.server.ID)
	require.NoError(t, err)
	e.mesh.fail = nil
	back, err := e.alloc.GetOrCreateConfig(ctx, models.ProtoVless, u, e.server.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReactivated, back.Status)

	assert.Zero(t, e.drain(t))
	calls := e.mesh.Calls()
	assert.Equal(t, "add-user", calls[len(calls)-1])
	for _, st := range e.statuses(t) {
		assert.Contains(t, st, models.OutboxSuperseded)
	}
}

func TestWireGuard_RevokeStillNotifiesWhenReleaseFails(t *testing.T) {
	reclaim := func(_ *Options, io *ipam.Options, _ *policy.ConnectionPolicy) { io.Reclaim = true }
	e := newEnv(t, reclaim)
	ctx := context.Background()
	u := user("ivan")

	_, err := e.alloc.GetOrCreateConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)
	require.NoError(t, e.db.Migrator().DropTable(&models.ReleasedIP{}))

	ok, err := e.alloc.RevokeConfig(ctx, models.ProtoWireGuard, u, e.server.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	var c models.WireGuardConfig
	require.NoError(t, e.db.Where("user_uuid = ?", u.UUID).First(&c).Error)
	assert.False(t, c.Active)
	assert.Equal(t, []string{"add-peer 10.8.0.2/32", "remove-peer 10.8.0.2/32"}, e.mesh.Calls())
}
