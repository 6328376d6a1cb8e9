package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client/clienttest"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository/memstore"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/service"
)

type fakeBackend struct {
	mu       sync.Mutex
	statuses map[string]string
	fail     bool
}

func (b *fakeBackend) set(id, status string) {
	b.mu.Lock()
	b.statuses[id] = status
	b.mu.Unlock()
}

func (b *fakeBackend) GetStatus(_ context.Context, id string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return "", errors.New("backend unavailable")
	}
	return b.statuses[id], nil
}

func (b *fakeBackend) ResolveUser(context.Context, string) (*client.ResolvedUser, error) {
	return nil, apperr.NotFound("subscription link", "")
}

type env struct {
	ctx     context.Context
	stores  *repository.Stores
	fakes   *clienttest.Provider
	prov    *service.Provisioner
	sched   *Scheduler
	backend *fakeBackend

	mu  sync.Mutex
	now time.Time
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	e := &env{
		ctx:     context.Background(),
		stores:  memstore.New(),
		fakes:   clienttest.NewProvider(),
		backend: &fakeBackend{statuses: map[string]string{}},
		now:     time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	e.prov = service.NewProvisioner(log, e.stores, e.fakes, service.NewKeyedMutex(), service.ProvisionerOptions{
		Obfuscated: true, Concurrency: 4, Now: e.clock,
	})
	nodes := service.NewNodeService(log, e.stores, e.fakes)
	e.sched = New(log, e.stores, e.fakes, nodes, e.prov, e.backend, Options{
		HealthInterval:      time.Minute,
		EntitlementInterval: 5 * time.Minute,
		ExpiryInterval:      30 * time.Second,
		OfflineAfter:        10 * time.Minute,
		SweepTimeout:        time.Minute,
		Now:                 e.clock,
	})
	return e
}

func (e *env) addNode(t *testing.T, name string, status models.NodeStatus) int64 {
	t.Helper()
	n := &models.Node{
		Name: name, Host: name + ".example.com", APIPort: 8080, APIToken: "token-" + name,
		MTProtoPort: 443, Socks5Port: 1080, Workers: 2, Status: status, IsActive: true,
	}
	require.NoError(t, e.stores.Nodes.Create(e.ctx, n))
	return n.ID
}

func (e *env) node(t *testing.T, id int64) *models.Node {
	t.Helper()
	n, err := e.stores.Nodes.GetByID(e.ctx, id)
	require.NoError(t, err)
	return n
}

func (e *env) secretNodes(t *testing.T, userID int64) []int64 {
	t.Helper()
	secrets, err := e.stores.Secrets.ListActiveByUser(e.ctx, userID)
	require.NoError(t, err)
	var ids []int64
	for _, s := range secrets {
		ids = append(ids, s.NodeID)
	}
	return ids
}

func (e *env) grant(t *testing.T, userID int64, d time.Duration) *models.UserEntitlement {
	t.Helper()
	ent := &models.UserEntitlement{
		UserID: userID, Source: models.EntitlementSourcePurchase,
		Status: models.EntitlementStatusActive, ExpiresAt: e.clock().Add(d),
	}
	require.NoError(t, e.stores.Entitlements.Create(e.ctx, ent))
	return ent
}

func eventActions(t *testing.T, e *env, nodeID int64) []string {
	t.Helper()
	events, err := e.stores.Events.ListByNode(e.ctx, nodeID, 0)
	require.NoError(t, err)
	var out []string
	for _, ev := range events {
		out = append(out, ev.Action)
	}
	return out
}

func TestHealthSweepMarksOnlineAndRecordsStats(t *testing.T) {
	e := newEnv(t)
	id := e.addNode(t, "alpha", models.NodeStatusUnknown)

	report, err := e.sched.Trigger(e.ctx, SweepHealth)
	require.NoError(t, err)
	assert.Equal(t, SweepHealth, report.Sweep)
	assert.Equal(t, 1, report.Units)
	assert.Zero(t, report.Failed)

	n := e.node(t, id)
	assert.Equal(t, models.NodeStatusOnline, n.Status)
	require.NotNil(t, n.LastSeenAt)
	assert.Equal(t, e.clock(), *n.LastSeenAt)
	assert.Nil(t, n.LastError)

	stats, err := e.stores.Stats.ListRecent(e.ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 3, stats[0].MTProtoConnections)
	assert.True(t, stats[0].MTProtoRunning)

	assert.Contains(t, eventActions(t, e, id), models.EventNodeOnline)
}

func TestHealthSweepErrorThenOffline(t *testing.T) {
	e := newEnv(t)
	id := e.addNode(t, "alpha", models.NodeStatusOnline)
	seen := e.clock()
	require.NoError(t, e.stores.Nodes.UpdateHealth(e.ctx, id, models.NodeStatusOnline, &seen, nil))
	e.fakes.Node(id, "alpha").SetDown(true)

	report, err := e.sched.HealthSweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	n := e.node(t, id)
	assert.Equal(t, models.NodeStatusError, n.Status)
	require.NotNil(t, n.LastError)
	assert.Contains(t, *n.LastError, "connection refused")
	assert.Equal(t, seen, *n.LastSeenAt, "last_seen_at is kept on failure")

	e.advance(11 * time.Minute)
	_, err = e.sched.HealthSweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusOffline, e.node(t, id).Status)

	actions := eventActions(t, e, id)
	assert.Contains(t, actions, models.EventHealthFailed)
	assert.Contains(t, actions, models.EventNodeOffline)
}

func TestHealthSweepRepairsDrift(t *testing.T) {
	e := newEnv(t)
	id := e.addNode(t, "alpha", models.NodeStatusOnline)
	fake := e.fakes.Node(id, "alpha")
	fake.Seed("deadbeefdeadbeefdeadbeefdeadbeef")
	require.NoError(t, e.stores.NodeSecrets.Create(e.ctx, &models.NodeSecret{NodeID: id, Secret: "00112233445566778899aabbccddeeff"}))

	report, err := e.sched.HealthSweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, []string{"00112233445566778899aabbccddeeff"}, fake.Secrets())
	assert.Contains(t, eventActions(t, e, id), models.EventSyncRepaired)

	report, err = e.sched.HealthSweep(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Changed)
}

// A node that is down during provisioning is skipped, keeps no secret, and
// is provisioned once it comes back.
func TestOfflineNodeSkippedThenProvisioned(t *testing.T) {
	e := newEnv(t)
	a := e.addNode(t, "alpha", models.NodeStatusOnline)
	b := e.addNode(t, "bravo", models.NodeStatusOnline)
	e.grant(t, 5, 30*24*time.Hour)
	seen := e.clock()
	require.NoError(t, e.stores.Nodes.UpdateHealth(e.ctx, b, models.NodeStatusOnline, &seen, nil))

	fakeB :=e.fakes.Node(b, "bravo")
	fakeB.SetDown(true)
	_, err := e.sched.HealthSweep(e.ctx)
	require.NoError(t, err)
	require.Equal(t, models.NodeStatusError, e.node(t, b).Status)

	_, err = e.sched.EntitlementSweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a}, e.secretNodes(t, 5))
	assert.Zero(t, fakeB.Calls("add_secret"))

	fakeB.SetDown(false)
	_, err = e.sched.HealthSweep(e.ctx)
	require.NoError(t, err)
	require.Equal(t, models.NodeStatusOnline, e.node(t, b).Status)

	_, err = e.sched.EntitlementSweep(e.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a, b}, e.secretNodes(t, 5))
	assert.Len(t, fakeB.Secrets(), 1)
}

func TestEntitlementSweepKeepsAccessWhileAnySourceActive(t *testing.T) {
	e := newEnv(t)
	a := e.addNode(t, "alpha", models.NodeStatusOnline)
	user := int64(9)

	sub := &models.Subscription{Name: "eu", NodeIDs: []int64{a}, IncludeMTProto: true, IsActive: true}
	require.NoError(t, e.stores.Subscriptions.Create(e.ctx, sub))
	binding := &models.EntitlementBinding{ExternalSubscriptionID: "ext-9", SubscriptionID: sub.ID, UserID: &user, Status: models.EntitlementStatusActive}
	require.NoError(t, e.stores.Bindings.Upsert(e.ctx, binding))
	ent := e.grant(t, user, 30*24*time.Hour)

	_, err := e.prov.ReconcileUser(e.ctx, user)
	require.NoError(t, err)
	require.Equal(t, []int64{a}, e.secretNodes(t, user))

	e.backend.set("ext-9", models.EntitlementStatusExpired)
	_, err = e.sched.EntitlementSweep(e.ctx)
	require.NoError(t, err)

	stored, err := e.stores.Bindings.GetByExternalID(e.ctx, "ext-9")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusExpired, stored.Status)
	assert.Equal(t, []int64{a}, e.secretNodes(t, user), "entitlement still grants access")

	require.NoError(t, e.stores.Entitlements.UpdateStatus(e.ctx, ent.ID, models.EntitlementStatusCancelled))
	_, err = e.sched.EntitlementSweep(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, e.secretNodes(t, user))
	assert.Empty(t, e.fakes.Node(a, "alpha").Secrets())
}

func TestEntitlementSweepBackendFailureKeepsStatus(t *testing.T) {
	e := newEnv(t)
	a := e.addNode(t, "alpha", models.NodeStatusOnline)
	user := int64(11)
	sub := &models.Subscription{Name: "eu", NodeIDs: []int64{a}, IncludeMTProto: true, IsActive: true}
	require.NoError(t, e.stores.Subscriptions.Create(e.ctx, sub))
	require.NoError(t, e.stores.Bindings.Upsert(e.ctx, &models.EntitlementBinding{
		ExternalSubscriptionID: "ext-11", SubscriptionID: sub.ID, UserID: &user, Status: models.EntitlementStatusActive,
	}))

	e.backend.fail = true
	report, err := e.sched.EntitlementSweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []int64{a}, e.secretNodes(t, user))
}

func TestExpirySweepRevokesExpiredUsers(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "alpha", models.NodeStatusOnline)
	e.addNode(t, "bravo", models.NodeStatusOnline)
	short := e.grant(t, 1, time.Hour)
	e.grant(t, 2, 48*time.Hour)
	for _, u := range []int64{1, 2} {
		_, err := e.prov.ReconcileUser(e.ctx, u)
		require.NoError(t, err)
	}

	e.advance(2 * time.Hour)
	report, err := e.sched.Trigger(e.ctx, SweepExpiry)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Units)
	assert.Equal(t, 1, report.Changed)

	assert.Empty(t, e.secretNodes(t, 1))
	assert.Len(t, e.secretNodes(t, 2), 2)
	got, err := e.stores.Entitlements.GetByID(e.ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusExpired, got.Status)

	report, err = e.sched.ExpirySweep(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Units)
}

func TestTriggerUnknownSweep(t *testing.T) {
	e := newEnv(t)
	_, err := e.sched.Trigger(e.ctx, "compaction")
	assert.True(t, apperr.IsValidation(err))
}

func TestUniqueSorted(t *testing.T) {
	got := uniqueSorted([]int64{3, 1}, nil, []int64{2, 3, 1})
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, "[]", fmt.Sprint(uniqueSorted()))
}
