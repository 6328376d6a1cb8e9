package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client/clienttest"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository/memstore"
)

type fixture struct {
	ctx     context.Context
	stores  *repository.Stores
	fakes   *clienttest.Provider
	prov    *Provisioner
	now     time.Time
	nodeIDs []int64
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, nodes int) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		stores: memstore.New(),
		fakes:  clienttest.NewProvider(),
		now:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.prov = NewProvisioner(testLogger(), f.stores, f.fakes, NewKeyedMutex(), ProvisionerOptions{
		Obfuscated:  true,
		Concurrency: 4,
		Now:         func() time.Time { return f.now },
	})
	for i := 0; i < nodes; i++ {
		f.nodeIDs = append(f.nodeIDs, f.addNode(t, fmt.Sprintf("node-%c", 'a'+i), models.NodeStatusOnline))
	}
	return f
}

func (f *fixture) addNode(t *testing.T, name string, status models.NodeStatus) int64 {
	t.Helper()
	n := &models.Node{
		Name: name, Host: name + ".example.com", APIPort: 8080, APIToken: "token-" + name,
		MTProtoPort: 443, Socks5Port: 1080, Workers: 2, Status: status, IsActive: true,
	}
	require.NoError(t, f.stores.Nodes.Create(f.ctx, n))
	return n.ID
}

func (f *fixture) fake(id int64) *clienttest.FakeNode {
	return f.fakes.Node(id, "")
}

func (f *fixture) setStatus(t *testing.T, id int64, status models.NodeStatus) {
	t.Helper()
	require.NoError(t, f.stores.Nodes.UpdateHealth(f.ctx, id, status, nil, nil))
}

func (f *fixture) activeSecrets(t *testing.T, userID int64) []*models.PersonalSecret {
	t.Helper()
	secrets, err := f.stores.Secrets.ListActiveByUser(f.ctx, userID)
	require.NoError(t, err)
	return secrets
}

func TestEnsureSecretsIsIdempotent(t *testing.T) {
	f := newFixture(t, 3)

	first, err := f.prov.EnsureSecretsOnNodes(f.ctx, 7, f.nodeIDs, true)
	require.NoError(t, err)
	require.Len(t, first, 3)
	callsAfterFirst := f.fakes.TotalCalls()
	assert.Equal(t, 3, callsAfterFirst)

	second, err := f.prov.EnsureSecretsOnNodes(f.ctx, 7, f.nodeIDs, true)
	require.NoError(t, err)
	require.Len(t, second, 3)

	assert.Equal(t, callsAfterFirst, f.fakes.TotalCalls(), "second call must not reach any node")
	for i := range first {
		assert.Equal(t, first[i].Secret, second[i].Secret)
		assert.Equal(t, first[i].Link, second[i].Link)
		assert.True(t, first[i].Created)
		assert.False(t, second[i].Created)
	}
}

func TestEnsureSecretsPartialFailure(t *testing.T) {
	f := newFixture(t, 3)
	a, b, c := f.nodeIDs[0], f.nodeIDs[1], f.nodeIDs[2]
	f.fake(b).SetDown(true)

	got, err := f.prov.EnsureSecretsOnNodes(f.ctx, 7, []int64{a, b, c}, false)
	require.NoError(t, err)
	require.Len(t, got, 3)

	byNode := map[int64]*ProvisionedSecret{}
	for _, p := range got {
		byNode[p.NodeID] = p
		assert.NotEmpty(t, p.Link)
	}
	assert.False(t, byNode[a].PushFailed)
	assert.True(t, byNode[b].PushFailed)
	assert.False(t, byNode[c].PushFailed)

	assert.Len(t, f.fake(a).Secrets(), 1)
	assert.Empty(t, f.fake(b).Secrets())
	assert.Len(t, f.fake(c).Secrets(), 1)

	// the failed push is not rolled back in the store
	assert.Len(t, f.activeSecrets(t, 7), 3)
}

func TestEnsureSecretsSkipsNodesNotOnline(t *testing.T) {
	f := newFixture(t, 1)
	offline := f.addNode(t, "node-off", models.NodeStatusOffline)
	errored := f.addNode(t, "node-err", models.NodeStatusError)

	got, err := f.prov.EnsureSecretsOnNodes(f.ctx, 7, []int64{f.nodeIDs[0], offline, errored}, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f.nodeIDs[0], got[0].NodeID)
	assert.Zero(t, f.fake(offline).TotalCalls())
	assert.Zero(t, f.fake(errored).TotalCalls())
}

func TestEnsureSecretsUnknownNode(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.prov.EnsureSecretsOnNodes(f.ctx, 7, []int64{f.nodeIDs[0], 999}, false)
	assert.True(t, apperr.IsNotFound(err))
	assert.Zero(t, f.fakes.TotalCalls())
}

func TestTwoUsersOneNodeThenDisable(t *testing.T) {
	f := newFixture(t, 1)
	n := f.nodeIDs[0]

	_, err := f.prov.EnsureSecretsOnNodes(f.ctx, 42, []int64{n}, false)
	require.NoError(t, err)
	require.Len(t, f.activeSecrets(t, 42), 1)

	_, err = f.prov.EnsureSecretsOnNodes(f.ctx, 43, []int64{n}, false)
	require.NoError(t, err)
	s43 := f.activeSecrets(t, 43)
	require.Len(t, s43, 1)
	assert.NotEqual(t, f.activeSecrets(t, 42)[0].Secret, s43[0].Secret)
	assert.Len(t, f.fake(n).Secrets(), 2)

	res, err := f.prov.DisableUser(f.ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Zero(t, res.Failed)
	assert.EqualValues(t, 1, res.Revoked)

	assert.Empty(t, f.activeSecrets(t, 42))
	assert.Len(t, f.activeSecrets(t, 43), 1)
	assert.Equal(t, []string{s43[0].Secret}, f.fake(n).Secrets())
}

func TestDisableUserContinuesPastFailures(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.prov.EnsureSecretsOnNodes(f.ctx, 7, f.nodeIDs, false)
	require.NoError(t, err)

	f.fake(f.nodeIDs[0]).SetDown(true)

	res, err := f.prov.DisableUser(f.ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 1, res.Failed)
	require.Error(t, res.NodeErrors)
	assert.True(t, apperr.IsTransport(res.NodeErrors))

	assert.Empty(t, f.activeSecrets(t, 7))
	assert.Empty(t, f.fake(f.nodeIDs[1]).Secrets())
	assert.Empty(t, f.fake(f.nodeIDs[2]).Secrets())
}

func TestAtMostOneActiveUnderConcurrency(t *testing.T) {
	f := newFixture(t, 2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 4 {
				_, _ = f.prov.DisableUser(f.ctx, 7)
				return
			}
			_, _ = f.prov.EnsureSecretsOnNodes(f.ctx, 7, f.nodeIDs, false)
		}(i)
	}
	wg.Wait()

	perNode := map[int64]int{}
	for _, s := range f.activeSecrets(t, 7) {
		perNode[s.NodeID]++
	}
	for nodeID, n := range perNode {
		assert.LessOrEqual(t, n, 1, "node %d", nodeID)
	}
}

func TestReconcileUserEffectiveAccess(t *testing.T) {
	f := newFixture(t, 2)
	sub := &models.Subscription{Name: "bundle", NodeIDs: []int64{f.nodeIDs[0]}, IncludeMTProto: true, IsActive: true}
	require.NoError(t, f.stores.Subscriptions.Create(f.ctx, sub))

	user := int64(7)
	binding := &models.EntitlementBinding{ExternalSubscriptionID: "ext-1", SubscriptionID: sub.ID, UserID: &user, Status: models.EntitlementStatusActive}
	require.NoError(t, f.stores.Bindings.Upsert(f.ctx, binding))

	// binding only: bundle node
	d, err := f.prov.ReconcileUser(f.ctx, user)
	require.NoError(t, err)
	assert.True(t, d.Access)
	require.Len(t, d.Provisioned, 1)
	assert.Equal(t, f.nodeIDs[0], d.Provisioned[0].NodeID)

	// entitlement without bundle widens access to every active node
	ent := &models.UserEntitlement{UserID: user, Source: models.EntitlementSourcePurchase, Status: models.EntitlementStatusActive, ExpiresAt: f.now.Add(24 * time.Hour)}
	require.NoError(t, f.stores.Entitlements.Create(f.ctx, ent))
	d, err = f.prov.ReconcileUser(f.ctx, user)
	require.NoError(t, err)
	assert.Len(t, d.Provisioned, 2)

	// binding expires while the entitlement is active: nothing is revoked
	require.NoError(t, f.stores.Bindings.UpdateStatus(f.ctx, binding.ID, models.EntitlementStatusExpired, f.now))
	removesBefore := f.fake(f.nodeIDs[0]).Calls("remove_secret") + f.fake(f.nodeIDs[1]).Calls("remove_secret")
	d, err = f.prov.ReconcileUser(f.ctx, user)
	require.NoError(t, err)
	assert.True(t, d.Access)
	assert.Nil(t, d.Disabled)
	assert.Zero(t, d.Revoked)
	assert.Equal(t, removesBefore, f.fake(f.nodeIDs[0]).Calls("remove_secret")+f.fake(f.nodeIDs[1]).Calls("remove_secret"))
	assert.Len(t, f.activeSecrets(t, user), 2)

	// both sources inactive: user disabled
	require.NoError(t, f.stores.Entitlements.UpdateStatus(f.ctx, ent.ID, models.EntitlementStatusCancelled))
	d, err = f.prov.ReconcileUser(f.ctx, user)
	require.NoError(t, err)
	assert.False(t, d.Access)
	require.NotNil(t, d.Disabled)
	assert.Equal(t, 2, d.Disabled.Attempted)
	assert.Empty(t, f.activeSecrets(t, user))
}

func TestReconcileUserRevokesNodesLeftBundle(t *testing.T) {
	f := newFixture(t, 2)
	a, b := f.nodeIDs[0], f.nodeIDs[1]
	bundleAB := &models.Subscription{Name: "ab", NodeIDs: []int64{a, b}, IsActive: true}
	bundleA := &models.Subscription{Name: "a", NodeIDs: []int64{a}, IsActive: true}
	require.NoError(t, f.stores.Subscriptions.Create(f.ctx, bundleAB))
	require.NoError(t, f.stores.Subscriptions.Create(f.ctx, bundleA))

	user := int64(9)
	binding := &models.EntitlementBinding{ExternalSubscriptionID: "ext-9", SubscriptionID: bundleAB.ID, UserID: &user, Status: models.EntitlementStatusActive}
	require.NoError(t, f.stores.Bindings.Upsert(f.ctx, binding))
	_, err := f.prov.ReconcileUser(f.ctx, user)
	require.NoError(t, err)
	assert.Len(t, f.activeSecrets(t, user), 2)

	binding.SubscriptionID = bundleA.ID
	require.NoError(t, f.stores.Bindings.Upsert(f.ctx, binding))
	d, err := f.prov.ReconcileUser(f.ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Revoked)

	active := f.activeSecrets(t, user)
	require.Len(t, active, 1)
	assert.Equal(t, a, active[0].NodeID)
	assert.Empty(t, f.fake(b).Secrets())
}

func TestReconcileUserKeepsSecretsOnOfflineAccessibleNode(t *testing.T) {
	f := newFixture(t, 2)
	user := int64(5)
	ent := &models.UserEntitlement{UserID: user, Source: models.EntitlementSourceGift, Status: models.EntitlementStatusActive, ExpiresAt: f.now.Add(time.Hour)}
	require.NoError(t, f.stores.Entitlements.Create(f.ctx, ent))

	_, err := f.prov.ReconcileUser(f.ctx, user)
	require.NoError(t, err)
	require.Len(t, f.activeSecrets(t, user), 2)

	f.setStatus(t, f.nodeIDs[1], models.NodeStatusOffline)
	callsBefore := f.fake(f.nodeIDs[1]).TotalCalls()

	d, err := f.prov.ReconcileUser(f.ctx, user)
	require.NoError(t, err)
	assert.Zero(t, d.Revoked)
	assert.Len(t, d.Provisioned, 1)
	assert.Len(t, f.activeSecrets(t, user), 2)
	assert.Equal(t, callsBefore, f.fake(f.nodeIDs[1]).TotalCalls())
}

func TestUserLinksOnlyOnlineNodes(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.prov.EnsureSecretsOnNodes(f.ctx, 7, f.nodeIDs, true)
	require.NoError(t, err)

	f.setStatus(t, f.nodeIDs[1], models.NodeStatusError)
	links, err := f.prov.UserLinks(f.ctx, 7)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, f.nodeIDs[0], links[0].NodeID)
	assert.Contains(t, links[0].URL, "secret=dd")
}

func TestGenerateSecret(t *testing.T) {
	s, err := GenerateSecret()
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{32}$`, s)

	other, err := GenerateSecret()
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}
