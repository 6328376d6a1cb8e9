package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

func TestGetProxiesFiltersOnlineAndFlags(t *testing.T) {
	f := newFixture(t, 2)
	a, b := f.nodeIDs[0], f.nodeIDs[1]
	subs := NewSubscriptionService(testLogger(), f.stores)

	require.NoError(t, f.stores.NodeSecrets.Create(f.ctx, &models.NodeSecret{NodeID: a, Secret: "00112233445566778899aabbccddeeff", Obfuscated: true}))
	require.NoError(t, f.stores.NodeSecrets.Create(f.ctx, &models.NodeSecret{NodeID: b, Secret: "ffeeddccbbaa99887766554433221100"}))
	require.NoError(t, f.stores.Socks5.Create(f.ctx, &models.Socks5Account{NodeID: a, Username: "alice", Password: "password1"}))
	// personal secrets never appear in a bundle
	_, err := f.prov.EnsureSecretsOnNodes(f.ctx, 42, []int64{a}, false)
	require.NoError(t, err)

	sub, err := subs.Create(f.ctx, &models.CreateSubscriptionRequest{Name: "eu", NodeIDs: []int64{a, b, a}, IncludeMTProto: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b}, sub.NodeIDs)

	proxies, err := subs.GetProxies(f.ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, proxies, 2)
	for _, p := range proxies {
		assert.Equal(t, models.RelayMTProto, p.Kind)
	}

	f.setStatus(t, b, models.NodeStatusError)
	proxies, err = subs.GetProxies(f.ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	assert.Equal(t, a, proxies[0].NodeID)

	both, err := subs.Create(f.ctx, &models.CreateSubscriptionRequest{Name: "all", NodeIDs: []int64{a}, IncludeMTProto: true, IncludeSocks5: true})
	require.NoError(t, err)
	links, err := subs.Links(f.ctx, both.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Contains(t, links[0].URL, "tg://proxy?")
	assert.Contains(t, links[1].URL, "tg://socks?")

	// calls are pure reads
	assert.Zero(t, f.fake(a).Calls("list_secrets"))
}

func TestToggleAndDeleteDoNotTouchNodes(t *testing.T) {
	f := newFixture(t, 1)
	subs := NewSubscriptionService(testLogger(), f.stores)
	require.NoError(t, f.stores.NodeSecrets.Create(f.ctx, &models.NodeSecret{NodeID: f.nodeIDs[0], Secret: "00112233445566778899aabbccddeeff"}))

	sub, err := subs.Create(f.ctx, &models.CreateSubscriptionRequest{Name: "x", NodeIDs: f.nodeIDs, IncludeMTProto: true})
	require.NoError(t, err)

	toggled, err := subs.Toggle(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	proxies, err := subs.GetProxies(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, proxies)

	require.NoError(t, subs.Delete(f.ctx, sub.ID))
	_, err = subs.Get(f.ctx, sub.ID)
	assert.True(t, apperr.IsNotFound(err))

	assert.Zero(t, f.fakes.TotalCalls())
	shared, err := f.stores.NodeSecrets.ListActiveByNode(f.ctx, f.nodeIDs[0])
	require.NoError(t, err)
	assert.Len(t, shared, 1)
}

func TestCreateSubscriptionValidation(t *testing.T) {
	f := newFixture(t, 1)
	subs := NewSubscriptionService(testLogger(), f.stores)

	_, err := subs.Create(f.ctx, &models.CreateSubscriptionRequest{Name: "none", NodeIDs: f.nodeIDs})
	assert.True(t, apperr.IsValidation(err))

	_, err = subs.Create(f.ctx, &models.CreateSubscriptionRequest{Name: "bad", NodeIDs: []int64{404}, IncludeMTProto: true})
	assert.True(t, apperr.IsNotFound(err))
}
