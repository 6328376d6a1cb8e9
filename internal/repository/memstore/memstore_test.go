package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

func TestPersonalSecretAtMostOneActive(t *testing.T) {
	ctx := context.Background()
	stores := New()

	first := &models.PersonalSecret{UserID: 42, NodeID: 1, Secret: "00112233445566778899aabbccddeeff"}
	require.NoError(t, stores.Secrets.Create(ctx, first))

	dup := &models.PersonalSecret{UserID: 42, NodeID: 1, Secret: "ffeeddccbbaa99887766554433221100"}
	err := stores.Secrets.Create(ctx, dup)
	assert.True(t, apperr.IsConflict(err))

	// other user on the same node is independent
	require.NoError(t, stores.Secrets.Create(ctx, &models.PersonalSecret{UserID: 43, NodeID: 1, Secret: "ffeeddccbbaa99887766554433221100"}))

	n, err := stores.Secrets.DeactivateAllForUser(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// after revocation a new active row for the pair is allowed
	require.NoError(t, stores.Secrets.Create(ctx, dup))

	active, err := stores.Secrets.ListActiveByNode(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	users, err := stores.Secrets.ListActiveUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 43}, users)
}

func TestSocks5UsernameUniquePerNode(t *testing.T) {
	ctx := context.Background()
	stores := New()

	require.NoError(t, stores.Socks5.Create(ctx, &models.Socks5Account{NodeID: 1, Username: "alice", Password: "password1"}))
	err := stores.Socks5.Create(ctx, &models.Socks5Account{NodeID: 1, Username: "alice", Password: "password2"})
	assert.True(t, apperr.IsConflict(err))
	require.NoError(t, stores.Socks5.Create(ctx, &models.Socks5Account{NodeID: 2, Username: "alice", Password: "password3"}))
}

func TestNodeNotFound(t *testing.T) {
	stores := New()
	_, err := stores.Nodes.GetByID(context.Background(), 99)
	assert.True(t, apperr.IsNotFound(err))
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	stores := New()
	now := time.Now()

	past := &models.UserEntitlement{UserID: 1, Status: models.EntitlementStatusActive, Source: models.EntitlementSourcePurchase, ExpiresAt: now.Add(-time.Minute)}
	future := &models.UserEntitlement{UserID: 2, Status: models.EntitlementStatusActive, Source: models.EntitlementSourcePurchase, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, stores.Entitlements.Create(ctx, past))
	require.NoError(t, stores.Entitlements.Create(ctx, future))

	expired, err := stores.Entitlements.ExpireDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, past.ID, expired[0].ID)
	assert.Equal(t, models.EntitlementStatusExpired, expired[0].Status)

	again, err := stores.Entitlements.ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	users, err := stores.Entitlements.ListActiveUserIDs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, users)
}

func TestBindingUpsertKeepsUser(t *testing.T) {
	ctx := context.Background()
	stores := New()
	user := int64(7)

	b := &models.EntitlementBinding{ExternalSubscriptionID: "ext-1", SubscriptionID: "sub-1", UserID: &user, Status: models.EntitlementStatusActive}
	require.NoError(t, stores.Bindings.Upsert(ctx, b))
	id := b.ID

	update := &models.EntitlementBinding{ExternalSubscriptionID: "ext-1", SubscriptionID: "sub-1", Status: models.EntitlementStatusExpired}
	require.NoError(t, stores.Bindings.Upsert(ctx, update))
	assert.Equal(t, id, update.ID)
	require.NotNil(t, update.UserID)
	assert.Equal(t, user, *update.UserID)

	active, err := stores.Bindings.ListActiveByUser(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, active)
}
