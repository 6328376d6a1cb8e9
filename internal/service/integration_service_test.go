package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

type stubBackend struct {
	statuses map[string]string
	users    map[string]*client.ResolvedUser
}

func (b *stubBackend) GetStatus(_ context.Context, externalID string) (string, error) {
	if s, ok := b.statuses[externalID]; ok {
		return s, nil
	}
	return models.EntitlementStatusCancelled, nil
}

func (b *stubBackend) ResolveUser(_ context.Context, link string) (*client.ResolvedUser, error) {
	if u, ok := b.users[link]; ok {
		return u, nil
	}
	return nil, apperr.NotFound("subscription link", link)
}

func newIntegration(t *testing.T, f *fixture, backend client.SubscriptionBackend) (*IntegrationService, *models.Subscription) {
	t.Helper()
	subs := NewSubscriptionService(testLogger(), f.stores)
	sub, err := subs.Create(f.ctx, &models.CreateSubscriptionRequest{Name: "bundle", NodeIDs: []int64{f.nodeIDs[0]}, IncludeMTProto: true})
	require.NoError(t, err)
	svc := NewIntegrationService(testLogger(), f.stores, f.prov, subs, backend)
	svc.now = func() time.Time { return f.now }
	return svc, sub
}

func TestBindSubscriptionWithUser(t *testing.T) {
	f := newFixture(t, 2)
	svc, sub := newIntegration(t, f, nil)
	user := int64(42)

	resp, err := svc.BindSubscription(f.ctx, &models.BindingRequest{
		ExternalSubscriptionID: "ext-1", SubscriptionID: sub.ID, UserID: &user, Status: models.EntitlementStatusActive,
	})
	require.NoError(t, err)
	assert.True(t, resp.Granted)
	require.Len(t, resp.Links, 1)
	assert.Equal(t, f.nodeIDs[0], resp.Links[0].NodeID)

	resp, err = svc.BindSubscription(f.ctx, &models.BindingRequest{
		ExternalSubscriptionID: "ext-1", SubscriptionID: sub.ID, Status: models.EntitlementStatusExpired,
	})
	require.NoError(t, err)
	assert.False(t, resp.Granted)
	assert.Empty(t, resp.Links)
	require.NotNil(t, resp.UserID, "stored user is kept")
	assert.Empty(t, f.activeSecrets(t, user))
}

func TestBindSubscriptionWithoutUserReturnsSharedLinks(t *testing.T) {
	f := newFixture(t, 1)
	svc, sub := newIntegration(t, f, nil)
	require.NoError(t, f.stores.NodeSecrets.Create(f.ctx, &models.NodeSecret{NodeID: f.nodeIDs[0], Secret: "00112233445566778899aabbccddeeff"}))

	resp, err := svc.BindSubscription(f.ctx, &models.BindingRequest{
		ExternalSubscriptionID: "ext-2", SubscriptionID: sub.ID, Status: models.EntitlementStatusActive,
	})
	require.NoError(t, err)
	require.Len(t, resp.Links, 1)
	assert.Contains(t, resp.Links[0].URL, "secret=00112233445566778899aabbccddeeff")

	_, err = svc.BindSubscription(f.ctx, &models.BindingRequest{
		ExternalSubscriptionID: "ext-3", SubscriptionID: "00000000-0000-0000-0000-000000000000", Status: models.EntitlementStatusActive,
	})
	assert.True(t, apperr.IsNotFound(err))
}

func TestResolveThroughBackend(t *testing.T) {
	f := newFixture(t, 1)
	backend := &stubBackend{
		statuses: map[string]string{"ext-5": models.EntitlementStatusActive},
		users:    map[string]*client.ResolvedUser{"@alice": {UserID: 77, ExternalSubscriptionID: "ext-5"}},
	}
	svc, sub := newIntegration(t, f, backend)

	_, err := svc.BindSubscription(f.ctx, &models.BindingRequest{
		ExternalSubscriptionID: "ext-5", SubscriptionID: sub.ID, Status: models.EntitlementStatusActive,
	})
	require.NoError(t, err)

	resp, err := svc.Resolve(f.ctx, "@alice")
	require.NoError(t, err)
	require.NotNil(t, resp.UserID)
	assert.EqualValues(t, 77, *resp.UserID)
	assert.Len(t, resp.Links, 1)

	_, err = svc.Resolve(f.ctx, "@nobody")
	assert.True(t, apperr.IsNotFound(err))
}

func TestGrantAndCancelEntitlement(t *testing.T) {
	f := newFixture(t, 2)
	svc, _ := newIntegration(t, f, nil)

	ent, decision, err := svc.GrantEntitlement(f.ctx, &models.GrantEntitlementRequest{UserID: 9, DurationDays: 30})
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementSourcePurchase, ent.Source)
	assert.Equal(t, f.now.Add(30*24*time.Hour), ent.ExpiresAt)
	assert.True(t, decision.Access)
	assert.Len(t, decision.Provisioned, 2)

	_, decision, err = svc.CancelEntitlement(f.ctx, ent.ID)
	require.NoError(t, err)
	assert.False(t, decision.Access)
	assert.Empty(t, f.activeSecrets(t, 9))
}
