package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

func TestSubscriptionClientGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "internal-key", r.Header.Get("X-Internal-Secret"))
		switch r.URL.Path {
		case "/api/internal/subscriptions/ext-1/status":
			_, _ = w.Write([]byte(`{"status":"active"}`))
		case "/api/internal/subscriptions/ext-2/status":
			_, _ = w.Write([]byte(`{"data":{"status":"expired"}}`))
		case "/api/internal/subscriptions/ext-3/status":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewSubscriptionClient(srv.URL, "internal-key", time.Second)
	ctx := context.Background()

	status, err := c.GetStatus(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusActive, status)

	status, err = c.GetStatus(ctx, "ext-2")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusExpired, status)

	_, err = c.GetStatus(ctx, "ext-3")
	assert.Error(t, err)

	status, err = c.GetStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusCancelled, status)
}

func TestSubscriptionClientResolveUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("link") == "https://sub.example.com/u/abc" {
			_, _ = w.Write([]byte(`{"user_id":"42","external_subscription_id":"ext-9"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewSubscriptionClient(srv.URL, "internal-key", time.Second)

	user, err := c.ResolveUser(context.Background(), "https://sub.example.com/u/abc")
	require.NoError(t, err)
	assert.EqualValues(t, 42, user.UserID)
	assert.Equal(t, "ext-9", user.ExternalSubscriptionID)

	_, err = c.ResolveUser(context.Background(), "unknown")
	assert.True(t, apperr.IsNotFound(err))
}
