package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

const testToken = "node-token-0123456789"

func nodeFor(t *testing.T, srv *httptest.Server) *models.Node {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &models.Node{ID: 1, Name: "node-a", Host: host, APIPort: port, APIToken: testToken, IsActive: true}
}

func TestHealthNormalizesShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "flat", body: `{"mtproto_running":true,"socks5_running":false,"cpu_percent":12.5,"memory_percent":40,"disk_percent":70.1,"uptime_seconds":3600}`},
		{name: "data envelope", body: `{"data":{"mtproto_running":true,"socks5_running":false,"cpu_percent":12.5,"memory_percent":40,"disk_percent":70.1,"uptime_seconds":3600}}`},
		{name: "nested per relay", body: `{"mtproto":{"running":true},"socks5":{"running":false},"system":{"cpu_percent":"12.5","memory_percent":40,"disk_percent":70.1,"uptime_seconds":3600}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewNodeClient(nodeFor(t, srv), time.Second)
			h, err := c.Health(context.Background())
			require.NoError(t, err)
			assert.True(t, h.MTProtoRunning)
			assert.False(t, h.Socks5Running)
			assert.InDelta(t, 12.5, h.CPUPercent, 0.001)
			assert.InDelta(t, 40, h.MemoryPercent, 0.001)
			assert.InDelta(t, 70.1, h.DiskPercent, 0.001)
			assert.EqualValues(t, 3600, h.UptimeSeconds)
		})
	}
}

func TestStatsNormalizesShapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"mtproto":{"connections":17,"workers":4,"port":8443},"network":{"rx_bytes":1000,"tx_bytes":2000}}}`))
	}))
	defer srv.Close()

	s, err := NewNodeClient(nodeFor(t, srv), time.Second).Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 17, s.MTProtoConnections)
	assert.Equal(t, 4, s.MTProtoWorkers)
	assert.Equal(t, 8443, s.MTProtoPort)
	assert.EqualValues(t, 1000, s.NetRxBytes)
	assert.EqualValues(t, 2000, s.NetTxBytes)
}

func TestFailuresAreTransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "non-2xx with envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"docker run failed"}`))
			},
			want: "docker run failed",
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			want: "status 401",
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>gateway</html>`))
			},
			want: "undecodable",
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(300 * time.Millisecond)
			},
			want: "node-a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewNodeClient(nodeFor(t, srv), 100*time.Millisecond)
			err := c.AddSecret(context.Background(), "00112233445566778899aabbccddeeff", false, "")
			require.Error(t, err)
			assert.True(t, apperr.IsTransport(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDialFailureIsTransportError(t *testing.T) {
	node := &models.Node{ID: 9, Name: "gone", Host: "127.0.0.1", APIPort: 1, APIToken: testToken}
	_, err := NewNodeClient(node, 200*time.Millisecond).Health(context.Background())
	require.Error(t, err)
	var te *apperr.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "gone", te.Node)
	assert.Equal(t, "health", te.Op)
}

func TestListSecretsAcceptsEnvelopes(t *testing.T) {
	bodies := []string{
		`{"secrets":[{"secret":"00112233445566778899aabbccddeeff","obfuscated":true}]}`,
		`{"data":{"secrets":[{"secret":"00112233445566778899aabbccddeeff","obfuscated":true}]}}`,
		`[{"secret":"00112233445566778899aabbccddeeff","obfuscated":true}]`,
	}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		secrets, err := NewNodeClient(nodeFor(t, srv), time.Second).ListSecrets(context.Background())
		srv.Close()
		require.NoError(t, err, body)
		require.Len(t, secrets, 1, body)
		assert.True(t, secrets[0].Obfuscated)
	}
}

func TestRemoveSecretPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/mtproto/secrets/00112233445566778899aabbccddeeff", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	require.NoError(t, NewNodeClient(nodeFor(t, srv), time.Second).RemoveSecret(context.Background(), "00112233445566778899aabbccddeeff"))
}

func TestRegistryCachesAndRebuilds(t *testing.T) {
	reg := NewRegistry(logrus.New(), time.Second, time.Minute)
	node := &models.Node{ID: 1, Name: "a", Host: "10.0.0.1", APIPort: 8080, APIToken: "t1"}

	first := reg.Client(node)
	assert.Same(t, first, reg.Client(node))
	assert.Equal(t, 1, reg.Len())

	changed := *node
	changed.APIToken = "t2"
	rebuilt := reg.Client(&changed)
	assert.NotSame(t, first, rebuilt)
	assert.Same(t, rebuilt, reg.Client(&changed))

	reg.Invalidate(node.ID)
	assert.Equal(t, 0, reg.Len())
}
