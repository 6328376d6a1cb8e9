package config

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database:       DatabaseConfig{Driver: "memory"},
		JWT:            JWTConfig{SecretKey: strings.Repeat("j", 32)},
		InternalSecret: strings.Repeat("s", 32),
		Nodes:          NodeRPCConfig{Timeout: 10 * time.Second, Concurrency: 4},
		Scheduler: SchedulerConfig{
			HealthInterval:      time.Minute,
			EntitlementInterval: 5 * time.Minute,
			ExpiryInterval:      30 * time.Second,
			UserConcurrency:     2,
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "insecure jwt", mutate: func(c *Config) { c.JWT.SecretKey = "your-secret-key-change-in-production" }, wantErr: "JWT_SECRET_KEY"},
		{name: "short jwt", mutate: func(c *Config) { c.JWT.SecretKey = "short" }, wantErr: "at least 32"},
		{name: "empty internal secret", mutate: func(c *Config) { c.InternalSecret = "" }, wantErr: "INTERNAL_SECRET"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "DB_DRIVER"},
		{name: "zero rpc timeout", mutate: func(c *Config) { c.Nodes.Timeout = 0 }, wantErr: "NODE_RPC_TIMEOUT"},
		{name: "sub-second interval", mutate: func(c *Config) { c.Scheduler.ExpiryInterval = time.Millisecond }, wantErr: "EXPIRY_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HEALTH_INTERVAL", "2m")
	t.Setenv("DB_DRIVER", "memory")

	cfg, err := Load(logrus.New())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.HealthInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.EntitlementInterval)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "8005", cfg.Server.Port)
}

func TestAgentConfigValidate(t *testing.T) {
	cfg := &AgentConfig{
		APIToken:       "0123456789abcdef0123",
		Engine:         "memory",
		MTProtoWorkers: 2,
		DataDir:        t.TempDir(),
	}
	require.NoError(t, cfg.Validate())

	cfg.MTProtoWorkers = 17
	assert.Error(t, cfg.Validate())

	cfg.MTProtoWorkers = 2
	cfg.APIToken = "change-me"
	assert.Error(t, cfg.Validate())
}
