package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"change-me":                            true,
	"":                                     true,
}

// Config is the control-plane configuration.
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Redis          RedisConfig
	Nodes          NodeRPCConfig
	Provision      ProvisionConfig
	Scheduler      SchedulerConfig
	Services       ServicesConfig
	InternalSecret string `envconfig:"INTERNAL_SECRET"`
}

type ServerConfig struct {
	Port     string `envconfig:"SERVER_PORT" default:"8005"`
	Mode     string `envconfig:"GIN_MODE" default:"release"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory"
	Driver   string `envconfig:"DB_DRIVER" default:"postgres"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"saas_user"`
	Password string `envconfig:"DB_PASSWORD" default:"saas_pass"`
	DBName   string `envconfig:"DB_NAME" default:"saas_db"`
	Schema   string `envconfig:"DB_SCHEMA" default:"proxyfleet"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	MinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`
}

type JWTConfig struct {
	SecretKey string `envconfig:"JWT_SECRET_KEY"`
}

// RedisConfig enables the distributed per-user lock when Addr is set.
type RedisConfig struct {
	Addr     string        `envconfig:"REDIS_ADDR"`
	Password string        `envconfig:"REDIS_PASSWORD"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	LockTTL  time.Duration `envconfig:"USER_LOCK_TTL" default:"2m"`
}

type NodeRPCConfig struct {
	Timeout     time.Duration `envconfig:"NODE_RPC_TIMEOUT" default:"10s"`
	ClientTTL   time.Duration `envconfig:"NODE_CLIENT_TTL" default:"30m"`
	Concurrency int           `envconfig:"NODE_CONCURRENCY" default:"8"`
}

type ProvisionConfig struct {
	// Obfuscated marks newly minted personal secrets for the "dd" transport
	Obfuscated bool `envconfig:"SECRET_OBFUSCATED" default:"true"`
}

type SchedulerConfig struct {
	Enabled             bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`
	HealthInterval      time.Duration `envconfig:"HEALTH_INTERVAL" default:"1m"`
	EntitlementInterval time.Duration `envconfig:"ENTITLEMENT_INTERVAL" default:"5m"`
	ExpiryInterval      time.Duration `envconfig:"EXPIRY_INTERVAL" default:"30s"`
	OfflineAfter        time.Duration `envconfig:"OFFLINE_AFTER" default:"10m"`
	SweepTimeout        time.Duration `envconfig:"SWEEP_TIMEOUT" default:"4m"`
	UserConcurrency     int           `envconfig:"USER_CONCURRENCY" default:"4"`
}

type ServicesConfig struct {
	SubscriptionServiceURL string        `envconfig:"SUBSCRIPTION_SERVICE_URL" default:"http://localhost:8003"`
	SubscriptionTimeout    time.Duration `envconfig:"SUBSCRIPTION_SERVICE_TIMEOUT" default:"15s"`
}

// Load reads the control-plane configuration from the environment.
func Load(log logrus.FieldLogger) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	// 日志脱敏: 不记录敏感配置
	log.WithFields(logrus.Fields{
		"port":         cfg.Server.Port,
		"db_driver":    cfg.Database.Driver,
		"db":           cfg.Database.Host + "/" + cfg.Database.DBName + "." + cfg.Database.Schema,
		"redis":        cfg.Redis.Addr != "",
		"subscription": cfg.Services.SubscriptionServiceURL,
	}).Info("control plane config loaded")

	return cfg, nil
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Nodes.Timeout <= 0 {
		return fmt.Errorf("NODE_RPC_TIMEOUT must be positive")
	}
	if c.Nodes.Concurrency < 1 {
		return fmt.Errorf("NODE_CONCURRENCY must be at least 1")
	}
	if c.Scheduler.UserConcurrency < 1 {
		return fmt.Errorf("USER_CONCURRENCY must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"HEALTH_INTERVAL":      c.Scheduler.HealthInterval,
		"ENTITLEMENT_INTERVAL": c.Scheduler.EntitlementInterval,
		"EXPIRY_INTERVAL":      c.Scheduler.ExpiryInterval,
	} {
		if d < time.Second {
			return fmt.Errorf("%s must be at least 1s, got %s", name, d)
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}
