package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// AgentConfig is the node-agent configuration.
type AgentConfig struct {
	Port     string `envconfig:"AGENT_PORT" default:"8080"`
	Mode     string `envconfig:"GIN_MODE" default:"release"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	APIToken string `envconfig:"AGENT_API_TOKEN"`
	DataDir  string `envconfig:"AGENT_DATA_DIR" default:"/var/lib/proxy-agent"`

	// Engine is "docker" or "memory"
	Engine       string `envconfig:"AGENT_ENGINE" default:"docker"`
	DockerBinary string `envconfig:"DOCKER_BINARY" default:"docker"`

	MTProtoImage     string `envconfig:"MTPROTO_IMAGE" default:"telegrammessenger/proxy:latest"`
	MTProtoContainer string `envconfig:"MTPROTO_CONTAINER" default:"mtproto-proxy"`
	MTProtoPort      int    `envconfig:"MTPROTO_PORT" default:"443"`
	MTProtoWorkers   int    `envconfig:"MTPROTO_WORKERS" default:"2"`
	MTProtoStatsURL  string `envconfig:"MTPROTO_STATS_URL" default:"http://127.0.0.1:2398/stats"`

	Socks5Image     string `envconfig:"SOCKS5_IMAGE" default:"serjs/go-socks5-proxy:latest"`
	Socks5Container string `envconfig:"SOCKS5_CONTAINER" default:"socks5-proxy"`
	Socks5Port      int    `envconfig:"SOCKS5_PORT" default:"1080"`

	ProxySecretURL string        `envconfig:"PROXY_SECRET_URL" default:"https://core.telegram.org/getProxySecret"`
	ProxyConfigURL string        `envconfig:"PROXY_CONFIG_URL" default:"https://core.telegram.org/getProxyConfig"`
	CommandTimeout time.Duration `envconfig:"AGENT_COMMAND_TIMEOUT" default:"60s"`
}

// LoadAgent reads the node-agent configuration from the environment.
func LoadAgent(log logrus.FieldLogger) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	log.WithFields(logrus.Fields{
		"port":     cfg.Port,
		"engine":   cfg.Engine,
		"data_dir": cfg.DataDir,
		"mtproto":  cfg.MTProtoPort,
		"socks5":   cfg.Socks5Port,
	}).Info("node agent config loaded")

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if insecureDefaults[c.APIToken] {
		return fmt.Errorf("AGENT_API_TOKEN must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.APIToken) < 16 {
		return fmt.Errorf("AGENT_API_TOKEN must be at least 16 characters long")
	}
	switch c.Engine {
	case "docker", "memory":
	default:
		return fmt.Errorf("AGENT_ENGINE must be docker or memory, got %q", c.Engine)
	}
	if c.MTProtoWorkers < 1 || c.MTProtoWorkers > 16 {
		return fmt.Errorf("MTPROTO_WORKERS must be between 1 and 16")
	}
	if c.DataDir == "" {
		return fmt.Errorf("AGENT_DATA_DIR is required")
	}
	return nil
}
