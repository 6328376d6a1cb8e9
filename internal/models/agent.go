package models

import "time"

// ==================== Node Agent Wire Types ====================

// NodeHealth is the typed result of GET /health after normalization.
type NodeHealth struct {
	MTProtoRunning bool    `json:"mtproto_running"`
	Socks5Running  bool    `json:"socks5_running"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryUsedMB   int64   `json:"memory_used_mb"`
	MemoryTotalMB  int64   `json:"memory_total_mb"`
	DiskPercent    float64 `json:"disk_percent"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

// NodeStats is the typed result of GET /stats after normalization.
type NodeStats struct {
	MTProtoConnections int64  `json:"mtproto_connections"`
	MTProtoWorkers     int    `json:"mtproto_workers"`
	MTProtoPort        int    `json:"mtproto_port"`
	NetRxBytes         uint64 `json:"net_rx_bytes"`
	NetTxBytes         uint64 `json:"net_tx_bytes"`
}

// SecretEntry is one MTProto secret in the node's desired-credential file.
type SecretEntry struct {
	Secret      string    `json:"secret" yaml:"secret"`
	Obfuscated  bool      `json:"obfuscated" yaml:"obfuscated"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	AddedAt     time.Time `json:"added_at" yaml:"added_at"`
}

// AccountEntry is one SOCKS5 account in the node's desired-credential file.
type AccountEntry struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// AddSecretRequest is the body of POST /mtproto/secrets
type AddSecretRequest struct {
	Secret      string `json:"secret" binding:"required,len=32,hexadecimal"`
	Obfuscated  bool   `json:"obfuscated"`
	Description string `json:"description" binding:"max=128"`
}

// AddAccountRequest is the body of POST /socks5/accounts
type AddAccountRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64,alphanum"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

// UpdateWorkersRequest is the body of POST /mtproto/workers
type UpdateWorkersRequest struct {
	Workers int `json:"workers" binding:"required"`
}

// UpdateMTProtoConfigRequest is the body of POST /mtproto/config
type UpdateMTProtoConfigRequest struct {
	Port int    `json:"port" binding:"omitempty,min=1,max=65535"`
	Tag  string `json:"tag" binding:"omitempty,len=32,hexadecimal"`
}

// SecretListResponse is returned by GET /mtproto/secrets
type SecretListResponse struct {
	Secrets []SecretEntry `json:"secrets"`
}

// AccountListResponse is returned by GET /socks5/accounts
type AccountListResponse struct {
	Accounts []AccountEntry `json:"accounts"`
}

// LogsResponse is returned by GET /system/logs
type LogsResponse struct {
	MTProto string `json:"mtproto"`
	Socks5  string `json:"socks5"`
}
