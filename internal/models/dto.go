package models

// ==================== Integration API DTOs ====================

// BindingRequest is sent by the external subscription system when a
// subscription is created or changes status.
type BindingRequest struct {
	ExternalSubscriptionID string `json:"external_subscription_id" binding:"required,max=128"`
	SubscriptionID         string `json:"subscription_id" binding:"required,uuid"`
	UserID                 *int64 `json:"user_id" binding:"omitempty,gt=0"`
	Status                 string `json:"status" binding:"required,oneof=active expired cancelled"`
}

// LinksResponse carries shareable links; Links is empty when access is not
// currently granted.
type LinksResponse struct {
	UserID  *int64      `json:"user_id,omitempty"`
	Granted bool        `json:"granted"`
	Links   []ProxyLink `json:"links"`
}

// GrantEntitlementRequest is sent by billing once a purchase completes.
type GrantEntitlementRequest struct {
	UserID         int64   `json:"user_id" binding:"required,gt=0"`
	SubscriptionID *string `json:"subscription_id" binding:"omitempty,uuid"`
	Source         string  `json:"source" binding:"omitempty,oneof=purchase gift admin"`
	DurationDays   int     `json:"duration_days" binding:"required,min=1,max=3650"`
}

// EntitlementInfo is the API view of a UserEntitlement.
type EntitlementInfo struct {
	ID             string  `json:"id"`
	UserID         int64   `json:"user_id"`
	SubscriptionID *string `json:"subscription_id,omitempty"`
	Source         string  `json:"source"`
	Status         string  `json:"status"`
	ExpiresAt      string  `json:"expires_at"`
	CreatedAt      string  `json:"created_at"`
}

// ==================== Admin API DTOs ====================

// CreateNodeRequest registers a node.
type CreateNodeRequest struct {
	Name        string `json:"name" binding:"required,max=64"`
	Host        string `json:"host" binding:"required,hostname|ip"`
	APIPort     int    `json:"api_port" binding:"required,min=1,max=65535"`
	APIToken    string `json:"api_token" binding:"required,min=16"`
	MTProtoPort int    `json:"mtproto_port" binding:"required,min=1,max=65535"`
	Socks5Port  int    `json:"socks5_port" binding:"required,min=1,max=65535"`
	Workers     int    `json:"workers" binding:"omitempty,min=1,max=16"`
	MaxUsers    int    `json:"max_users" binding:"omitempty,min=0"`
}

// UpdateNodeRequest edits a node. Nil fields are left unchanged.
type UpdateNodeRequest struct {
	Name        *string `json:"name" binding:"omitempty,max=64"`
	Host        *string `json:"host" binding:"omitempty,hostname|ip"`
	APIPort     *int    `json:"api_port" binding:"omitempty,min=1,max=65535"`
	APIToken    *string `json:"api_token" binding:"omitempty,min=16"`
	MTProtoPort *int    `json:"mtproto_port" binding:"omitempty,min=1,max=65535"`
	Socks5Port  *int    `json:"socks5_port" binding:"omitempty,min=1,max=65535"`
	Workers     *int    `json:"workers"`
	MaxUsers    *int    `json:"max_users" binding:"omitempty,min=0"`
}

// NodeInfo is the API view of a Node. The agent token is never returned.
type NodeInfo struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Host        string  `json:"host"`
	APIPort     int     `json:"api_port"`
	MTProtoPort int     `json:"mtproto_port"`
	Socks5Port  int     `json:"socks5_port"`
	Workers     int     `json:"workers"`
	MaxUsers    int     `json:"max_users"`
	Status      string  `json:"status"`
	IsActive    bool    `json:"is_active"`
	LastSeenAt  *string `json:"last_seen_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
}

// AddNodeSecretRequest adds a shared-pool secret to a node. An empty
// secret is generated.
type AddNodeSecretRequest struct {
	Secret      string `json:"secret" binding:"omitempty,len=32,hexadecimal"`
	Obfuscated  bool   `json:"obfuscated"`
	Description string `json:"description" binding:"max=128"`
}

// AddSocks5AccountRequest adds a SOCKS5 account to a node. An empty
// password is generated.
type AddSocks5AccountRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64,alphanum"`
	Password string `json:"password" binding:"omitempty,min=8,max=128"`
}

// CreateSubscriptionRequest defines a subscription bundle.
type CreateSubscriptionRequest struct {
	Name           string  `json:"name" binding:"required,max=128"`
	NodeIDs        []int64 `json:"node_ids" binding:"required,min=1,dive,gt=0"`
	IncludeMTProto bool    `json:"include_mtproto"`
	IncludeSocks5  bool    `json:"include_socks5"`
}

// SubscriptionInfo is the API view of a Subscription.
type SubscriptionInfo struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	NodeIDs        []int64 `json:"node_ids"`
	IncludeMTProto bool    `json:"include_mtproto"`
	IncludeSocks5  bool    `json:"include_socks5"`
	IsActive       bool    `json:"is_active"`
	CreatedAt      string  `json:"created_at"`
}

// ProvisionUserRequest provisions a user on an explicit node list.
type ProvisionUserRequest struct {
	NodeIDs    []int64 `json:"node_ids" binding:"required,min=1,dive,gt=0"`
	Obfuscated bool    `json:"obfuscated"`
}

// ProvisionedSecretInfo is the API view of one provisioning outcome.
type ProvisionedSecretInfo struct {
	NodeID     int64  `json:"node_id"`
	NodeName   string `json:"node_name"`
	Secret     string `json:"secret"`
	Link       string `json:"link"`
	Created    bool   `json:"created"`
	PushFailed bool   `json:"push_failed,omitempty"`
}

// UserDecisionInfo is the API view of a reconcile or disable outcome.
type UserDecisionInfo struct {
	UserID      int64                    `json:"user_id"`
	Access      bool                     `json:"access"`
	Provisioned []*ProvisionedSecretInfo `json:"provisioned"`
	Revoked     int                      `json:"revoked"`
	Attempted   int                      `json:"attempted,omitempty"`
	Failed      int                      `json:"failed,omitempty"`
	Errors      string                   `json:"errors,omitempty"`
}

// ProxyInfo is the API view of a Proxy. Credential fields are set per kind.
type ProxyInfo struct {
	Kind       RelayKind `json:"kind"`
	NodeID     int64     `json:"node_id"`
	NodeName   string    `json:"node_name"`
	Server     string    `json:"server"`
	Port       int       `json:"port"`
	Secret     string    `json:"secret,omitempty"`
	Obfuscated bool      `json:"obfuscated,omitempty"`
	Username   string    `json:"username,omitempty"`
	Password   string    `json:"password,omitempty"`
}

// NodeStatsInfo is one row of a node's stats history.
type NodeStatsInfo struct {
	MTProtoRunning     bool    `json:"mtproto_running"`
	Socks5Running      bool    `json:"socks5_running"`
	MTProtoConnections int64   `json:"mtproto_connections"`
	CPUPercent         float64 `json:"cpu_percent"`
	MemoryPercent      float64 `json:"memory_percent"`
	DiskPercent        float64 `json:"disk_percent"`
	NetRxBytes         uint64  `json:"net_rx_bytes"`
	NetTxBytes         uint64  `json:"net_tx_bytes"`
	RecordedAt         string  `json:"recorded_at"`
}

// NodeEventInfo is the API view of a NodeEvent.
type NodeEventInfo struct {
	ID        string                 `json:"id"`
	UserID    *int64                 `json:"user_id,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

// NodeSecretInfo is the API view of a shared-pool secret.
type NodeSecretInfo struct {
	Secret      string `json:"secret"`
	Obfuscated  bool   `json:"obfuscated"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Socks5AccountInfo is the API view of a node's SOCKS5 account.
type Socks5AccountInfo struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	CreatedAt string `json:"created_at"`
}
