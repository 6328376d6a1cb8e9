package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// NodeStatus is the observed status of a node, written by the health sweep.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
	NodeStatusError   NodeStatus = "error"
	NodeStatusUnknown NodeStatus = "unknown"
)

// RelayKind selects one of the two relay processes running on a node.
type RelayKind string

const (
	RelayMTProto RelayKind = "mtproto"
	RelaySocks5  RelayKind = "socks5"
)

// ParseRelayKind accepts the path segment used by the agent API.
func ParseRelayKind(s string) (RelayKind, bool) {
	switch RelayKind(s) {
	case RelayMTProto, RelaySocks5:
		return RelayKind(s), true
	}
	return "", false
}

// Node is a relay host managed by the control plane. Nodes are
// soft-deactivated (IsActive=false) rather than deleted while referenced.
type Node struct {
	ID          int64
	Name        string
	Host        string
	APIPort     int
	APIToken    string
	MTProtoPort int
	Socks5Port  int
	Workers     int
	MaxUsers    int

	Status     NodeStatus
	IsActive   bool
	LastSeenAt *time.Time
	LastError  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOnline reports whether the node may receive provisioning calls.
func (n *Node) IsOnline() bool {
	return n.IsActive && n.Status == NodeStatusOnline
}

// APIBaseURL is the root URL of the node's agent.
func (n *Node) APIBaseURL() string {
	return "http://" + net.JoinHostPort(n.Host, strconv.Itoa(n.APIPort))
}

// Fingerprint changes whenever the connection parameters of the agent
// change, so cached clients can be rebuilt.
func (n *Node) Fingerprint() string {
	return fmt.Sprintf("%s|%d|%s", n.Host, n.APIPort, n.APIToken)
}

// NodeStatsRecord is one stats-history row appended by the health sweep.
type NodeStatsRecord struct {
	ID                 int64
	NodeID             int64
	MTProtoRunning     bool
	Socks5Running      bool
	MTProtoConnections int64
	CPUPercent         float64
	MemoryPercent      float64
	DiskPercent        float64
	NetRxBytes         uint64
	NetTxBytes         uint64
	RecordedAt         time.Time
}

// Node event actions
const (
	EventHealthFailed    = "health_failed"
	EventNodeOnline      = "node_online"
	EventNodeOffline     = "node_offline"
	EventSecretPushed    = "secret_pushed"
	EventSecretPushFail  = "secret_push_failed"
	EventSecretRevoked   = "secret_revoked"
	EventSecretRevokeErr = "secret_revoke_failed"
	EventSyncRepaired    = "sync_repaired"
	EventSyncFailed      = "sync_failed"
	EventUserDisabled    = "user_disabled"
)

// NodeEvent is a diagnostic event, kept so operators can see why a node or
// a user's credentials drifted.
type NodeEvent struct {
	ID        string
	NodeID    *int64
	UserID    *int64
	Action    string
	Status    string
	Message   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}
