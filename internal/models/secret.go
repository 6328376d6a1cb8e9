package models

import "time"

// PersonalSecret is an MTProto secret scoped to exactly one (user, node)
// pair. At most one row per pair is active at any time.
type PersonalSecret struct {
	ID         int64
	UserID     int64
	NodeID     int64
	Secret     string
	Obfuscated bool
	IsActive   bool
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// NodeSecret is a shared-pool MTProto secret of a node. Shared secrets are
// what subscriptions hand out; they are never tied to a user.
type NodeSecret struct {
	ID          int64
	NodeID      int64
	Secret      string
	Obfuscated  bool
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// Socks5Account is a node-scoped SOCKS5 credential. Username is unique per
// node.
type Socks5Account struct {
	ID        int64
	NodeID    int64
	Username  string
	Password  string
	IsActive  bool
	CreatedAt time.Time
}
