package models

import "time"

// Subscription is a named bundle of nodes. It is a view definition: the
// proxy list is recomputed from live node state on every read.
type Subscription struct {
	ID             string
	Name           string
	NodeIDs        []int64
	IncludeMTProto bool
	IncludeSocks5  bool
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Proxy is one usable endpoint derived from live node state.
type Proxy struct {
	Kind       RelayKind
	NodeID     int64
	NodeName   string
	Server     string
	Port       int
	Secret     string
	Obfuscated bool
	Username   string
	Password   string
}

// ProxyLink is a shareable connection URI for a Proxy.
type ProxyLink struct {
	NodeID   int64     `json:"node_id"`
	NodeName string    `json:"node_name"`
	Kind     RelayKind `json:"kind"`
	URL      string    `json:"url"`
}
