package models

import "time"

// Entitlement status constants, shared by UserEntitlement and
// EntitlementBinding.
const (
	EntitlementStatusActive    = "active"
	EntitlementStatusExpired   = "expired"
	EntitlementStatusCancelled = "cancelled"
)

// Entitlement source constants
const (
	EntitlementSourcePurchase = "purchase"
	EntitlementSourceGift     = "gift"
	EntitlementSourceAdmin    = "admin"
)

// ValidEntitlementStatus reports whether s is one of the known statuses.
func ValidEntitlementStatus(s string) bool {
	switch s {
	case EntitlementStatusActive, EntitlementStatusExpired, EntitlementStatusCancelled:
		return true
	}
	return false
}

// UserEntitlement is a purchased access window. An empty SubscriptionID
// grants access to every active node.
type UserEntitlement struct {
	ID             string
	UserID         int64
	SubscriptionID *string
	Source         string
	Status         string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsActiveAt reports whether the entitlement grants access at now.
func (e *UserEntitlement) IsActiveAt(now time.Time) bool {
	return e.Status == EntitlementStatusActive && now.Before(e.ExpiresAt)
}

// EntitlementBinding correlates an external subscription with a local
// Subscription and, optionally, a user.
type EntitlementBinding struct {
	ID                     string
	ExternalSubscriptionID string
	SubscriptionID         string
	UserID                 *int64
	Status                 string
	LastCheckedAt          *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsActive reports whether the binding currently grants access.
func (b *EntitlementBinding) IsActive() bool {
	return b.Status == EntitlementStatusActive
}
