package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// NodeStore persists relay nodes. Nodes are soft-deactivated, never deleted.
type NodeStore interface {
	Create(ctx context.Context, n *models.Node) error
	GetByID(ctx context.Context, id int64) (*models.Node, error)
	List(ctx context.Context) ([]*models.Node, error)
	ListActive(ctx context.Context) ([]*models.Node, error)
	Update(ctx context.Context, n *models.Node) error
	UpdateHealth(ctx context.Context, id int64, status models.NodeStatus, seenAt *time.Time, lastError *string) error
	Deactivate(ctx context.Context, id int64) error
}

// PersonalSecretStore persists per-(user, node) secrets. Create must fail
// with a ConflictError when an active row for the pair already exists.
type PersonalSecretStore interface {
	Create(ctx context.Context, s *models.PersonalSecret) error
	GetActive(ctx context.Context, userID, nodeID int64) (*models.PersonalSecret, error)
	ListActiveByUser(ctx context.Context, userID int64) ([]*models.PersonalSecret, error)
	ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.PersonalSecret, error)
	ListActiveUserIDs(ctx context.Context) ([]int64, error)
	Deactivate(ctx context.Context, id int64) error
	DeactivateAllForUser(ctx context.Context, userID int64) (int64, error)
}

// NodeSecretStore persists the shared secret pool handed out through
// subscriptions.
type NodeSecretStore interface {
	Create(ctx context.Context, s *models.NodeSecret) error
	GetActive(ctx context.Context, nodeID int64, secret string) (*models.NodeSecret, error)
	ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.NodeSecret, error)
	Deactivate(ctx context.Context, id int64) error
}

// Socks5AccountStore persists SOCKS5 accounts, unique by username per node.
type Socks5AccountStore interface {
	Create(ctx context.Context, a *models.Socks5Account) error
	GetActive(ctx context.Context, nodeID int64, username string) (*models.Socks5Account, error)
	ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.Socks5Account, error)
	Deactivate(ctx context.Context, id int64) error
}

type SubscriptionStore interface {
	Create(ctx context.Context, s *models.Subscription) error
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	List(ctx context.Context) ([]*models.Subscription, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

type BindingStore interface {
	// Upsert inserts or updates by external subscription id and fills in the
	// stored row's id and timestamps.
	Upsert(ctx context.Context, b *models.EntitlementBinding) error
	GetByExternalID(ctx context.Context, externalID string) (*models.EntitlementBinding, error)
	List(ctx context.Context) ([]*models.EntitlementBinding, error)
	ListActiveByUser(ctx context.Context, userID int64) ([]*models.EntitlementBinding, error)
	UpdateStatus(ctx context.Context, id, status string, checkedAt time.Time) error
}

type UserEntitlementStore interface {
	Create(ctx context.Context, e *models.UserEntitlement) error
	GetByID(ctx context.Context, id string) (*models.UserEntitlement, error)
	ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]*models.UserEntitlement, error)
	ListActiveUserIDs(ctx context.Context, now time.Time) ([]int64, error)
	UpdateStatus(ctx context.Context, id, status string) error
	// ExpireDue marks every active entitlement past its expiry as expired and
	// returns the affected rows.
	ExpireDue(ctx context.Context, now time.Time) ([]*models.UserEntitlement, error)
}

type StatsStore interface {
	Insert(ctx context.Context, rec *models.NodeStatsRecord) error
	ListRecent(ctx context.Context, nodeID int64, limit int) ([]*models.NodeStatsRecord, error)
}

type EventStore interface {
	Create(ctx context.Context, ev *models.NodeEvent) error
	ListByNode(ctx context.Context, nodeID int64, limit int) ([]*models.NodeEvent, error)
}

// Stores groups every store the services depend on.
type Stores struct {
	Nodes         NodeStore
	Secrets       PersonalSecretStore
	NodeSecrets   NodeSecretStore
	Socks5        Socks5AccountStore
	Subscriptions SubscriptionStore
	Bindings      BindingStore
	Entitlements  UserEntitlementStore
	Stats         StatsStore
	Events        EventStore
}

// NewPostgresStores wires every store to the same pool.
func NewPostgresStores(pool *pgxpool.Pool) *Stores {
	return &Stores{
		Nodes:         NewNodeRepository(pool),
		Secrets:       NewPersonalSecretRepository(pool),
		NodeSecrets:   NewNodeSecretRepository(pool),
		Socks5:        NewSocks5AccountRepository(pool),
		Subscriptions: NewSubscriptionRepository(pool),
		Bindings:      NewBindingRepository(pool),
		Entitlements:  NewEntitlementRepository(pool),
		Stats:         NewStatsRepository(pool),
		Events:        NewEventRepository(pool),
	}
}

const uniqueViolation = "23505"

// mapNotFound converts pgx.ErrNoRows into a NotFoundError.
func mapNotFound(err error, resource, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(resource, key)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
