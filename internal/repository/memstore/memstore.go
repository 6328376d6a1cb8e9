// Package memstore is an in-memory implementation of every repository
// store. It enforces the same uniqueness rules as the Postgres schema and is
// used for local development (DB_DRIVER=memory) and tests.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
)

type memDB struct {
	mu  sync.RWMutex
	now func() time.Time

	nodeSeq   int64
	secretSeq int64
	otherSeq  int64

	nodes         map[int64]*models.Node
	secrets       map[int64]*models.PersonalSecret
	nodeSecrets   map[int64]*models.NodeSecret
	accounts      map[int64]*models.Socks5Account
	subscriptions map[string]*models.Subscription
	bindings      map[string]*models.EntitlementBinding
	entitlements  map[string]*models.UserEntitlement
	stats         []*models.NodeStatsRecord
	events        []*models.NodeEvent
}

// New returns a fresh set of stores sharing one in-memory database.
func New() *repository.Stores {
	db := &memDB{
		now:           time.Now,
		nodes:         make(map[int64]*models.Node),
		secrets:       make(map[int64]*models.PersonalSecret),
		nodeSecrets:   make(map[int64]*models.NodeSecret),
		accounts:      make(map[int64]*models.Socks5Account),
		subscriptions: make(map[string]*models.Subscription),
		bindings:      make(map[string]*models.EntitlementBinding),
		entitlements:  make(map[string]*models.UserEntitlement),
	}
	return &repository.Stores{
		Nodes:         &nodeStore{db},
		Secrets:       &secretStore{db},
		NodeSecrets:   &nodeSecretStore{db},
		Socks5:        &socks5Store{db},
		Subscriptions: &subscriptionStore{db},
		Bindings:      &bindingStore{db},
		Entitlements:  &entitlementStore{db},
		Stats:         &statsStore{db},
		Events:        &eventStore{db},
	}
}

func idKey(id int64) string { return strconv.FormatInt(id, 10) }

// Values are copied on the way in and out so callers never alias stored rows.

func copyNode(n *models.Node) *models.Node {
	c := *n
	return &c
}

func copySubscription(s *models.Subscription) *models.Subscription {
	c := *s
	c.NodeIDs = append([]int64(nil), s.NodeIDs...)
	return &c
}

// ==================== Nodes ====================

type nodeStore struct{ db *memDB }

func (s *nodeStore) Create(_ context.Context, n *models.Node) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.nodes {
		if existing.Name == n.Name {
			return apperr.Conflict("node", n.Name)
		}
	}
	if n.Status == "" {
		n.Status = models.NodeStatusUnknown
	}
	s.db.nodeSeq++
	n.ID = s.db.nodeSeq
	n.CreatedAt = s.db.now()
	n.UpdatedAt = n.CreatedAt
	s.db.nodes[n.ID] = copyNode(n)
	return nil
}

func (s *nodeStore) GetByID(_ context.Context, id int64) (*models.Node, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	n, ok := s.db.nodes[id]
	if !ok {
		return nil, apperr.NotFound("node", idKey(id))
	}
	return copyNode(n), nil
}

func (s *nodeStore) List(_ context.Context) ([]*models.Node, error) {
	return s.list(func(*models.Node) bool { return true }), nil
}

func (s *nodeStore) ListActive(_ context.Context) ([]*models.Node, error) {
	return s.list(func(n *models.Node) bool { return n.IsActive }), nil
}

func (s *nodeStore) list(keep func(*models.Node) bool) []*models.Node {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Node
	for _, n := range s.db.nodes {
		if keep(n) {
			out = append(out, copyNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *nodeStore) Update(_ context.Context, n *models.Node) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stored, ok := s.db.nodes[n.ID]
	if !ok {
		return apperr.NotFound("node", idKey(n.ID))
	}
	for _, existing := range s.db.nodes {
		if existing.ID != n.ID && existing.Name == n.Name {
			return apperr.Conflict("node", n.Name)
		}
	}
	stored.Name, stored.Host, stored.APIPort, stored.APIToken = n.Name, n.Host, n.APIPort, n.APIToken
	stored.MTProtoPort, stored.Socks5Port = n.MTProtoPort, n.Socks5Port
	stored.Workers, stored.MaxUsers = n.Workers, n.MaxUsers
	stored.UpdatedAt = s.db.now()
	n.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *nodeStore) UpdateHealth(_ context.Context, id int64, status models.NodeStatus, seenAt *time.Time, lastError *string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n, ok := s.db.nodes[id]
	if !ok {
		return apperr.NotFound("node", idKey(id))
	}
	n.Status = status
	if seenAt != nil {
		t := *seenAt
		n.LastSeenAt = &t
	}
	if lastError != nil {
		e := *lastError
		n.LastError = &e
	} else {
		n.LastError = nil
	}
	n.UpdatedAt = s.db.now()
	return nil
}

func (s *nodeStore) Deactivate(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n, ok := s.db.nodes[id]
	if !ok {
		return apperr.NotFound("node", idKey(id))
	}
	n.IsActive = false
	n.UpdatedAt = s.db.now()
	return nil
}

// ==================== Personal secrets ====================

type secretStore struct{ db *memDB }

func (s *secretStore) Create(_ context.Context, ps *models.PersonalSecret) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.secrets {
		if existing.IsActive && existing.UserID == ps.UserID && existing.NodeID == ps.NodeID {
			return apperr.Conflict("personal secret", idKey(ps.UserID)+"@"+idKey(ps.NodeID))
		}
	}
	s.db.secretSeq++
	ps.ID = s.db.secretSeq
	ps.IsActive = true
	ps.CreatedAt = s.db.now()
	c := *ps
	s.db.secrets[ps.ID] = &c
	return nil
}

func (s *secretStore) GetActive(_ context.Context, userID, nodeID int64) (*models.PersonalSecret, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, ps := range s.db.secrets {
		if ps.IsActive && ps.UserID == userID && ps.NodeID == nodeID {
			c := *ps
			return &c, nil
		}
	}
	return nil, apperr.NotFound("personal secret", idKey(userID)+"@"+idKey(nodeID))
}

func (s *secretStore) ListActiveByUser(_ context.Context, userID int64) ([]*models.PersonalSecret, error) {
	out := s.list(func(ps *models.PersonalSecret) bool { return ps.IsActive && ps.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *secretStore) ListActiveByNode(_ context.Context, nodeID int64) ([]*models.PersonalSecret, error) {
	return s.list(func(ps *models.PersonalSecret) bool { return ps.IsActive && ps.NodeID == nodeID }), nil
}

func (s *secretStore) ListActiveUserIDs(_ context.Context) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, ps := range s.list(func(ps *models.PersonalSecret) bool { return ps.IsActive }) {
		if !seen[ps.UserID] {
			seen[ps.UserID] = true
			ids = append(ids, ps.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *secretStore) Deactivate(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if ps, ok := s.db.secrets[id]; ok && ps.IsActive {
		now := s.db.now()
		ps.IsActive = false
		ps.RevokedAt = &now
	}
	return nil
}

func (s *secretStore) DeactivateAllForUser(_ context.Context, userID int64) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := s.db.now()
	var n int64
	for _, ps := range s.db.secrets {
		if ps.IsActive && ps.UserID == userID {
			ps.IsActive = false
			ps.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *secretStore) list(keep func(*models.PersonalSecret) bool) []*models.PersonalSecret {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.PersonalSecret
	for _, ps := range s.db.secrets {
		if keep(ps) {
			c := *ps
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ==================== Shared node secrets ====================

type nodeSecretStore struct{ db *memDB }

func (s *nodeSecretStore) Create(_ context.Context, ns *models.NodeSecret) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.nodeSecrets {
		if existing.IsActive && existing.NodeID == ns.NodeID && strings.EqualFold(existing.Secret, ns.Secret) {
			return apperr.Conflict("node secret", ns.Secret)
		}
	}
	s.db.otherSeq++
	ns.ID = s.db.otherSeq
	ns.IsActive = true
	ns.CreatedAt = s.db.now()
	c := *ns
	s.db.nodeSecrets[ns.ID] = &c
	return nil
}

func (s *nodeSecretStore) GetActive(_ context.Context, nodeID int64, secret string) (*models.NodeSecret, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, ns := range s.db.nodeSecrets {
		if ns.IsActive && ns.NodeID == nodeID && strings.EqualFold(ns.Secret, secret) {
			c := *ns
			return &c, nil
		}
	}
	return nil, apperr.NotFound("node secret", secret)
}

func (s *nodeSecretStore) ListActiveByNode(_ context.Context, nodeID int64) ([]*models.NodeSecret, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.NodeSecret
	for _, ns := range s.db.nodeSecrets {
		if ns.IsActive && ns.NodeID == nodeID {
			c := *ns
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *nodeSecretStore) Deactivate(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if ns, ok := s.db.nodeSecrets[id]; ok {
		ns.IsActive = false
	}
	return nil
}

// ==================== SOCKS5 accounts ====================

type socks5Store struct{ db *memDB }

func (s *socks5Store) Create(_ context.Context, a *models.Socks5Account) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.accounts {
		if existing.IsActive && existing.NodeID == a.NodeID && existing.Username == a.Username {
			return apperr.Conflict("socks5 account", a.Username)
		}
	}
	s.db.otherSeq++
	a.ID = s.db.otherSeq
	a.IsActive = true
	a.CreatedAt = s.db.now()
	c := *a
	s.db.accounts[a.ID] = &c
	return nil
}

func (s *socks5Store) GetActive(_ context.Context, nodeID int64, username string) (*models.Socks5Account, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, a := range s.db.accounts {
		if a.IsActive && a.NodeID == nodeID && a.Username == username {
			c := *a
			return &c, nil
		}
	}
	return nil, apperr.NotFound("socks5 account", username)
}

func (s *socks5Store) ListActiveByNode(_ context.Context, nodeID int64) ([]*models.Socks5Account, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Socks5Account
	for _, a := range s.db.accounts {
		if a.IsActive && a.NodeID == nodeID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *socks5Store) Deactivate(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if a, ok := s.db.accounts[id]; ok {
		a.IsActive = false
	}
	return nil
}

// ==================== Subscriptions ====================

type subscriptionStore struct{ db *memDB }

func (s *subscriptionStore) Create(_ context.Context, sub *models.Subscription) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if _, ok := s.db.subscriptions[sub.ID]; ok {
		return apperr.Conflict("subscription", sub.ID)
	}
	sub.CreatedAt = s.db.now()
	sub.UpdatedAt = sub.CreatedAt
	s.db.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

func (s *subscriptionStore) GetByID(_ context.Context, id string) (*models.Subscription, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sub, ok := s.db.subscriptions[id]
	if !ok {
		return nil, apperr.NotFound("subscription", id)
	}
	return copySubscription(sub), nil
}

func (s *subscriptionStore) List(_ context.Context) ([]*models.Subscription, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.Subscription
	for _, sub := range s.db.subscriptions {
		out = append(out, copySubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *subscriptionStore) SetActive(_ context.Context, id string, active bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sub, ok := s.db.subscriptions[id]
	if !ok {
		return apperr.NotFound("subscription", id)
	}
	sub.IsActive = active
	sub.UpdatedAt = s.db.now()
	return nil
}

// Delete cascades to bindings and clears entitlement references, as the
// foreign keys do in Postgres.
func (s *subscriptionStore) Delete(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.subscriptions[id]; !ok {
		return apperr.NotFound("subscription", id)
	}
	delete(s.db.subscriptions, id)
	for key, b := range s.db.bindings {
		if b.SubscriptionID == id {
			delete(s.db.bindings, key)
		}
	}
	for _, e := range s.db.entitlements {
		if e.SubscriptionID != nil && *e.SubscriptionID == id {
			e.SubscriptionID = nil
		}
	}
	return nil
}

// ==================== Entitlement bindings ====================

type bindingStore struct{ db *memDB }

func (s *bindingStore) Upsert(_ context.Context, b *models.EntitlementBinding) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := s.db.now()
	stored, ok := s.db.bindings[b.ExternalSubscriptionID]
	if !ok {
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
		c := *b
		c.CreatedAt = now
		stored = &c
		s.db.bindings[b.ExternalSubscriptionID] = stored
	} else {
		stored.SubscriptionID = b.SubscriptionID
		if b.UserID != nil {
			stored.UserID = b.UserID
		}
		stored.Status = b.Status
	}
	stored.LastCheckedAt = &now
	stored.UpdatedAt = now
	*b = *stored
	return nil
}

func (s *bindingStore) GetByExternalID(_ context.Context, externalID string) (*models.EntitlementBinding, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	b, ok := s.db.bindings[externalID]
	if !ok {
		return nil, apperr.NotFound("binding", externalID)
	}
	c := *b
	return &c, nil
}

func (s *bindingStore) List(_ context.Context) ([]*models.EntitlementBinding, error) {
	return s.list(func(*models.EntitlementBinding) bool { return true }), nil
}

func (s *bindingStore) ListActiveByUser(_ context.Context, userID int64) ([]*models.EntitlementBinding, error) {
	return s.list(func(b *models.EntitlementBinding) bool {
		return b.IsActive() && b.UserID != nil && *b.UserID == userID
	}), nil
}

func (s *bindingStore) UpdateStatus(_ context.Context, id, status string, checkedAt time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, b := range s.db.bindings {
		if b.ID == id {
			b.Status = status
			b.LastCheckedAt = &checkedAt
			b.UpdatedAt = s.db.now()
			return nil
		}
	}
	return apperr.NotFound("binding", id)
}

func (s *bindingStore) list(keep func(*models.EntitlementBinding) bool) []*models.EntitlementBinding {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.EntitlementBinding
	for _, b := range s.db.bindings {
		if keep(b) {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalSubscriptionID < out[j].ExternalSubscriptionID })
	return out
}

// ==================== User entitlements ====================

type entitlementStore struct{ db *memDB }

func (s *entitlementStore) Create(_ context.Context, e *models.UserEntitlement) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = s.db.now()
	e.UpdatedAt = e.CreatedAt
	c := *e
	s.db.entitlements[e.ID] = &c
	return nil
}

func (s *entitlementStore) GetByID(_ context.Context, id string) (*models.UserEntitlement, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	e, ok := s.db.entitlements[id]
	if !ok {
		return nil, apperr.NotFound("entitlement", id)
	}
	c := *e
	return &c, nil
}

func (s *entitlementStore) ListActiveByUser(_ context.Context, userID int64, now time.Time) ([]*models.UserEntitlement, error) {
	return s.list(func(e *models.UserEntitlement) bool { return e.UserID == userID && e.IsActiveAt(now) }), nil
}

func (s *entitlementStore) ListActiveUserIDs(_ context.Context, now time.Time) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, e := range s.list(func(e *models.UserEntitlement) bool { return e.IsActiveAt(now) }) {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			ids = append(ids, e.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *entitlementStore) UpdateStatus(_ context.Context, id, status string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.entitlements[id]
	if !ok {
		return apperr.NotFound("entitlement", id)
	}
	e.Status = status
	e.UpdatedAt = s.db.now()
	return nil
}

func (s *entitlementStore) ExpireDue(_ context.Context, now time.Time) ([]*models.UserEntitlement, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.UserEntitlement
	for _, e := range s.db.entitlements {
		if e.Status == models.EntitlementStatusActive && !now.Before(e.ExpiresAt) {
			e.Status = models.EntitlementStatusExpired
			e.UpdatedAt = s.db.now()
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *entitlementStore) list(keep func(*models.UserEntitlement) bool) []*models.UserEntitlement {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.UserEntitlement
	for _, e := range s.db.entitlements {
		if keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.After(out[j].ExpiresAt) })
	return out
}

// ==================== Stats and events ====================

type statsStore struct{ db *memDB }

func (s *statsStore) Insert(_ context.Context, rec *models.NodeStatsRecord) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.otherSeq++
	rec.ID = s.db.otherSeq
	rec.RecordedAt = s.db.now()
	c := *rec
	s.db.stats = append(s.db.stats, &c)
	return nil
}

func (s *statsStore) ListRecent(_ context.Context, nodeID int64, limit int) ([]*models.NodeStatsRecord, error) {
	if limit <= 0 {
		limit = 60
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.NodeStatsRecord
	for i := len(s.db.stats) - 1; i >= 0 && len(out) < limit; i-- {
		if rec := s.db.stats[i]; rec.NodeID == nodeID {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

type eventStore struct{ db *memDB }

func (s *eventStore) Create(_ context.Context, ev *models.NodeEvent) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = s.db.now()
	c := *ev
	s.db.events = append(s.db.events, &c)
	return nil
}

func (s *eventStore) ListByNode(_ context.Context, nodeID int64, limit int) ([]*models.NodeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*models.NodeEvent
	for i := len(s.db.events) - 1; i >= 0 && len(out) < limit; i-- {
		if ev := s.db.events[i]; ev.NodeID != nil && *ev.NodeID == nodeID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}
