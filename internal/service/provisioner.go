package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
	"golang.org/x/sync/errgroup"
)

// ProvisionedSecret is the outcome of provisioning one (user, node) pair.
type ProvisionedSecret struct {
	NodeID     int64
	NodeName   string
	Secret     string
	Obfuscated bool
	Link       string
	// Created is set when the secret was minted by this call
	Created bool
	// PushFailed is set when the node did not acknowledge the new secret.
	// The stored secret stays active and is pushed again by the next sync.
	PushFailed bool
}

// DisableResult summarizes a revocation across all of a user's nodes.
type DisableResult struct {
	UserID     int64
	Attempted  int
	Failed     int
	Revoked    int64
	NodeErrors error
}

// UserDecision is the outcome of applying the effective-access rule.
type UserDecision struct {
	UserID             int64
	Access             bool
	ActiveEntitlements int
	ActiveBindings     int
	Provisioned        []*ProvisionedSecret
	Revoked            int
	Disabled           *DisableResult
}

type ProvisionerOptions struct {
	// Obfuscated applies to secrets minted by ReconcileUser
	Obfuscated  bool
	Concurrency int
	Now         func() time.Time
}

// Provisioner grants and revokes per-user MTProto secrets across nodes.
// Every public operation holds the user's lock for its whole duration.
type Provisioner struct {
	log     logrus.FieldLogger
	stores  *repository.Stores
	clients client.Provider
	locker  UserLocker
	opts    ProvisionerOptions
}

func NewProvisioner(log logrus.FieldLogger, stores *repository.Stores, clients client.Provider, locker UserLocker, opts ProvisionerOptions) *Provisioner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provisioner{
		log:     log.WithField("component", "provisioner"),
		stores:  stores,
		clients: clients,
		locker:  locker,
		opts:    opts,
	}
}

// EnsureSecretsOnNodes makes sure the user holds one active secret on each
// listed node that is online. Existing secrets are reused without calling
// the node. Unknown node ids are a NotFoundError.
func (p *Provisioner) EnsureSecretsOnNodes(ctx context.Context, userID int64, nodeIDs []int64, obfuscated bool) ([]*ProvisionedSecret, error) {
	nodes := make([]*models.Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		node, err := p.stores.Nodes.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	unlock, err := p.locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return p.ensureLocked(ctx, userID, nodes, obfuscated)
}

func (p *Provisioner) ensureLocked(ctx context.Context, userID int64, nodes []*models.Node, obfuscated bool) ([]*ProvisionedSecret, error) {
	results := make([]*ProvisionedSecret, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, node := range nodes {
		if !node.IsOnline() {
			p.log.WithFields(logrus.Fields{"user_id": userID, "node_id": node.ID, "status": node.Status}).
				Debug("skipping node that is not online")
			continue
		}
		i, node := i, node
		g.Go(func() error {
			res, err := p.ensureOnNode(gctx, userID, node, obfuscated)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()

	out := make([]*ProvisionedSecret, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, err
}

func (p *Provisioner) ensureOnNode(ctx context.Context, userID int64, node *models.Node, obfuscated bool) (*ProvisionedSecret, error) {
	existing, err := p.stores.Secrets.GetActive(ctx, userID, node.ID)
	if err == nil {
		return provisioned(node, existing, false), nil
	}
	if !apperr.IsNotFound(err) {
		return nil, fmt.Errorf("get secret for user %d on node %d: %w", userID, node.ID, err)
	}

	value, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	secret := &models.PersonalSecret{UserID: userID, NodeID: node.ID, Secret: value, Obfuscated: obfuscated}
	if err := p.stores.Secrets.Create(ctx, secret); err != nil {
		if !apperr.IsConflict(err) {
			return nil, fmt.Errorf("create secret for user %d on node %d: %w", userID, node.ID, err)
		}
		// another replica won the race
		existing, err := p.stores.Secrets.GetActive(ctx, userID, node.ID)
		if err != nil {
			return nil, fmt.Errorf("get secret for user %d on node %d: %w", userID, node.ID, err)
		}
		return provisioned(node, existing, false), nil
	}

	res := provisioned(node, secret, true)
	log := p.log.WithFields(logrus.Fields{"user_id": userID, "node_id": node.ID, "op": "add_secret"})
	uid := userID
	if err := p.clients.Client(node).AddSecret(ctx, secret.Secret, secret.Obfuscated, fmt.Sprintf("user:%d", userID)); err != nil {
		res.PushFailed = true
		log.WithError(err).Warn("push of new secret failed, will retry on next sync")
		recordEvent(ctx, p.stores.Events, p.log, nodeEvent(node.ID, &uid, models.EventSecretPushFail, eventFailed, err.Error()))
		return res, nil
	}

	log.Info("secret provisioned")
	recordEvent(ctx, p.stores.Events, p.log, nodeEvent(node.ID, &uid, models.EventSecretPushed, eventOK, ""))
	return res, nil
}

// DisableUser removes every active secret of the user from its node,
// continuing past unreachable nodes, and then marks all of them inactive.
func (p *Provisioner) DisableUser(ctx context.Context, userID int64) (*DisableResult, error) {
	unlock, err := p.locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return p.disableLocked(ctx, userID)
}

func (p *Provisioner) disableLocked(ctx context.Context, userID int64) (*DisableResult, error) {
	secrets, err := p.stores.Secrets.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list secrets of user %d: %w", userID, err)
	}

	result := &DisableResult{UserID: userID, Attempted: len(secrets)}
	failed, nodeErr := p.removeFromNodes(ctx, secrets)
	result.Failed = failed
	result.NodeErrors = nodeErr

	revoked, err := p.stores.Secrets.DeactivateAllForUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("deactivate secrets of user %d: %w", userID, err)
	}
	result.Revoked = revoked

	log := p.log.WithFields(logrus.Fields{"user_id": userID, "attempted": result.Attempted, "failed": result.Failed})
	if nodeErr != nil {
		log.WithError(nodeErr).Warn("user disabled with node failures, stale secrets are removed by the next sync")
	} else if result.Attempted > 0 {
		log.Info("user disabled")
	}
	return result, nil
}

// removeFromNodes asks each secret's node to drop it. Failures are
// aggregated, never returned early.
func (p *Provisioner) removeFromNodes(ctx context.Context, secrets []*models.PersonalSecret) (int, error) {
	var (
		mu     sync.Mutex
		merr   *multierror.Error
		failed int
	)

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Concurrency)
	for _, s := range secrets {
		s := s
		g.Go(func() error {
			if err := p.removeFromNode(ctx, s); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed, merr.ErrorOrNil()
}

func (p *Provisioner) removeFromNode(ctx context.Context, s *models.PersonalSecret) error {
	node, err := p.stores.Nodes.GetByID(ctx, s.NodeID)
	if err != nil {
		return fmt.Errorf("load node %d: %w", s.NodeID, err)
	}

	uid := s.UserID
	if err := p.clients.Client(node).RemoveSecret(ctx, s.Secret); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"user_id": s.UserID, "node_id": s.NodeID, "op": "remove_secret"}).
			Warn("secret revocation failed")
		recordEvent(ctx, p.stores.Events, p.log, nodeEvent(node.ID, &uid, models.EventSecretRevokeErr, eventFailed, err.Error()))
		return err
	}
	recordEvent(ctx, p.stores.Events, p.log, nodeEvent(node.ID, &uid, models.EventSecretRevoked, eventOK, ""))
	return nil
}

// ReconcileUser applies the effective-access rule: a user has access while
// any UserEntitlement or EntitlementBinding is active. With access, secrets
// are ensured on every accessible node and revoked on nodes that are no
// longer accessible. Without access the user is disabled.
func (p *Provisioner) ReconcileUser(ctx context.Context, userID int64) (*UserDecision, error) {
	unlock, err := p.locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := p.opts.Now()
	entitlements, err := p.stores.Entitlements.ListActiveByUser(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list entitlements of user %d: %w", userID, err)
	}
	bindings, err := p.stores.Bindings.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bindings of user %d: %w", userID, err)
	}

	decision := &UserDecision{
		UserID:             userID,
		ActiveEntitlements: len(entitlements),
		ActiveBindings:     len(bindings),
		Access:             len(entitlements) > 0 || len(bindings) > 0,
	}

	if !decision.Access {
		disabled, err := p.disableLocked(ctx, userID)
		decision.Disabled = disabled
		return decision, err
	}

	nodes, err := p.accessibleNodes(ctx, entitlements, bindings)
	if err != nil {
		return decision, err
	}

	decision.Provisioned, err = p.ensureLocked(ctx, userID, nodes, p.opts.Obfuscated)
	if err != nil {
		return decision, err
	}

	accessible := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		accessible[n.ID] = true
	}
	secrets, err := p.stores.Secrets.ListActiveByUser(ctx, userID)
	if err != nil {
		return decision, fmt.Errorf("list secrets of user %d: %w", userID, err)
	}
	var stale []*models.PersonalSecret
	for _, s := range secrets {
		if !accessible[s.NodeID] {
			stale = append(stale, s)
		}
	}
	if len(stale) > 0 {
		_, nodeErr := p.removeFromNodes(ctx, stale)
		for _, s := range stale {
			if err := p.stores.Secrets.Deactivate(ctx, s.ID); err != nil {
				return decision, fmt.Errorf("deactivate secret %d: %w", s.ID, err)
			}
		}
		decision.Revoked = len(stale)
		if nodeErr != nil {
			p.log.WithError(nodeErr).WithField("user_id", userID).Warn("revocation on inaccessible nodes partially failed")
		}
	}

	return decision, nil
}

// accessibleNodes is the union of the bundles granted by every active
// source. An entitlement without a bundle grants every active node.
// Offline nodes stay in the set so their secrets are not revoked.
func (p *Provisioner) accessibleNodes(ctx context.Context, entitlements []*models.UserEntitlement, bindings []*models.EntitlementBinding) ([]*models.Node, error) {
	allNodes := false
	subscriptionIDs := make(map[string]bool)
	for _, e := range entitlements {
		if e.SubscriptionID == nil {
			allNodes = true
			continue
		}
		subscriptionIDs[*e.SubscriptionID] = true
	}
	for _, b := range bindings {
		subscriptionIDs[b.SubscriptionID] = true
	}

	if allNodes {
		nodes, err := p.stores.Nodes.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active nodes: %w", err)
		}
		return nodes, nil
	}

	ids := make(map[int64]bool)
	for subID := range subscriptionIDs {
		sub, err := p.stores.Subscriptions.GetByID(ctx, subID)
		if err != nil {
			if apperr.IsNotFound(err) {
				p.log.WithField("subscription_id", subID).Warn("entitlement references unknown subscription")
				continue
			}
			return nil, fmt.Errorf("load subscription %s: %w", subID, err)
		}
		if !sub.IsActive {
			continue
		}
		for _, id := range sub.NodeIDs {
			ids[id] = true
		}
	}

	nodes := make([]*models.Node, 0, len(ids))
	for id := range ids {
		node, err := p.stores.Nodes.GetByID(ctx, id)
		if err != nil {
			if apperr.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load node %d: %w", id, err)
		}
		if node.IsActive {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// UserLinks returns links for the user's active secrets on online nodes.
func (p *Provisioner) UserLinks(ctx context.Context, userID int64) ([]models.ProxyLink, error) {
	secrets, err := p.stores.Secrets.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list secrets of user %d: %w", userID, err)
	}

	proxies := make([]models.Proxy, 0, len(secrets))
	for _, s := range secrets {
		node, err := p.stores.Nodes.GetByID(ctx, s.NodeID)
		if err != nil {
			if apperr.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load node %d: %w", s.NodeID, err)
		}
		if !node.IsOnline() {
			continue
		}
		proxies = append(proxies, mtprotoProxy(node, s.Secret, s.Obfuscated))
	}
	return GenerateLinks(proxies), nil
}

// GenerateSecret returns 16 random bytes as 32 lowercase hex characters.
func GenerateSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func provisioned(node *models.Node, s *models.PersonalSecret, created bool) *ProvisionedSecret {
	link := GenerateLinks([]models.Proxy{mtprotoProxy(node, s.Secret, s.Obfuscated)})[0]
	return &ProvisionedSecret{
		NodeID:     node.ID,
		NodeName:   node.Name,
		Secret:     s.Secret,
		Obfuscated: s.Obfuscated,
		Link:       link.URL,
		Created:    created,
	}
}
