package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// SyncResult counts the repairs made on one node.
type SyncResult struct {
	SecretsAdded    int
	SecretsRemoved  int
	AccountsAdded   int
	AccountsRemoved int
	WorkersUpdated  bool
	PortUpdated     bool
}

func (r *SyncResult) Changed() bool {
	return r.SecretsAdded+r.SecretsRemoved+r.AccountsAdded+r.AccountsRemoved > 0 ||
		r.WorkersUpdated || r.PortUpdated
}

// SyncNode makes the node match the store: active personal and shared
// secrets, active SOCKS5 accounts, worker count and MTProto port. Missing
// entries are pushed, extras removed. The node's lists are read before the
// store's so a secret minted concurrently is pushed twice rather than
// removed. Secrets compare case-insensitively; the agent stores lowercase.
func (s *NodeService) SyncNode(ctx context.Context, node *models.Node) (*SyncResult, error) {
	api := s.clients.Client(node)
	result := &SyncResult{}

	actualSecrets, err := api.ListSecrets(ctx)
	if err != nil {
		return result, err
	}
	actualAccounts, err := api.ListSocks5Accounts(ctx)
	if err != nil {
		return result, err
	}

	desiredSecrets := make(map[string]models.SecretEntry)
	personal, err := s.stores.Secrets.ListActiveByNode(ctx, node.ID)
	if err != nil {
		return result, fmt.Errorf("list personal secrets of node %d: %w", node.ID, err)
	}
	owners := make(map[string]int64, len(personal))
	for _, ps := range personal {
		value := strings.ToLower(ps.Secret)
		desiredSecrets[value] = models.SecretEntry{Secret: value, Obfuscated: ps.Obfuscated, Description: fmt.Sprintf("user:%d", ps.UserID)}
		owners[value] = ps.UserID
	}
	shared, err := s.stores.NodeSecrets.ListActiveByNode(ctx, node.ID)
	if err != nil {
		return result, fmt.Errorf("list shared secrets of node %d: %w", node.ID, err)
	}
	for _, ns := range shared {
		value := strings.ToLower(ns.Secret)
		desiredSecrets[value] = models.SecretEntry{Secret: value, Obfuscated: ns.Obfuscated, Description: ns.Description}
	}

	desiredAccounts := make(map[string]string)
	accounts, err := s.stores.Socks5.ListActiveByNode(ctx, node.ID)
	if err != nil {
		return result, fmt.Errorf("list socks5 accounts of node %d: %w", node.ID, err)
	}
	for _, a := range accounts {
		desiredAccounts[a.Username] = a.Password
	}

	var merr *multierror.Error

	present := make(map[string]bool, len(actualSecrets))
	for _, e := range actualSecrets {
		value := strings.ToLower(e.Secret)
		present[value] = true
		if _, ok := desiredSecrets[value]; ok {
			continue
		}
		if err := api.RemoveSecret(ctx, e.Secret); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		result.SecretsRemoved++
	}
	for value, e := range desiredSecrets {
		if present[value] {
			continue
		}
		if userID, ok := owners[value]; ok {
			// the user may have been disabled since the list was read
			still, err := s.personalStillActive(ctx, userID, node.ID, value)
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			if !still {
				continue
			}
		}
		if err := api.AddSecret(ctx, e.Secret, e.Obfuscated, e.Description); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		result.SecretsAdded++
	}

	onNode := make(map[string]string, len(actualAccounts))
	for _, a := range actualAccounts {
		onNode[a.Username] = a.Password
		want, ok := desiredAccounts[a.Username]
		if ok && want == a.Password {
			continue
		}
		if err := api.RemoveSocks5Account(ctx, a.Username); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		delete(onNode, a.Username)
		result.AccountsRemoved++
	}
	for username, password := range desiredAccounts {
		if _, ok := onNode[username]; ok {
			continue
		}
		if err := api.AddSocks5Account(ctx, username, password); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		result.AccountsAdded++
	}

	if err := s.syncRelayConfig(ctx, api, node, result); err != nil {
		merr = multierror.Append(merr, err)
	}

	if result.Changed() {
		s.log.WithFields(logrus.Fields{
			"node_id":          node.ID,
			"secrets_added":    result.SecretsAdded,
			"secrets_removed":  result.SecretsRemoved,
			"accounts_added":   result.AccountsAdded,
			"accounts_removed": result.AccountsRemoved,
			"workers_updated":  result.WorkersUpdated,
			"port_updated":     result.PortUpdated,
		}).Info("node state repaired")
	}
	return result, merr.ErrorOrNil()
}

func (s *NodeService) personalStillActive(ctx context.Context, userID, nodeID int64, value string) (bool, error) {
	cur, err := s.stores.Secrets.GetActive(ctx, userID, nodeID)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recheck secret of user %d on node %d: %w", userID, nodeID, err)
	}
	return strings.EqualFold(cur.Secret, value), nil
}

// syncRelayConfig pushes workers and port edits the node missed while it
// was unreachable. A zero value in the node's stats means the agent does
// not report it, and that field is left alone.
func (s *NodeService) syncRelayConfig(ctx context.Context, api client.NodeAPI, node *models.Node, result *SyncResult) error {
	stats, err := api.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.MTProtoWorkers != 0 && stats.MTProtoWorkers != node.Workers {
		if err := api.UpdateWorkers(ctx, node.Workers); err != nil {
			return err
		}
		result.WorkersUpdated = true
	}
	if stats.MTProtoPort != 0 && stats.MTProtoPort != node.MTProtoPort {
		if err := api.UpdateMTProtoConfig(ctx, node.MTProtoPort, ""); err != nil {
			return err
		}
		result.PortUpdated = true
	}
	return nil
}
