package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
)

const (
	MinWorkers     = 1
	MaxWorkers     = 16
	defaultWorkers = 2
)

// NodeService implements the admin operations on nodes and their shared
// credentials. Store changes are made first; a failed agent call is
// returned to the caller and repaired by the next sync.
type NodeService struct {
	log     logrus.FieldLogger
	stores  *repository.Stores
	clients client.Provider
}

func NewNodeService(log logrus.FieldLogger, stores *repository.Stores, clients client.Provider) *NodeService {
	return &NodeService{
		log:     log.WithField("component", "nodes"),
		stores:  stores,
		clients: clients,
	}
}

func (s *NodeService) Create(ctx context.Context, req *models.CreateNodeRequest) (*models.Node, error) {
	workers := req.Workers
	if workers == 0 {
		workers = defaultWorkers
	}
	if err := validateWorkers(workers); err != nil {
		return nil, err
	}

	node := &models.Node{
		Name:        req.Name,
		Host:        req.Host,
		APIPort:     req.APIPort,
		APIToken:    req.APIToken,
		MTProtoPort: req.MTProtoPort,
		Socks5Port:  req.Socks5Port,
		Workers:     workers,
		MaxUsers:    req.MaxUsers,
		Status:      models.NodeStatusUnknown,
		IsActive:    true,
	}
	if err := s.stores.Nodes.Create(ctx, node); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"node_id": node.ID, "host": node.Host}).Info("node registered")
	return node, nil
}

func (s *NodeService) Get(ctx context.Context, id int64) (*models.Node, error) {
	return s.stores.Nodes.GetByID(ctx, id)
}

func (s *NodeService) List(ctx context.Context) ([]*models.Node, error) {
	return s.stores.Nodes.List(ctx)
}

// Update applies the non-nil fields. Worker and port changes are pushed to
// the agent when the node is online.
func (s *NodeService) Update(ctx context.Context, id int64, req *models.UpdateNodeRequest) (*models.Node, error) {
	node, err := s.stores.Nodes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	workersChanged, portChanged := false, false
	if req.Name != nil {
		node.Name = *req.Name
	}
	if req.Host != nil {
		node.Host = *req.Host
	}
	if req.APIPort != nil {
		node.APIPort = *req.APIPort
	}
	if req.APIToken != nil {
		node.APIToken = *req.APIToken
	}
	if req.MTProtoPort != nil && *req.MTProtoPort != node.MTProtoPort {
		node.MTProtoPort = *req.MTProtoPort
		portChanged = true
	}
	if req.Socks5Port != nil {
		node.Socks5Port = *req.Socks5Port
	}
	if req.Workers != nil && *req.Workers != node.Workers {
		if err := validateWorkers(*req.Workers); err != nil {
			return nil, err
		}
		node.Workers = *req.Workers
		workersChanged = true
	}
	if req.MaxUsers != nil {
		node.MaxUsers = *req.MaxUsers
	}

	if err := s.stores.Nodes.Update(ctx, node); err != nil {
		return nil, err
	}

	if !node.IsOnline() || (!workersChanged && !portChanged) {
		return node, nil
	}
	api := s.clients.Client(node)
	if workersChanged {
		if err := api.UpdateWorkers(ctx, node.Workers); err != nil {
			return node, err
		}
	}
	if portChanged {
		if err := api.UpdateMTProtoConfig(ctx, node.MTProtoPort, ""); err != nil {
			return node, err
		}
	}
	return node, nil
}

// Deactivate hides the node from provisioning and aggregation. Its secrets
// are left in place.
func (s *NodeService) Deactivate(ctx context.Context, id int64) error {
	if err := s.stores.Nodes.Deactivate(ctx, id); err != nil {
		return err
	}
	s.log.WithField("node_id", id).Info("node deactivated")
	return nil
}

func (s *NodeService) RestartRelay(ctx context.Context, id int64, kind models.RelayKind) error {
	node, err := s.stores.Nodes.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.clients.Client(node).RestartRelay(ctx, kind)
}

func (s *NodeService) Logs(ctx context.Context, id int64, lines int) (*models.LogsResponse, error) {
	node, err := s.stores.Nodes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.clients.Client(node).Logs(ctx, lines)
}

func (s *NodeService) UpdateProxyFiles(ctx context.Context, id int64) error {
	node, err := s.stores.Nodes.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.clients.Client(node).UpdateProxyFiles(ctx)
}

func (s *NodeService) StatsHistory(ctx context.Context, id int64, limit int) ([]*models.NodeStatsRecord, error) {
	if _, err := s.stores.Nodes.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.stores.Stats.ListRecent(ctx, id, limit)
}

func (s *NodeService) Events(ctx context.Context, id int64, limit int) ([]*models.NodeEvent, error) {
	if _, err := s.stores.Nodes.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.stores.Events.ListByNode(ctx, id, limit)
}

// ==================== Shared secrets ====================

func (s *NodeService) ListSharedSecrets(ctx context.Context, nodeID int64) ([]*models.NodeSecret, error) {
	if _, err := s.stores.Nodes.GetByID(ctx, nodeID); err != nil {
		return nil, err
	}
	return s.stores.NodeSecrets.ListActiveByNode(ctx, nodeID)
}

// AddSharedSecret stores a pool secret and pushes it to the node. An empty
// value is generated. Secrets are stored lowercase, as the agent keeps them.
func (s *NodeService) AddSharedSecret(ctx context.Context, nodeID int64, req *models.AddNodeSecretRequest) (*models.NodeSecret, error) {
	node, err := s.stores.Nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	value := strings.ToLower(req.Secret)
	if value == "" {
		if value, err = GenerateSecret(); err != nil {
			return nil, err
		}
	} else if err := ValidateSecret(value); err != nil {
		return nil, err
	}

	secret := &models.NodeSecret{NodeID: nodeID, Secret: value, Obfuscated: req.Obfuscated, Description: req.Description}
	if err := s.stores.NodeSecrets.Create(ctx, secret); err != nil {
		return nil, err
	}
	if err := s.clients.Client(node).AddSecret(ctx, secret.Secret, secret.Obfuscated, secret.Description); err != nil {
		return secret, err
	}
	s.log.WithField("node_id", nodeID).Info("shared secret added")
	return secret, nil
}

func (s *NodeService) RemoveSharedSecret(ctx context.Context, nodeID int64, value string) error {
	node, err := s.stores.Nodes.GetByID(ctx, nodeID)
	if err != nil {
		return err
	}
	value = strings.ToLower(value)
	secret, err := s.stores.NodeSecrets.GetActive(ctx, nodeID, value)
	if err != nil {
		return err
	}
	if err := s.stores.NodeSecrets.Deactivate(ctx, secret.ID); err != nil {
		return err
	}
	return s.clients.Client(node).RemoveSecret(ctx, value)
}

// ==================== SOCKS5 accounts ====================

func (s *NodeService) ListSocks5Accounts(ctx context.Context, nodeID int64) ([]*models.Socks5Account, error) {
	if _, err := s.stores.Nodes.GetByID(ctx, nodeID); err != nil {
		return nil, err
	}
	return s.stores.Socks5.ListActiveByNode(ctx, nodeID)
}

// AddSocks5Account stores the account and pushes it to the node. A
// duplicate username on the node is a ConflictError. An empty password is
// generated.
func (s *NodeService) AddSocks5Account(ctx context.Context, nodeID int64, req *models.AddSocks5AccountRequest) (*models.Socks5Account, error) {
	node, err := s.stores.Nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	password := req.Password
	if password == "" {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate password: %w", err)
		}
		password = hex.EncodeToString(buf)
	}

	account := &models.Socks5Account{NodeID: nodeID, Username: req.Username, Password: password}
	if err := s.stores.Socks5.Create(ctx, account); err != nil {
		return nil, err
	}
	if err := s.clients.Client(node).AddSocks5Account(ctx, account.Username, account.Password); err != nil {
		return account, err
	}
	s.log.WithFields(logrus.Fields{"node_id": nodeID, "username": account.Username}).Info("socks5 account added")
	return account, nil
}

func (s *NodeService) RemoveSocks5Account(ctx context.Context, nodeID int64, username string) error {
	node, err := s.stores.Nodes.GetByID(ctx, nodeID)
	if err != nil {
		return err
	}
	account, err := s.stores.Socks5.GetActive(ctx, nodeID, username)
	if err != nil {
		return err
	}
	if err := s.stores.Socks5.Deactivate(ctx, account.ID); err != nil {
		return err
	}
	return s.clients.Client(node).RemoveSocks5Account(ctx, username)
}

func validateWorkers(n int) error {
	if n < MinWorkers || n > MaxWorkers {
		return apperr.Validation("workers", "must be between %d and %d, got %d", MinWorkers, MaxWorkers, n)
	}
	return nil
}

// ValidateSecret accepts exactly 32 hex characters.
func ValidateSecret(secret string) error {
	if len(secret) != 32 {
		return apperr.Validation("secret", "must be 32 hex characters")
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return apperr.Validation("secret", "must be 32 hex characters")
	}
	return nil
}
