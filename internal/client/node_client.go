package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// maxResponseBytes caps how much of an agent response is read.
const maxResponseBytes = 4 << 20

// NodeAPI is the RPC surface of one node agent. Every failure is a
// *apperr.TransportError.
type NodeAPI interface {
	Health(ctx context.Context) (*models.NodeHealth, error)
	Stats(ctx context.Context) (*models.NodeStats, error)
	ListSecrets(ctx context.Context) ([]models.SecretEntry, error)
	AddSecret(ctx context.Context, secret string, obfuscated bool, description string) error
	RemoveSecret(ctx context.Context, secret string) error
	ListSocks5Accounts(ctx context.Context) ([]models.AccountEntry, error)
	AddSocks5Account(ctx context.Context, username, password string) error
	RemoveSocks5Account(ctx context.Context, username string) error
	RestartRelay(ctx context.Context, kind models.RelayKind) error
	UpdateWorkers(ctx context.Context, workers int) error
	UpdateMTProtoConfig(ctx context.Context, port int, tag string) error
	Logs(ctx context.Context, lines int) (*models.LogsResponse, error)
	UpdateProxyFiles(ctx context.Context) error
}

// NodeClient calls the agent running on one node
type NodeClient struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewNodeClient creates a client for the node's agent. timeout bounds every
// call, including reading the body.
func NewNodeClient(node *models.Node, timeout time.Duration) *NodeClient {
	return &NodeClient{
		name:    node.Name,
		baseURL: node.APIBaseURL(),
		token:   node.APIToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *NodeClient) Health(ctx context.Context) (*models.NodeHealth, error) {
	body, err := c.do(ctx, "health", http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	return parseHealth(body), nil
}

func (c *NodeClient) Stats(ctx context.Context) (*models.NodeStats, error) {
	body, err := c.do(ctx, "stats", http.MethodGet, "/stats", nil)
	if err != nil {
		return nil, err
	}
	return parseStats(body), nil
}

func (c *NodeClient) ListSecrets(ctx context.Context) ([]models.SecretEntry, error) {
	body, err := c.do(ctx, "list_secrets", http.MethodGet, "/mtproto/secrets", nil)
	if err != nil {
		return nil, err
	}
	var secrets []models.SecretEntry
	if err := decodeList(body, "secrets", &secrets); err != nil {
		return nil, apperr.Transport(c.name, "list_secrets", err)
	}
	return secrets, nil
}

func (c *NodeClient) AddSecret(ctx context.Context, secret string, obfuscated bool, description string) error {
	_, err := c.do(ctx, "add_secret", http.MethodPost, "/mtproto/secrets", &models.AddSecretRequest{
		Secret:      secret,
		Obfuscated:  obfuscated,
		Description: description,
	})
	return err
}

func (c *NodeClient) RemoveSecret(ctx context.Context, secret string) error {
	_, err := c.do(ctx, "remove_secret", http.MethodDelete, "/mtproto/secrets/"+url.PathEscape(secret), nil)
	return err
}

func (c *NodeClient) ListSocks5Accounts(ctx context.Context) ([]models.AccountEntry, error) {
	body, err := c.do(ctx, "list_socks5_accounts", http.MethodGet, "/socks5/accounts", nil)
	if err != nil {
		return nil, err
	}
	var accounts []models.AccountEntry
	if err := decodeList(body, "accounts", &accounts); err != nil {
		return nil, apperr.Transport(c.name, "list_socks5_accounts", err)
	}
	return accounts, nil
}

func (c *NodeClient) AddSocks5Account(ctx context.Context, username, password string) error {
	_, err := c.do(ctx, "add_socks5_account", http.MethodPost, "/socks5/accounts", &models.AddAccountRequest{
		Username: username,
		Password: password,
	})
	return err
}

func (c *NodeClient) RemoveSocks5Account(ctx context.Context, username string) error {
	_, err := c.do(ctx, "remove_socks5_account", http.MethodDelete, "/socks5/accounts/"+url.PathEscape(username), nil)
	return err
}

func (c *NodeClient) RestartRelay(ctx context.Context, kind models.RelayKind) error {
	_, err := c.do(ctx, "restart_"+string(kind), http.MethodPost, "/"+string(kind)+"/restart", nil)
	return err
}

func (c *NodeClient) UpdateWorkers(ctx context.Context, workers int) error {
	_, err := c.do(ctx, "update_workers", http.MethodPost, "/mtproto/workers", &models.UpdateWorkersRequest{Workers: workers})
	return err
}

func (c *NodeClient) UpdateMTProtoConfig(ctx context.Context, port int, tag string) error {
	_, err := c.do(ctx, "update_mtproto_config", http.MethodPost, "/mtproto/config", &models.UpdateMTProtoConfigRequest{Port: port, Tag: tag})
	return err
}

func (c *NodeClient) Logs(ctx context.Context, lines int) (*models.LogsResponse, error) {
	body, err := c.do(ctx, "logs", http.MethodGet, "/system/logs?lines="+strconv.Itoa(lines), nil)
	if err != nil {
		return nil, err
	}
	return &models.LogsResponse{
		MTProto: firstString(body, []string{"mtproto"}),
		Socks5:  firstString(body, []string{"socks5"}),
	}, nil
}

func (c *NodeClient) UpdateProxyFiles(ctx context.Context) error {
	_, err := c.do(ctx, "update_proxy_files", http.MethodPost, "/system/update-proxy-files", nil)
	return err
}

// do performs one call and returns the raw body of a 2xx response. Any
// other outcome is folded into a TransportError.
func (c *NodeClient) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Transport(c.name, op, fmt.Errorf("marshal request: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, apperr.Transport(c.name, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport(c.name, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Transport(c.name, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := jsonparser.GetString(body, "error")
		if msg == "" {
			msg = string(body)
		}
		return nil, apperr.Transport(c.name, op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	if len(bytes.TrimSpace(body)) > 0 && !json.Valid(body) {
		return nil, apperr.Transport(c.name, op, fmt.Errorf("undecodable response body"))
	}

	return body, nil
}
