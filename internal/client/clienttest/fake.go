// Package clienttest provides an in-memory node agent for tests.
package clienttest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

var errUnreachable = errors.New("connection refused")

// FakeNode implements client.NodeAPI over an in-memory credential set.
// Secrets are kept lowercase like the agent does.
type FakeNode struct {
	Name string

	mu       sync.Mutex
	down     bool
	secrets  map[string]models.SecretEntry
	accounts map[string]string
	workers  int
	port     int
	calls    map[string]int
	health   models.NodeHealth
	stats    models.NodeStats
}

func NewFakeNode(name string) *FakeNode {
	return &FakeNode{
		Name:     name,
		secrets:  make(map[string]models.SecretEntry),
		accounts: make(map[string]string),
		calls:    make(map[string]int),
		health:   models.NodeHealth{MTProtoRunning: true, Socks5Running: true, CPUPercent: 5},
		stats:    models.NodeStats{MTProtoConnections: 3},
	}
}

// SetDown makes every call fail with a TransportError.
func (f *FakeNode) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (f *FakeNode) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls counts every call except health and stats.
func (f *FakeNode) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for op, n := range f.calls {
		if op != "health" && op != "stats" {
			total += n
		}
	}
	return total
}

// Secrets returns the secrets currently held, sorted.
func (f *FakeNode) Secrets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.secrets))
	for s := range f.secrets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Seed places a secret on the node without counting a call.
func (f *FakeNode) Seed(secret string) {
	f.mu.Lock()
	f.secrets[secret] = models.SecretEntry{Secret: secret}
	f.mu.Unlock()
}

func (f *FakeNode) Accounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.accounts))
	for u := range f.accounts {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (f *FakeNode) Workers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers
}

func (f *FakeNode) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

// SetRelayConfig places workers and port on the node without counting a
// call. Zero values are reported as unknown by Stats.
func (f *FakeNode) SetRelayConfig(workers, port int) {
	f.mu.Lock()
	f.workers = workers
	f.port = port
	f.mu.Unlock()
}

func (f *FakeNode) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++
	down := f.down
	f.mu.Unlock()
	if down {
		return apperr.Transport(f.Name, op, errUnreachable)
	}
	return nil
}

func (f *FakeNode) Health(context.Context) (*models.NodeHealth, error) {
	if err := f.enter("health"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.health
	return &h, nil
}

func (f *FakeNode) Stats(context.Context) (*models.NodeStats, error) {
	if err := f.enter("stats"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.MTProtoWorkers = f.workers
	s.MTProtoPort = f.port
	return &s, nil
}

func (f *FakeNode) ListSecrets(context.Context) ([]models.SecretEntry, error) {
	if err := f.enter("list_secrets"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SecretEntry, 0, len(f.secrets))
	for _, e := range f.secrets {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Secret < out[j].Secret })
	return out, nil
}

func (f *FakeNode) AddSecret(_ context.Context, secret string, obfuscated bool, description string) error {
	if err := f.enter("add_secret"); err != nil {
		return err
	}
	secret = strings.ToLower(secret)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[secret] = models.SecretEntry{Secret: secret, Obfuscated: obfuscated, Description: description}
	return nil
}

func (f *FakeNode) RemoveSecret(_ context.Context, secret string) error {
	if err := f.enter("remove_secret"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, strings.ToLower(secret))
	return nil
}

func (f *FakeNode) ListSocks5Accounts(context.Context) ([]models.AccountEntry, error) {
	if err := f.enter("list_socks5_accounts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AccountEntry, 0, len(f.accounts))
	for u, p := range f.accounts {
		out = append(out, models.AccountEntry{Username: u, Password: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (f *FakeNode) AddSocks5Account(_ context.Context, username, password string) error {
	if err := f.enter("add_socks5_account"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[username]; ok {
		return apperr.Transport(f.Name, "add_socks5_account", errors.New("status 409: account exists"))
	}
	f.accounts[username] = password
	return nil
}

func (f *FakeNode) RemoveSocks5Account(_ context.Context, username string) error {
	if err := f.enter("remove_socks5_account"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, username)
	return nil
}

func (f *FakeNode) RestartRelay(_ context.Context, kind models.RelayKind) error {
	return f.enter("restart_" + string(kind))
}

func (f *FakeNode) UpdateWorkers(_ context.Context, workers int) error {
	if err := f.enter("update_workers"); err != nil {
		return err
	}
	f.mu.Lock()
	f.workers = workers
	f.mu.Unlock()
	return nil
}

func (f *FakeNode) UpdateMTProtoConfig(_ context.Context, port int, _ string) error {
	if err := f.enter("update_mtproto_config"); err != nil {
		return err
	}
	if port != 0 {
		f.mu.Lock()
		f.port = port
		f.mu.Unlock()
	}
	return nil
}

func (f *FakeNode) Logs(context.Context, int) (*models.LogsResponse, error) {
	if err := f.enter("logs"); err != nil {
		return nil, err
	}
	return &models.LogsResponse{MTProto: "mtproto log", Socks5: "socks5 log"}, nil
}

func (f *FakeNode) UpdateProxyFiles(context.Context) error {
	return f.enter("update_proxy_files")
}

// Provider maps node ids to fake nodes. Unknown ids get a fresh fake.
type Provider struct {
	mu    sync.Mutex
	nodes map[int64]*FakeNode
}

func NewProvider() *Provider {
	return &Provider{nodes: make(map[int64]*FakeNode)}
}

func (p *Provider) Client(node *models.Node) client.NodeAPI {
	return p.Node(node.ID, node.Name)
}

// Node returns the fake for id, creating it when missing.
func (p *Provider) Node(id int64, name string) *FakeNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.nodes[id]
	if !ok {
		f = NewFakeNode(name)
		p.nodes[id] = f
	}
	return f
}

// TotalCalls sums the non-telemetry calls made to every fake.
func (p *Provider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, f := range p.nodes {
		total += f.TotalCalls()
	}
	return total
}
