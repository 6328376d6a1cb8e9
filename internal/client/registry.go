package client

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// Provider hands out the RPC client of a node.
type Provider interface {
	Client(node *models.Node) NodeAPI
}

type registryEntry struct {
	fingerprint string
	client      NodeAPI
}

// Registry lazily creates one client per node and caches it by node id.
// An entry is rebuilt when the node's address or token changes, and
// dropped after it has not been used for the configured TTL.
type Registry struct {
	log     logrus.FieldLogger
	timeout time.Duration
	clients *cache.Cache
	factory func(node *models.Node, timeout time.Duration) NodeAPI
}

func NewRegistry(log logrus.FieldLogger, timeout, ttl time.Duration) *Registry {
	return &Registry{
		log:     log,
		timeout: timeout,
		clients: cache.New(ttl, ttl/2),
		factory: func(node *models.Node, timeout time.Duration) NodeAPI {
			return NewNodeClient(node, timeout)
		},
	}
}

// Client returns the cached client for the node, creating it if needed.
func (r *Registry) Client(node *models.Node) NodeAPI {
	key := strconv.FormatInt(node.ID, 10)
	fp := node.Fingerprint()

	if v, ok := r.clients.Get(key); ok {
		entry := v.(*registryEntry)
		if entry.fingerprint == fp {
			// sliding expiry
			r.clients.SetDefault(key, entry)
			return entry.client
		}
		r.log.WithField("node_id", node.ID).Info("node connection settings changed, rebuilding client")
	}

	entry := &registryEntry{fingerprint: fp, client: r.factory(node, r.timeout)}
	r.clients.SetDefault(key, entry)
	return entry.client
}

// Invalidate drops the cached client of a node
func (r *Registry) Invalidate(nodeID int64) {
	r.clients.Delete(strconv.FormatInt(nodeID, 10))
}

// Len reports the number of cached clients
func (r *Registry) Len() int {
	return r.clients.ItemCount()
}
