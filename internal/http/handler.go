package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/scheduler"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/service"
)

const (
	defaultLogLines    = 100
	defaultStatsLimit  = 100
	defaultEventsLimit = 50
	maxHistoryLimit    = 1000
)

type Handler struct {
	log           logrus.FieldLogger
	nodes         *service.NodeService
	subscriptions *service.SubscriptionService
	provisioner   *service.Provisioner
	integration   *service.IntegrationService
	scheduler     *scheduler.Scheduler
	bindLimiter   *RateLimiter
}

func NewHandler(log logrus.FieldLogger, svc Services, bindLimiter *RateLimiter) *Handler {
	return &Handler{
		log:           log.WithField("component", "api"),
		nodes:         svc.Nodes,
		subscriptions: svc.Subscriptions,
		provisioner:   svc.Provisioner,
		integration:   svc.Integration,
		scheduler:     svc.Scheduler,
		bindLimiter:   bindLimiter,
	}
}

// fail maps the error taxonomy onto HTTP status codes
func (h *Handler) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsConflict(err):
		status = http.StatusConflict
	case apperr.IsTransport(err):
		status = http.StatusBadGateway
		h.log.WithError(err).WithField("op", op).Warn("node call failed")
	default:
		h.log.WithError(err).WithField("op", op).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return 0, false
	}
	return id, true
}

// queryInt reads a positive integer query parameter, clamped to max
func queryInt(c *gin.Context, name string, def, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

// ==================== Integration API ====================

// BindSubscription handles status pushes from the external subscription system
func (h *Handler) BindSubscription(c *gin.Context) {
	var req models.BindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.bindLimiter.Allow(req.ExternalSubscriptionID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded, please try again later"})
		return
	}

	resp, err := h.integration.BindSubscription(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "bind_subscription", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Resolve(c *gin.Context) {
	resp, err := h.integration.Resolve(c.Request.Context(), c.Query("link"))
	if err != nil {
		h.fail(c, "resolve", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GrantEntitlement(c *gin.Context) {
	var req models.GrantEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ent, decision, err := h.integration.GrantEntitlement(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "grant_entitlement", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entitlement": toEntitlementInfo(ent),
		"decision":    toDecisionInfo(decision),
	})
}

func (h *Handler) CancelEntitlement(c *gin.Context) {
	ent, decision, err := h.integration.CancelEntitlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "cancel_entitlement", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entitlement": toEntitlementInfo(ent),
		"decision":    toDecisionInfo(decision),
	})
}

// ==================== Nodes ====================

func (h *Handler) ListNodes(c *gin.Context) {
	nodes, err := h.nodes.List(c.Request.Context())
	if err != nil {
		h.fail(c, "list_nodes", err)
		return
	}
	infos := make([]*models.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, toNodeInfo(n))
	}
	c.JSON(http.StatusOK, gin.H{"nodes": infos})
}

func (h *Handler) CreateNode(c *gin.Context) {
	var req models.CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	node, err := h.nodes.Create(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "create_node", err)
		return
	}
	c.JSON(http.StatusCreated, toNodeInfo(node))
}

func (h *Handler) GetNode(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	node, err := h.nodes.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get_node", err)
		return
	}
	c.JSON(http.StatusOK, toNodeInfo(node))
}

// UpdateNode edits a node; a workers change is pushed to the agent
func (h *Handler) UpdateNode(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	node, err := h.nodes.Update(c.Request.Context(), id, &req)
	if err != nil {
		h.fail(c, "update_node", err)
		return
	}
	c.JSON(http.StatusOK, toNodeInfo(node))
}

func (h *Handler) DeactivateNode(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.nodes.Deactivate(c.Request.Context(), id); err != nil {
		h.fail(c, "deactivate_node", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) RestartRelay(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	kind, valid := models.ParseRelayKind(c.Param("kind"))
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be mtproto or socks5"})
		return
	}
	if err := h.nodes.RestartRelay(c.Request.Context(), id, kind); err != nil {
		h.fail(c, "restart_relay", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) NodeLogs(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	lines, ok := queryInt(c, "lines", defaultLogLines, maxHistoryLimit)
	if !ok {
		return
	}
	logs, err := h.nodes.Logs(c.Request.Context(), id, lines)
	if err != nil {
		h.fail(c, "node_logs", err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) UpdateProxyFiles(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.nodes.UpdateProxyFiles(c.Request.Context(), id); err != nil {
		h.fail(c, "update_proxy_files", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) NodeStats(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultStatsLimit, maxHistoryLimit)
	if !ok {
		return
	}
	records, err := h.nodes.StatsHistory(c.Request.Context(), id, limit)
	if err != nil {
		h.fail(c, "node_stats", err)
		return
	}
	infos := make([]*models.NodeStatsInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, toStatsInfo(r))
	}
	c.JSON(http.StatusOK, gin.H{"stats": infos})
}

func (h *Handler) NodeEvents(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultEventsLimit, maxHistoryLimit)
	if !ok {
		return
	}
	events, err := h.nodes.Events(c.Request.Context(), id, limit)
	if err != nil {
		h.fail(c, "node_events", err)
		return
	}
	infos := make([]*models.NodeEventInfo, 0, len(events))
	for _, e := range events {
		infos = append(infos, toEventInfo(e))
	}
	c.JSON(http.StatusOK, gin.H{"events": infos})
}

func (h *Handler) ListSharedSecrets(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	secrets, err := h.nodes.ListSharedSecrets(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "list_shared_secrets", err)
		return
	}
	infos := make([]*models.NodeSecretInfo, 0, len(secrets))
	for _, s := range secrets {
		infos = append(infos, toNodeSecretInfo(s))
	}
	c.JSON(http.StatusOK, gin.H{"secrets": infos})
}

func (h *Handler) AddSharedSecret(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.AddNodeSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	secret, err := h.nodes.AddSharedSecret(c.Request.Context(), id, &req)
	if err != nil {
		h.fail(c, "add_shared_secret", err)
		return
	}
	c.JSON(http.StatusCreated, toNodeSecretInfo(secret))
}

func (h *Handler) RemoveSharedSecret(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.nodes.RemoveSharedSecret(c.Request.Context(), id, c.Param("secret")); err != nil {
		h.fail(c, "remove_shared_secret", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) ListSocks5Accounts(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	accounts, err := h.nodes.ListSocks5Accounts(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "list_socks5_accounts", err)
		return
	}
	infos := make([]*models.Socks5AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		infos = append(infos, toSocks5Info(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": infos})
}

func (h *Handler) AddSocks5Account(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.AddSocks5AccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	account, err := h.nodes.AddSocks5Account(c.Request.Context(), id, &req)
	if err != nil {
		h.fail(c, "add_socks5_account", err)
		return
	}
	c.JSON(http.StatusCreated, toSocks5Info(account))
}

func (h *Handler) RemoveSocks5Account(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.nodes.RemoveSocks5Account(c.Request.Context(), id, c.Param("username")); err != nil {
		h.fail(c, "remove_socks5_account", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ==================== Subscriptions ====================

func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.subscriptions.List(c.Request.Context())
	if err != nil {
		h.fail(c, "list_subscriptions", err)
		return
	}
	infos := make([]*models.SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		infos = append(infos, toSubscriptionInfo(s))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": infos})
}

func (h *Handler) CreateSubscription(c *gin.Context) {
	var req models.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sub, err := h.subscriptions.Create(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "create_subscription", err)
		return
	}
	c.JSON(http.StatusCreated, toSubscriptionInfo(sub))
}

func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.subscriptions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get_subscription", err)
		return
	}
	c.JSON(http.StatusOK, toSubscriptionInfo(sub))
}

func (h *Handler) DeleteSubscription(c *gin.Context) {
	if err := h.subscriptions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "delete_subscription", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) ToggleSubscription(c *gin.Context) {
	sub, err := h.subscriptions.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "toggle_subscription", err)
		return
	}
	c.JSON(http.StatusOK, toSubscriptionInfo(sub))
}

func (h *Handler) SubscriptionProxies(c *gin.Context) {
	proxies, err := h.subscriptions.GetProxies(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "subscription_proxies", err)
		return
	}
	infos := make([]models.ProxyInfo, 0, len(proxies))
	for _, p := range proxies {
		infos = append(infos, toProxyInfo(p))
	}
	c.JSON(http.StatusOK, gin.H{"proxies": infos})
}

func (h *Handler) SubscriptionLinks(c *gin.Context) {
	links, err := h.subscriptions.Links(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "subscription_links", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": nonNilLinks(links)})
}

// ==================== Users ====================

// ProvisionUser ensures a personal secret on an explicit node list,
// regardless of entitlements
func (h *Handler) ProvisionUser(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	var req models.ProvisionUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	provisioned, err := h.provisioner.EnsureSecretsOnNodes(c.Request.Context(), userID, req.NodeIDs, req.Obfuscated)
	if err != nil {
		h.fail(c, "provision_user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "provisioned": toProvisionedInfos(provisioned)})
}

func (h *Handler) DisableUser(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	result, err := h.provisioner.DisableUser(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "disable_user", err)
		return
	}
	c.JSON(http.StatusOK, toDisableInfo(result))
}

func (h *Handler) ReconcileUser(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	decision, err := h.provisioner.ReconcileUser(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "reconcile_user", err)
		return
	}
	c.JSON(http.StatusOK, toDecisionInfo(decision))
}

func (h *Handler) UserLinks(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	links, err := h.provisioner.UserLinks(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "user_links", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "links": nonNilLinks(links)})
}

// ==================== Sweeps ====================

// TriggerSweep runs one sweep synchronously and returns its report
func (h *Handler) TriggerSweep(c *gin.Context) {
	report, err := h.scheduler.Trigger(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, "trigger_sweep", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ==================== Converters ====================

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toNodeInfo(n *models.Node) *models.NodeInfo {
	return &models.NodeInfo{
		ID:          n.ID,
		Name:        n.Name,
		Host:        n.Host,
		APIPort:     n.APIPort,
		MTProtoPort: n.MTProtoPort,
		Socks5Port:  n.Socks5Port,
		Workers:     n.Workers,
		MaxUsers:    n.MaxUsers,
		Status:      string(n.Status),
		IsActive:    n.IsActive,
		LastSeenAt:  formatTime(n.LastSeenAt),
		LastError:   n.LastError,
	}
}

func toSubscriptionInfo(s *models.Subscription) *models.SubscriptionInfo {
	nodeIDs := s.NodeIDs
	if nodeIDs == nil {
		nodeIDs = []int64{}
	}
	return &models.SubscriptionInfo{
		ID:             s.ID,
		Name:           s.Name,
		NodeIDs:        nodeIDs,
		IncludeMTProto: s.IncludeMTProto,
		IncludeSocks5:  s.IncludeSocks5,
		IsActive:       s.IsActive,
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
	}
}

func toEntitlementInfo(e *models.UserEntitlement) *models.EntitlementInfo {
	return &models.EntitlementInfo{
		ID:             e.ID,
		UserID:         e.UserID,
		SubscriptionID: e.SubscriptionID,
		Source:         e.Source,
		Status:         e.Status,
		ExpiresAt:      e.ExpiresAt.Format(time.RFC3339),
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

func toProxyInfo(p models.Proxy) models.ProxyInfo {
	return models.ProxyInfo{
		Kind:       p.Kind,
		NodeID:     p.NodeID,
		NodeName:   p.NodeName,
		Server:     p.Server,
		Port:       p.Port,
		Secret:     p.Secret,
		Obfuscated: p.Obfuscated,
		Username:   p.Username,
		Password:   p.Password,
	}
}

func toStatsInfo(r *models.NodeStatsRecord) *models.NodeStatsInfo {
	return &models.NodeStatsInfo{
		MTProtoRunning:     r.MTProtoRunning,
		Socks5Running:      r.Socks5Running,
		MTProtoConnections: r.MTProtoConnections,
		CPUPercent:         r.CPUPercent,
		MemoryPercent:      r.MemoryPercent,
		DiskPercent:        r.DiskPercent,
		NetRxBytes:         r.NetRxBytes,
		NetTxBytes:         r.NetTxBytes,
		RecordedAt:         r.RecordedAt.Format(time.RFC3339),
	}
}

func toEventInfo(e *models.NodeEvent) *models.NodeEventInfo {
	return &models.NodeEventInfo{
		ID:        e.ID,
		UserID:    e.UserID,
		Action:    e.Action,
		Status:    e.Status,
		Message:   e.Message,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

func toNodeSecretInfo(s *models.NodeSecret) *models.NodeSecretInfo {
	return &models.NodeSecretInfo{
		Secret:      s.Secret,
		Obfuscated:  s.Obfuscated,
		Description: s.Description,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
	}
}

func toSocks5Info(a *models.Socks5Account) *models.Socks5AccountInfo {
	return &models.Socks5AccountInfo{
		Username:  a.Username,
		Password:  a.Password,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

func toProvisionedInfos(list []*service.ProvisionedSecret) []*models.ProvisionedSecretInfo {
	infos := make([]*models.ProvisionedSecretInfo, 0, len(list))
	for _, p := range list {
		infos = append(infos, &models.ProvisionedSecretInfo{
			NodeID:     p.NodeID,
			NodeName:   p.NodeName,
			Secret:     p.Secret,
			Link:       p.Link,
			Created:    p.Created,
			PushFailed: p.PushFailed,
		})
	}
	return infos
}

func toDisableInfo(r *service.DisableResult) *models.UserDecisionInfo {
	info := &models.UserDecisionInfo{
		UserID:      r.UserID,
		Provisioned: []*models.ProvisionedSecretInfo{},
		Revoked:     int(r.Revoked),
		Attempted:   r.Attempted,
		Failed:      r.Failed,
	}
	if r.NodeErrors != nil {
		info.Errors = r.NodeErrors.Error()
	}
	return info
}

func toDecisionInfo(d *service.UserDecision) *models.UserDecisionInfo {
	if d.Disabled != nil {
		return toDisableInfo(d.Disabled)
	}
	return &models.UserDecisionInfo{
		UserID:      d.UserID,
		Access:      d.Access,
		Provisioned: toProvisionedInfos(d.Provisioned),
		Revoked:     d.Revoked,
	}
}

func nonNilLinks(links []models.ProxyLink) []models.ProxyLink {
	if links == nil {
		return []models.ProxyLink{}
	}
	return links
}
