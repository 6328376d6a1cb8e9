package agenthttp

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/agent"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

type Handler struct {
	log        logrus.FieldLogger
	reconciler *agent.Reconciler
}

func NewHandler(log logrus.FieldLogger, reconciler *agent.Reconciler) *Handler {
	return &Handler{log: log.WithField("component", "agent-api"), reconciler: reconciler}
}

// fail writes the error envelope with the status matching the error type
func (h *Handler) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsConflict(err):
		status = http.StatusConflict
	default:
		h.log.WithError(err).WithField("op", op).Error("agent operation failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func ok(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.reconciler.Health(c.Request.Context()))
}

func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.reconciler.Stats(c.Request.Context()))
}

// ==================== MTProto ====================

func (h *Handler) ListSecrets(c *gin.Context) {
	secrets := h.reconciler.ListSecrets()
	if secrets == nil {
		secrets = []models.SecretEntry{}
	}
	c.JSON(http.StatusOK, models.SecretListResponse{Secrets: secrets})
}

func (h *Handler) AddSecret(c *gin.Context) {
	var req models.AddSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.reconciler.AddSecret(c.Request.Context(), req.Secret, req.Obfuscated, req.Description); err != nil {
		h.fail(c, "add_secret", err)
		return
	}
	ok(c)
}

func (h *Handler) RemoveSecret(c *gin.Context) {
	if err := h.reconciler.RemoveSecret(c.Request.Context(), c.Param("secret")); err != nil {
		h.fail(c, "remove_secret", err)
		return
	}
	ok(c)
}

func (h *Handler) RestartMTProto(c *gin.Context) {
	h.restart(c, models.RelayMTProto)
}

func (h *Handler) UpdateWorkers(c *gin.Context) {
	var req models.UpdateWorkersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.reconciler.UpdateWorkers(c.Request.Context(), req.Workers); err != nil {
		h.fail(c, "update_workers", err)
		return
	}
	ok(c)
}

func (h *Handler) UpdateMTProtoConfig(c *gin.Context) {
	var req models.UpdateMTProtoConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.reconciler.UpdateMTProtoConfig(c.Request.Context(), req.Port, req.Tag); err != nil {
		h.fail(c, "update_mtproto_config", err)
		return
	}
	ok(c)
}

// ==================== SOCKS5 ====================

func (h *Handler) ListSocks5Accounts(c *gin.Context) {
	accounts := h.reconciler.ListSocks5Accounts()
	if accounts == nil {
		accounts = []models.AccountEntry{}
	}
	c.JSON(http.StatusOK, models.AccountListResponse{Accounts: accounts})
}

func (h *Handler) AddSocks5Account(c *gin.Context) {
	var req models.AddAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.reconciler.AddSocks5Account(c.Request.Context(), req.Username, req.Password); err != nil {
		h.fail(c, "add_socks5_account", err)
		return
	}
	ok(c)
}

func (h *Handler) RemoveSocks5Account(c *gin.Context) {
	if err := h.reconciler.RemoveSocks5Account(c.Request.Context(), c.Param("username")); err != nil {
		h.fail(c, "remove_socks5_account", err)
		return
	}
	ok(c)
}

func (h *Handler) RestartSocks5(c *gin.Context) {
	h.restart(c, models.RelaySocks5)
}

// ==================== System ====================

func (h *Handler) Logs(c *gin.Context) {
	lines := 0
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be an integer"})
			return
		}
		lines = n
	}
	c.JSON(http.StatusOK, h.reconciler.Logs(c.Request.Context(), lines))
}

func (h *Handler) UpdateProxyFiles(c *gin.Context) {
	if err := h.reconciler.UpdateProxyFiles(c.Request.Context()); err != nil {
		h.fail(c, "update_proxy_files", err)
		return
	}
	ok(c)
}

func (h *Handler) restart(c *gin.Context, kind models.RelayKind) {
	if err := h.reconciler.RestartRelay(c.Request.Context(), kind); err != nil {
		h.fail(c, "restart_"+string(kind), err)
		return
	}
	ok(c)
}
