// Package agenthttp serves the node agent's RPC surface.
package agenthttp

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/agent"
)

type Server struct {
	router  *gin.Engine
	handler *Handler
	token   string
}

func NewServer(log logrus.FieldLogger, mode, token string, reconciler *agent.Reconciler) *Server {
	gin.SetMode(mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		handler: NewHandler(log, reconciler),
		token:   token,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "node-agent"})
	})

	api := s.router.Group("")
	api.Use(BearerAuthMiddleware(s.token))
	{
		api.GET("/health", s.handler.Health)
		api.GET("/stats", s.handler.Stats)

		mtproto := api.Group("/mtproto")
		{
			mtproto.GET("/secrets", s.handler.ListSecrets)
			mtproto.POST("/secrets", s.handler.AddSecret)
			mtproto.DELETE("/secrets/:secret", s.handler.RemoveSecret)
			mtproto.POST("/restart", s.handler.RestartMTProto)
			mtproto.POST("/workers", s.handler.UpdateWorkers)
			mtproto.POST("/config", s.handler.UpdateMTProtoConfig)
		}

		socks5 := api.Group("/socks5")
		{
			socks5.GET("/accounts", s.handler.ListSocks5Accounts)
			socks5.POST("/accounts", s.handler.AddSocks5Account)
			socks5.DELETE("/accounts/:username", s.handler.RemoveSocks5Account)
			socks5.POST("/restart", s.handler.RestartSocks5)
		}

		system := api.Group("/system")
		{
			system.GET("/logs", s.handler.Logs)
			system.POST("/update-proxy-files", s.handler.UpdateProxyFiles)
		}
	}
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// BearerAuthMiddleware checks "Authorization: Bearer <token>"
// 使用常量时间比较防止时序攻击
func BearerAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		presented := strings.TrimPrefix(header, "Bearer ")
		if presented == header || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
