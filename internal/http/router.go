package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/config"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/scheduler"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/service"
)

// RateLimiter 简单的内存速率限制器
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int           // 最大请求数
	window   time.Duration // 时间窗口
	now      func() time.Time
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	// 清理过期请求
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware limits by client IP
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Services bundles what the control-plane API calls into.
type Services struct {
	Nodes         *service.NodeService
	Subscriptions *service.SubscriptionService
	Provisioner   *service.Provisioner
	Integration   *service.IntegrationService
	Scheduler     *scheduler.Scheduler
}

type Server struct {
	router         *gin.Engine
	handler        *Handler
	cfg            *config.Config
	resolveLimiter *RateLimiter
}

// 每个外部订阅每分钟最多 20 次绑定请求
const bindLimitPerMinute = 20

// resolve 接口按 IP 限流，防止枚举订阅链接
const resolveLimitPerMinute = 60

func NewServer(log logrus.FieldLogger, cfg *config.Config, svc Services) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:         router,
		handler:        NewHandler(log, svc, NewRateLimiter(bindLimitPerMinute, time.Minute)),
		cfg:            cfg,
		resolveLimiter: NewRateLimiter(resolveLimitPerMinute, time.Minute),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "proxyfleet-service",
		})
	})

	// Integration API - called by billing and subscription-service
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/integration/subscriptions", s.handler.BindSubscription)
		internal.GET("/integration/resolve", RateLimitMiddleware(s.resolveLimiter), s.handler.Resolve)

		internal.POST("/entitlements", s.handler.GrantEntitlement)
		internal.POST("/entitlements/:id/cancel", s.handler.CancelEntitlement)
	}

	admin := s.router.Group("/api/admin")
	admin.Use(AdminJWTMiddleware(s.cfg.JWT.SecretKey))
	{
		nodes := admin.Group("/nodes")
		{
			nodes.GET("", s.handler.ListNodes)
			nodes.POST("", s.handler.CreateNode)
			nodes.GET("/:id", s.handler.GetNode)
			nodes.PUT("/:id", s.handler.UpdateNode)
			nodes.DELETE("/:id", s.handler.DeactivateNode)

			nodes.POST("/:id/restart/:kind", s.handler.RestartRelay)
			nodes.GET("/:id/logs", s.handler.NodeLogs)
			nodes.POST("/:id/update-proxy-files", s.handler.UpdateProxyFiles)
			nodes.GET("/:id/stats", s.handler.NodeStats)
			nodes.GET("/:id/events", s.handler.NodeEvents)

			nodes.GET("/:id/secrets", s.handler.ListSharedSecrets)
			nodes.POST("/:id/secrets", s.handler.AddSharedSecret)
			nodes.DELETE("/:id/secrets/:secret", s.handler.RemoveSharedSecret)

			nodes.GET("/:id/socks5", s.handler.ListSocks5Accounts)
			nodes.POST("/:id/socks5", s.handler.AddSocks5Account)
			nodes.DELETE("/:id/socks5/:username", s.handler.RemoveSocks5Account)
		}

		subs := admin.Group("/subscriptions")
		{
			subs.GET("", s.handler.ListSubscriptions)
			subs.POST("", s.handler.CreateSubscription)
			subs.GET("/:id", s.handler.GetSubscription)
			subs.DELETE("/:id", s.handler.DeleteSubscription)
			subs.POST("/:id/toggle", s.handler.ToggleSubscription)
			subs.GET("/:id/proxies", s.handler.SubscriptionProxies)
			subs.GET("/:id/links", s.handler.SubscriptionLinks)
		}

		users := admin.Group("/users/:user_id")
		{
			users.POST("/provision", s.handler.ProvisionUser)
			users.POST("/disable", s.handler.DisableUser)
			users.POST("/reconcile", s.handler.ReconcileUser)
			users.GET("/links", s.handler.UserLinks)
		}

		admin.POST("/sweeps/:name", s.handler.TriggerSweep)
	}
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
