package routers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/config"
	"github.com/Gopher0727/Cicero/internal/engine"
	"github.com/Gopher0727/Cicero/internal/handlers"
	"github.com/Gopher0727/Cicero/internal/middlewares"
	"github.com/Gopher0727/Cicero/internal/pkg/blob"
	"github.com/Gopher0727/Cicero/internal/pkg/metrics"
	"github.com/Gopher0727/Cicero/internal/services"
	"github.com/Gopher0727/Cicero/internal/utils"
	"github.com/Gopher0727/Cicero/internal/ws"
)

// Deps 路由依赖
type Deps struct {
	Auth      *services.AuthService
	Engine    *engine.Engine
	Functions services.Functions
	Blobs     blob.Store
	Registry  *prometheus.Registry // nil 时不暴露 /metrics
	Pool      *utils.WorkerPool    // nil 时同步处理请求
	Limiter   middlewares.RateLimiter
	RateLimit config.RateLimitConfig
	Log       *zap.Logger
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, d Deps) {
	mw := middlewares.NewMiddlewareManager(d.Auth, d.Log)
	r.Use(mw.Recovery(), mw.Trace(), mw.Logger(), mw.CORS())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"Status": "OK",
		})
	})
	if d.Registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(d.Registry)))
	}

	// WebSocket 路由 (必须在 Async 之前注册，避免长连接占用 worker)
	r.GET("/ws", mw.Auth(), ws.ServeWs(d.Engine, d.Log))

	if d.Blobs != nil {
		r.GET("/storage/*path", handlers.NewStorageHandler(d.Blobs).Get)
	}

	async := mw.Async(d.Pool)

	// callable 协议，未认证的调用交给函数自身返回 unauthenticated
	fns := handlers.NewFunctionsHandler(d.Functions)
	r.POST("/functions/:name", async, mw.OptionalAuth(),
		mw.RateLimit(d.Limiter, "functions", d.RateLimit.FunctionsPerMinute, time.Minute), fns.Call)

	api := r.Group("/api/v1", async)
	RegisterAuthRoutes(api, handlers.NewAuthHandler(d.Auth),
		mw.RateLimit(d.Limiter, "auth", d.RateLimit.AuthPerMinute, time.Minute))
	RegisterGroupRoutes(api, handlers.NewGroupHandler(d.Engine), mw)
}

func RegisterAuthRoutes(api *gin.RouterGroup, h *handlers.AuthHandler, limit gin.HandlerFunc) {
	authGroup := api.Group("/auth", limit)
	{
		authGroup.POST("/register", h.Register) // 注册
		authGroup.POST("/login", h.Login)       // 登录
		authGroup.POST("/refresh", h.Refresh)   // 换发令牌
	}
}

func RegisterGroupRoutes(api *gin.RouterGroup, h *handlers.GroupHandler, mw *middlewares.MiddlewareManager) {
	groupGroup := api.Group("/groups")
	groupGroup.Use(mw.Auth())
	{
		groupGroup.GET("", h.ListGroups)   // 我的群组
		groupGroup.POST("", h.CreateGroup) // 创建群组

		groupGroup.PATCH("/:id", h.UpdateGroup)  // 修改名称/描述
		groupGroup.DELETE("/:id", h.DeleteGroup) // 删除群组
		groupGroup.PUT("/:id/image", h.SetImage) // 替换群组图片

		// 成员管理
		groupGroup.GET("/:id/members", h.Members)             // 成员名单
		groupGroup.POST("/:id/join", h.JoinGroup)             // 加入
		groupGroup.POST("/:id/leave", h.LeaveGroup)           // 退出
		groupGroup.POST("/:id/transfer", h.TransferOwnership) // 转让群主
	}
}
