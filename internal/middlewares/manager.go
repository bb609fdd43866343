package middlewares

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	logger "github.com/Gopher0727/Cicero/middleware/log"
)

// UserIDKey 是认证通过后写入 gin.Context 的用户 ID 键
const UserIDKey = "user_id"

// TraceHeader 请求与响应中携带 trace id 的头部
const TraceHeader = "X-Trace-ID"

// Authenticator verifies a session token and returns its uid.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

type MiddlewareManager struct {
	auth Authenticator
	log  *zap.Logger
}

func NewMiddlewareManager(auth Authenticator, log *zap.Logger) *MiddlewareManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &MiddlewareManager{auth: auth, log: log}
}

// UserID 返回当前请求的调用者，未认证时为空
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// bearer 先读 Authorization 头，再读 ?token= (WebSocket 握手无法自定义头部)
func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

// Auth rejects requests without a valid session token.
func (m *MiddlewareManager) Auth() gin.HandlerFunc {
	return m.authenticate(true)
}

// OptionalAuth attaches the caller when a valid token is present and lets
// anonymous requests through. A present but invalid token is still rejected.
func (m *MiddlewareManager) OptionalAuth() gin.HandlerFunc {
	return m.authenticate(false)
}

func (m *MiddlewareManager) authenticate(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			if required {
				abort(c, http.StatusUnauthorized, errs.New(errs.KindUnauthenticated, "authorization required"))
				return
			}
			c.Next()
			return
		}

		uid, err := m.auth.Authenticate(token)
		if err != nil {
			m.log.Warn("token validation failed",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			abort(c, http.StatusUnauthorized, err)
			return
		}

		c.Set(UserIDKey, uid)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), uid))
		c.Next()
	}
}

// Trace 为每个请求分配 trace id，客户端传入时沿用
func (m *MiddlewareManager) Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(TraceHeader)
		if id == "" {
			id = logger.NewTraceID()
		}
		c.Writer.Header().Set(TraceHeader, id)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), id))
		c.Next()
	}
}

func (m *MiddlewareManager) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
			zap.String("trace_id", logger.GetTraceID(c.Request.Context())),
		}
		if uid := UserID(c); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case statusCode >= 500:
			m.log.Error("server error", fields...)
		case statusCode >= 400:
			m.log.Warn("client error", fields...)
		default:
			m.log.Info("request completed", fields...)
		}
	}
}

// CORS 允许任意来源携带令牌访问，并暴露 trace id 和 ETag
func (m *MiddlewareManager) CORS() gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "If-None-Match", TraceHeader}
	config.ExposeHeaders = []string{TraceHeader, "ETag", "Retry-After"}
	config.MaxAge = 12 * time.Hour
	return cors.New(config)
}

func (m *MiddlewareManager) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				abort(c, http.StatusInternalServerError, errs.New(errs.KindInternal, "panic"))
			}
		}()

		c.Next()
	}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":    errs.KindOf(err).Code(),
		"message": errs.UserMessage(err),
	})
}
