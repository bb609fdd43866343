package middlewares

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/utils"
	logger "github.com/Gopher0727/Cicero/middleware/log"
)

type tokenAuth struct{}

func (tokenAuth) Authenticate(token string) (string, error) {
	if token == "good" {
		return "A", nil
	}
	return "", errs.New(errs.KindUnauthenticated, "invalid session token")
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"uid":      UserID(c),
			"ctx_uid":  logger.GetUserID(c.Request.Context()),
			"trace_id": logger.GetTraceID(c.Request.Context()),
		})
	})...)
	return r
}

func get(r http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	m := NewMiddlewareManager(tokenAuth{}, nil)
	r := newRouter(m.Auth())

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{"bearer header", "/", map[string]string{"Authorization": "Bearer good"}, http.StatusOK},
		{"query token", "/?token=good", nil, http.StatusOK},
		{"missing", "/", nil, http.StatusUnauthorized},
		{"invalid", "/", map[string]string{"Authorization": "Bearer bad"}, http.StatusUnauthorized},
		{"wrong scheme", "/", map[string]string{"Authorization": "Basic good"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tt.target, tt.header)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.JSONEq(t, `{"uid":"A","ctx_uid":"A","trace_id":""}`, w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), `"unauthenticated"`)
			}
		})
	}
}

func TestOptionalAuth(t *testing.T) {
	m := NewMiddlewareManager(tokenAuth{}, nil)
	r := newRouter(m.OptionalAuth())

	w := get(r, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"uid":""`)

	w = get(r, "/", map[string]string{"Authorization": "Bearer bad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTrace(t *testing.T) {
	m := NewMiddlewareManager(tokenAuth{}, nil)
	r := newRouter(m.Trace())

	w := get(r, "/", map[string]string{TraceHeader: "trace-1"})
	assert.Equal(t, "trace-1", w.Header().Get(TraceHeader))
	assert.Contains(t, w.Body.String(), `"trace_id":"trace-1"`)

	w = get(r, "/", nil)
	assert.NotEmpty(t, w.Header().Get(TraceHeader))
}

func TestCORSPreflight(t *testing.T) {
	m := NewMiddlewareManager(tokenAuth{}, nil)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.CORS())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
	assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), "authorization")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://app.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), TraceHeader)
}

func TestRecovery(t *testing.T) {
	m := NewMiddlewareManager(tokenAuth{}, nil)
	r := newRouter(m.Recovery(), func(c *gin.Context) { panic("boom") })

	w := get(r, "/", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAsync(t *testing.T) {
	m := NewMiddlewareManager(tokenAuth{}, nil)

	t.Run("runs on the pool", func(t *testing.T) {
		pool := utils.NewWorkerPool(1, 1, nil)
		pool.Start()
		defer pool.Stop()

		w := get(newRouter(m.Async(pool), m.Auth()), "/", map[string]string{"Authorization": "Bearer good"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("stopped pool is unavailable", func(t *testing.T) {
		pool := utils.NewWorkerPool(1, 1, nil)
		pool.Start()
		pool.Stop()

		w := get(newRouter(m.Async(pool)), "/", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("nil pool runs inline", func(t *testing.T) {
		w := get(newRouter(m.Async(nil)), "/", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}


type countingLimiter struct {
	seen  map[string]int
	limit int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.seen[key]++
	return l.seen[key] <= l.limit, nil
}

func TestRateLimit(t *testing.T) {
	m := NewMiddlewareManager(tokenAuth{}, nil)
	limiter := &countingLimiter{seen: make(map[string]int), limit: 2}
	r := newRouter(m.OptionalAuth(), m.RateLimit(limiter, "auth", 2, time.Minute))

	for range 2 {
		assert.Equal(t, http.StatusOK, get(r, "/", nil).Code)
	}
	w := get(r, "/", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"rate-limited"`)

	// authenticated callers are counted separately from their address
	assert.Equal(t, http.StatusOK, get(r, "/", map[string]string{"Authorization": "Bearer good"}).Code)
	assert.Equal(t, 1, limiter.seen["auth:user:A"])

	// nil limiter disables the check
	r = newRouter(m.RateLimit(nil, "auth", 1, time.Minute))
	for range 3 {
		assert.Equal(t, http.StatusOK, get(r, "/", nil).Code)
	}
}
