package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/utils"
)

// Async 将后续处理链提交到协程池执行，限制同时处理的请求数。
// 调用方阻塞等待任务完成，所以同一时刻只有一个 goroutine 操作 c。
// 队列满时排队，直到请求被取消。pool 为 nil 时同步执行。
func (m *MiddlewareManager) Async(pool *utils.WorkerPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			c.Next()
			return
		}

		done := make(chan struct{})
		task := func() {
			defer close(done)
			c.Next()
		}

		if err := pool.Submit(c.Request.Context(), task); err != nil {
			abort(c, http.StatusServiceUnavailable, errs.Wrap(errs.KindUnavailable, "request queue", err))
			return
		}
		<-done
	}
}
