package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
)

var kindStatus = map[errs.Kind]int{
	errs.KindUnauthenticated:  http.StatusUnauthorized,
	errs.KindInvalidArgument:  http.StatusBadRequest,
	errs.KindNotFound:         http.StatusNotFound,
	errs.KindAlreadyExists:    http.StatusConflict,
	errs.KindPermissionDenied: http.StatusForbidden,
	errs.KindDeadlineExceeded: http.StatusGatewayTimeout,
	errs.KindUnavailable:      http.StatusServiceUnavailable,
}

// HTTPStatus maps an error kind to its response status. Partial-result kinds
// are not expected here and fall back to 500.
func HTTPStatus(kind errs.Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

// partial 返回部分成功的结果，err 为 Aggregated 或 DegradedState
func partial(c *gin.Context, data any, err error) {
	if err == nil {
		success(c, data)
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusOK, gin.H{
		"code":    errs.KindOf(err).Code(),
		"message": errs.UserMessage(err),
		"data":    data,
	})
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	kind := errs.KindOf(err)
	c.JSON(HTTPStatus(kind), gin.H{
		"code":    kind.Code(),
		"message": errs.UserMessage(err),
	})
}

func badRequest(c *gin.Context, err error) {
	fail(c, errs.Wrap(errs.KindInvalidArgument, "malformed request", err))
}
