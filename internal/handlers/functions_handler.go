package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Cicero/internal/middlewares"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/services"
)

type callableRequest struct {
	Data struct {
		GroupID string `json:"groupId"`
	} `json:"data"`
}

// FunctionsHandler 以 callable 协议暴露事务函数：
// 请求体 {"data": {...}}，成功返回 {"result": ...}，失败返回 {"error": {"status", "message"}}。
type FunctionsHandler struct {
	fns   services.Functions
	calls map[string]func(ctx context.Context, uid, groupID string) (any, error)
}

func NewFunctionsHandler(fns services.Functions) *FunctionsHandler {
	h := &FunctionsHandler{fns: fns}
	h.calls = map[string]func(ctx context.Context, uid, groupID string) (any, error){
		services.FunctionJoinGroup: func(ctx context.Context, uid, groupID string) (any, error) {
			return fns.JoinGroup(ctx, uid, groupID)
		},
		services.FunctionDeleteGroup: func(ctx context.Context, uid, groupID string) (any, error) {
			return fns.DeleteGroup(ctx, uid, groupID)
		},
	}
	return h
}

// Call 处理 POST /functions/:name，调用者由可选认证中间件提供
func (h *FunctionsHandler) Call(c *gin.Context) {
	call, ok := h.calls[c.Param("name")]
	if !ok {
		callableError(c, errs.Newf(errs.KindNotFound, "function %s does not exist", c.Param("name")))
		return
	}

	var req callableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		callableError(c, errs.Wrap(errs.KindInvalidArgument, "Request body must be {\"data\": {...}}.", err))
		return
	}

	result, err := call(c.Request.Context(), middlewares.UserID(c), req.Data.GroupID)
	if err != nil {
		callableError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// CallableStatus renders an error kind the way callable clients expect, for
// example "NOT_FOUND".
func CallableStatus(kind errs.Kind) string {
	return strings.ToUpper(strings.ReplaceAll(kind.Code(), "-", "_"))
}

func callableError(c *gin.Context, err error) {
	_ = c.Error(err)
	kind := errs.KindOf(err)
	msg := "INTERNAL"
	var e *errs.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	c.JSON(HTTPStatus(kind), gin.H{
		"error": gin.H{
			"status":  CallableStatus(kind),
			"message": msg,
		},
	})
}
