package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Cicero/internal/engine"
	"github.com/Gopher0727/Cicero/internal/middlewares"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
)

// MaxImageUpload 上传图片的原始大小上限，重新编码前
const MaxImageUpload = 8 << 20

// GroupHandler 群组处理器
type GroupHandler struct {
	engine *engine.Engine
}

// NewGroupHandler 创建群组处理器实例
func NewGroupHandler(e *engine.Engine) *GroupHandler {
	return &GroupHandler{engine: e}
}

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       []byte `json:"image"` // base64
}

type transferRequest struct {
	NewOwnerID string `json:"newOwnerId" binding:"required"`
}

type updateGroupRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// ListGroups 当前用户所在的群组
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.engine.Groups(c.Request.Context(), middlewares.UserID(c))
	if err != nil && !errs.Is(err, errs.KindAggregated) {
		fail(c, err)
		return
	}
	partial(c, groups, err)
}

// CreateGroup 创建群组；群组已写入但后续步骤失败时仍返回 id
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := h.engine.CreateGroup(c.Request.Context(), engine.CreateGroupRequest{
		OwnerID:     middlewares.UserID(c),
		Name:        req.Name,
		Description: req.Description,
		Image:       req.Image,
	})
	if err != nil && id == "" {
		fail(c, err)
		return
	}
	partial(c, gin.H{"id": id}, err)
}

func (h *GroupHandler) JoinGroup(c *gin.Context) {
	res, err := h.engine.JoinGroup(c.Request.Context(), middlewares.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, res)
}

func (h *GroupHandler) LeaveGroup(c *gin.Context) {
	if err := h.engine.LeaveGroup(c.Request.Context(), middlewares.UserID(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	success(c, nil)
}

func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	res, err := h.engine.DeleteGroup(c.Request.Context(), middlewares.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, res)
}

// TransferOwnership 转让群主
func (h *GroupHandler) TransferOwnership(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := h.engine.TransferOwnership(c.Request.Context(), middlewares.UserID(c), c.Param("id"), req.NewOwnerID)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, nil)
}

// UpdateGroup 修改名称和/或描述，名称先写
func (h *GroupHandler) UpdateGroup(c *gin.Context) {
	var req updateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Name == nil && req.Description == nil {
		fail(c, errs.New(errs.KindInvalidArgument, "Nothing to update."))
		return
	}

	ctx := c.Request.Context()
	uid, id := middlewares.UserID(c), c.Param("id")
	if req.Name != nil {
		if err := h.engine.UpdateName(ctx, uid, id, *req.Name); err != nil {
			fail(c, err)
			return
		}
	}
	if req.Description != nil {
		if err := h.engine.UpdateDescription(ctx, uid, id, *req.Description); err != nil {
			fail(c, err)
			return
		}
	}
	success(c, nil)
}

// SetImage 请求体为原始图片字节
func (h *GroupHandler) SetImage(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxImageUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, errs.New(errs.KindInvalidArgument, "Image is too large."))
			return
		}
		badRequest(c, err)
		return
	}

	url, err := h.engine.SetImage(c.Request.Context(), middlewares.UserID(c), c.Param("id"), data)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"imageURL": url})
}

// Members 群组成员名单
func (h *GroupHandler) Members(c *gin.Context) {
	roster, err := h.engine.Roster(c.Request.Context(), middlewares.UserID(c), c.Param("id"))
	if err != nil && !errs.Is(err, errs.KindAggregated) {
		fail(c, err)
		return
	}
	partial(c, roster, err)
}
