package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Cicero/internal/pkg/blob"
)

// StorageHandler 提供 blob 下载，URL 中的 ?v= 只用于客户端缓存失效
type StorageHandler struct {
	blobs blob.Store
}

func NewStorageHandler(blobs blob.Store) *StorageHandler {
	return &StorageHandler{blobs: blobs}
}

// Get 处理 GET /storage/*path
func (h *StorageHandler) Get(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	obj, err := h.blobs.Get(c.Request.Context(), path)
	if err != nil {
		fail(c, err)
		return
	}

	etag := `"` + obj.ETag + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "public, max-age=3600")
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, obj.ContentType, obj.Data)
}
