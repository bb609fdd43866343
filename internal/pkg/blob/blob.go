// Package blob stores group images addressed by path.
package blob

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const ContentTypeJPEG = "image/jpeg"

// Object 存储对象元数据，Data 仅在 Get 时填充
type Object struct {
	Path        string
	ContentType string
	Size        int64
	ETag        string
	UpdatedAt   time.Time
	Data        []byte
}

// Store 按路径寻址的对象存储
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (*Object, error)
	Get(ctx context.Context, path string) (*Object, error)
	Delete(ctx context.Context, path string) error
	URL(obj *Object) string
}

// GroupImagePath 群组图片固定路径 groupImages/{groupId}.jpg
func GroupImagePath(groupID string) string {
	return "groupImages/" + groupID + ".jpg"
}

// ValidPath 拒绝空路径、绝对路径和 .. 片段
func ValidPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid blob path %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid blob path %q", path)
		}
	}
	return nil
}
