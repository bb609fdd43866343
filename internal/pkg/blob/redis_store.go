package blob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/twmb/murmur3"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
)

const (
	keyPrefix = "cicero:blob:"

	fieldData        = "data"
	fieldContentType = "content_type"
	fieldETag        = "etag"
	fieldSize        = "size"
	fieldUpdatedAt   = "updated_at"
)

// RedisStore 对象字节与元数据存放在一个 hash 中
type RedisStore struct {
	rdb     redis.UniversalClient
	baseURL string
}

func NewRedisStore(rdb redis.UniversalClient, baseURL string) *RedisStore {
	return &RedisStore{rdb: rdb, baseURL: strings.TrimRight(baseURL, "/")}
}

func key(path string) string {
	return keyPrefix + path
}

// ETag 内容的 128 位 murmur3 摘要
func ETag(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

func (s *RedisStore) Put(ctx context.Context, path string, data []byte, contentType string) (*Object, error) {
	if err := ValidPath(path); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid image path", err)
	}
	if len(data) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "Image is empty.")
	}
	obj := &Object{
		Path:        path,
		ContentType: contentType,
		Size:        int64(len(data)),
		ETag:        ETag(data),
		UpdatedAt:   time.Now().UTC(),
	}
	err := s.rdb.HSet(ctx, key(path),
		fieldData, data,
		fieldContentType, contentType,
		fieldETag, obj.ETag,
		fieldSize, obj.Size,
		fieldUpdatedAt, obj.UpdatedAt.UnixNano(),
	).Err()
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "failed to store object", err)
	}
	return obj, nil
}

func (s *RedisStore) Get(ctx context.Context, path string) (*Object, error) {
	if err := ValidPath(path); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid image path", err)
	}
	fields, err := s.rdb.HGetAll(ctx, key(path)).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "failed to load object", err)
	}
	if len(fields) == 0 {
		return nil, errs.Newf(errs.KindNotFound, "object %s does not exist", path)
	}
	size, _ := strconv.ParseInt(fields[fieldSize], 10, 64)
	nanos, _ := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64)
	return &Object{
		Path:        path,
		ContentType: fields[fieldContentType],
		Size:        size,
		ETag:        fields[fieldETag],
		UpdatedAt:   time.Unix(0, nanos).UTC(),
		Data:        []byte(fields[fieldData]),
	}, nil
}

// Delete 对象不存在时返回 NotFound
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := ValidPath(path); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "invalid image path", err)
	}
	n, err := s.rdb.Del(ctx, key(path)).Result()
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "failed to delete object", err)
	}
	if n == 0 {
		return errs.Newf(errs.KindNotFound, "object %s does not exist", path)
	}
	return nil
}

// URL 可直接获取的地址；v 参数随内容变化，替换图片后客户端会重新拉取
func (s *RedisStore) URL(obj *Object) string {
	v := obj.ETag
	if len(v) > 12 {
		v = v[:12]
	}
	return fmt.Sprintf("%s/storage/%s?v=%s", s.baseURL, obj.Path, v)
}
