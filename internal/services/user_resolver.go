package services

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/config"
	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/metrics"
	"github.com/Gopher0727/Cicero/internal/utils"
)

const userCacheKeyPrefix = "user:info:" // Redis String, 值是 user JSON

// UserFinder 等值列表查询
type UserFinder interface {
	FindUsers(ctx context.Context, ids []string) ([]models.User, error)
}

// UserResolver 把成员 id 解析为用户资料：先查 Redis 缓存，未命中的 id 按 chunkSize 分批并发查询。
// 某一批失败时返回其余批次的结果和一个 Aggregated 错误。返回顺序与输入无关。
type UserResolver struct {
	finder    UserFinder
	rdb       redis.UniversalClient
	chunkSize int
	ttl       time.Duration
	log       *zap.Logger
}

// NewUserResolver rdb 为 nil 时不使用缓存
func NewUserResolver(finder UserFinder, rdb redis.UniversalClient, cfg config.ResolverConfig, log *zap.Logger) *UserResolver {
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.ChunkSize
	if size <= 0 {
		size = 10
	}
	return &UserResolver{
		finder:    finder,
		rdb:       rdb,
		chunkSize: size,
		ttl:       cfg.CacheTTL,
		log:       log.Named("resolver"),
	}
}

// Chunk 按 size 切分 ids，最后一批可能不足 size
func Chunk(ids []string, size int) [][]string {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Resolve 空输入直接返回空列表，不发起任何查询
func (r *UserResolver) Resolve(ctx context.Context, ids []string) ([]models.User, error) {
	uniq := dedup(ids)
	if len(uniq) == 0 {
		return []models.User{}, nil
	}

	found, missing := r.fromCache(ctx, uniq)
	if len(missing) == 0 {
		return found, nil
	}

	chunks := Chunk(missing, r.chunkSize)
	results := make([][]models.User, len(chunks))
	join := utils.NewJoin(len(chunks), nil)
	for i, chunk := range chunks {
		go func(i int, chunk []string) {
			users, err := r.finder.FindUsers(ctx, chunk)
			if err != nil {
				metrics.ResolverChunks.WithLabelValues("error").Inc()
				join.Done(i, errs.Wrap(errs.KindOf(err), "failed to resolve users", err))
				return
			}
			metrics.ResolverChunks.WithLabelValues("ok").Inc()
			results[i] = users
			join.Done(i, nil)
		}(i, chunk)
	}

	chunkErrs, err := join.Wait(ctx)
	if err != nil {
		return found, errs.Wrap(errs.KindOf(err), "user resolution interrupted", err)
	}

	var fetched []models.User
	for _, users := range results {
		fetched = append(fetched, users...)
	}
	r.toCache(ctx, fetched)

	if len(chunkErrs) > 0 {
		r.log.Warn("partial user resolution",
			zap.Int("chunks", len(chunks)),
			zap.Int("failed", len(chunkErrs)))
	}
	return append(found, fetched...), errs.Aggregate("failed to resolve some users", chunkErrs)
}

// fromCache 缓存不可用时视为全部未命中
func (r *UserResolver) fromCache(ctx context.Context, ids []string) ([]models.User, []string) {
	found := []models.User{}
	if r.rdb == nil {
		return found, ids
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userCacheKeyPrefix + id
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		r.log.Debug("user cache unavailable", zap.Error(err))
		return found, ids
	}

	var missing []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		var u models.User
		if err := json.Unmarshal([]byte(s), &u); err != nil || u.ID != ids[i] {
			missing = append(missing, ids[i])
			continue
		}
		found = append(found, u)
	}
	metrics.ResolverCacheHits.Add(float64(len(found)))
	return found, missing
}

func (r *UserResolver) toCache(ctx context.Context, users []models.User) {
	if r.rdb == nil || len(users) == 0 {
		return
	}
	pipe := r.rdb.Pipeline()
	for i := range users {
		data, err := json.Marshal(&users[i])
		if err != nil {
			continue
		}
		pipe.Set(ctx, userCacheKeyPrefix+users[i].ID, data, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Debug("failed to fill user cache", zap.Error(err))
	}
}
