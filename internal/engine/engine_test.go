package engine

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Cicero/config"
	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/blob"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
	"github.com/Gopher0727/Cicero/internal/repositories"
	"github.com/Gopher0727/Cicero/internal/services"
)

const waitTimeout = 5 * time.Second

type harness struct {
	e     *Engine
	store *repositories.MemStore
	blobs *blob.RedisStore
	rdb   *redis.Client
}

func setup(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fd := feed.NewRedisFeed(rdb, nil)
	store := repositories.NewMemStore(fd, nil)
	blobs := blob.NewRedisStore(rdb, "http://cicero.test")

	e := New(Deps{
		Store:     store,
		Functions: services.NewFunctionsService(store, blobs, nil),
		Blobs:     blobs,
		Users:     services.NewUserResolver(store, nil, config.ResolverConfig{ChunkSize: 10}, nil),
		Feed:      fd,
	}, config.EngineConfig{
		RequestTimeout: waitTimeout,
		Debounce:       200 * time.Millisecond,
		FetchWorkers:   4,
		QueueSize:      16,
	}, nil)
	t.Cleanup(e.Close)

	for _, u := range []models.User{
		{ID: "A", Name: "Alice", Email: "a@example.com"},
		{ID: "B", Name: "Bob", Email: "b@example.com"},
		{ID: "C", Name: "Carol", Email: "c@example.com"},
	} {
		u.CreatedAt = time.Now().UTC()
		require.NoError(t, store.CreateUser(context.Background(), &u))
	}
	return &harness{e: e, store: store, blobs: blobs, rdb: rdb}
}

// ids makes the engine hand out the given group ids in order.
func (h *harness) ids(ids ...string) {
	var mu sync.Mutex
	h.e.newID = func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id, nil
	}
}

func (h *harness) create(t *testing.T, owner, name string) string {
	t.Helper()
	id, err := h.e.CreateGroup(context.Background(), CreateGroupRequest{OwnerID: owner, Name: name})
	require.NoError(t, err)
	return id
}

func waitGroups(t *testing.T, v *GroupsView, pred func(GroupsSnapshot) bool) GroupsSnapshot {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s, ok := <-v.Updates():
			require.True(t, ok, "view closed")
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for groups snapshot")
		}
	}
}

func waitGroup(t *testing.T, v *GroupView, pred func(GroupSnapshot) bool) GroupSnapshot {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s, ok := <-v.Updates():
			require.True(t, ok, "view closed")
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for group snapshot")
		}
	}
}

func groupIDs(s GroupsSnapshot) []string {
	out := make([]string, len(s.Groups))
	for i, g := range s.Groups {
		out[i] = g.ID
	}
	return out
}

func has(id string) func(GroupsSnapshot) bool {
	return func(s GroupsSnapshot) bool {
		for _, g := range s.Groups {
			if g.ID == id {
				return true
			}
		}
		return false
	}
}

func empty(s GroupsSnapshot) bool {
	return s.Err == nil && len(s.Groups) == 0
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}
