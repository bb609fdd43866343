package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/blob"
	"github.com/Gopher0727/Cicero/internal/repositories"
)

// fakeBlobs records deletes and can be told to fail them.
type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	deleteErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(_ context.Context, path string, data []byte, contentType string) (*blob.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return &blob.Object{Path: path, ContentType: contentType, Size: int64(len(data)), ETag: blob.ETag(data)}, nil
}

func (f *fakeBlobs) Get(_ context.Context, path string) (*blob.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &blob.Object{Path: path, Data: f.objects[path]}, nil
}

func (f *fakeBlobs) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, path)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, path)
	return nil
}

func (f *fakeBlobs) URL(obj *blob.Object) string {
	return "http://blobs/" + obj.Path + "?v=" + obj.ETag
}

// seedGroup writes a group and its owner membership directly.
func seedGroup(t *testing.T, s repositories.Store, id, owner string, image bool) {
	t.Helper()
	ctx := context.Background()
	g := &models.Group{ID: id, Name: "Group " + id, OwnerID: owner, CreatedAt: time.Now().UTC()}
	if image {
		url := "http://blobs/" + blob.GroupImagePath(id)
		g.ImageURL = &url
	}
	require.NoError(t, s.RunInTransaction(ctx, func(tx repositories.Tx) error {
		if err := tx.CreateGroup(ctx, g); err != nil {
			return err
		}
		return tx.CreateMember(ctx, &models.Member{
			GroupID: id, UserID: owner, Role: models.RoleAdmin, JoinedAt: time.Now().UTC(),
		})
	}))
}

func nowForTest() time.Time {
	return time.Now().UTC()
}
