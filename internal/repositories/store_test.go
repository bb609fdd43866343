package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
)

type recorder struct {
	mu      sync.Mutex
	changes []feed.Change
}

func (r *recorder) Publish(_ context.Context, changes ...feed.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
	return nil
}

func (r *recorder) all() []feed.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feed.Change(nil), r.changes...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = nil
}

type storeFactory func(t *testing.T, pub feed.Publisher) Store

func memFactory(t *testing.T, pub feed.Publisher) Store {
	return NewMemStore(pub, nil)
}

// gormFactory needs CICERO_TEST_POSTGRES_DSN pointing at a disposable database.
func gormFactory(t *testing.T, pub feed.Publisher) Store {
	dsn := os.Getenv("CICERO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping test: CICERO_TEST_POSTGRES_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Skipf("Skipping test: PostgreSQL not available: %v", err)
	}
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Group{}, &models.Member{}))
	clean := func() {
		db.Exec("TRUNCATE TABLE group_members, groups, users")
	}
	clean()
	t.Cleanup(clean)
	return NewGormStore(db, pub, nil)
}

func newGroup(id, owner string) *models.Group {
	return &models.Group{
		ID:        id,
		Name:      "Group " + id,
		OwnerID:   owner,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newMember(groupID, userID string, role models.Role, joined time.Time) *models.Member {
	return &models.Member{GroupID: groupID, UserID: userID, Role: role, JoinedAt: joined}
}

func createGroup(t *testing.T, s Store, g *models.Group) {
	t.Helper()
	require.NoError(t, s.RunInTransaction(context.Background(), func(tx Tx) error {
		return tx.CreateGroup(context.Background(), g)
	}))
}

func addMember(t *testing.T, s Store, m *models.Member) {
	t.Helper()
	require.NoError(t, s.RunInTransaction(context.Background(), func(tx Tx) error {
		return tx.CreateMember(context.Background(), m)
	}))
}

func TestMemStore(t *testing.T)  { runStoreContract(t, memFactory) }
func TestGormStore(t *testing.T) { runStoreContract(t, gormFactory) }

func runStoreContract(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("group lifecycle", func(t *testing.T) {
		rec := &recorder{}
		s := factory(t, rec)

		g := newGroup("BC123", "A")
		createGroup(t, s, g)

		got, err := s.GetGroup(ctx, "BC123")
		require.NoError(t, err)
		assert.Equal(t, "Group BC123", got.Name)
		assert.Equal(t, "A", got.OwnerID)

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.CreateGroup(ctx, newGroup("BC123", "B"))
		})
		assert.True(t, errs.Is(err, errs.KindAlreadyExists), "got %v", err)

		name := "Book Club"
		err = s.RunInTransaction(ctx, func(tx Tx) error {
			updated, err := tx.UpdateGroup(ctx, "BC123", models.GroupPatch{Name: &name})
			if err != nil {
				return err
			}
			assert.Equal(t, "Book Club", updated.Name)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.DeleteGroup(ctx, "BC123")
		}))
		_, err = s.GetGroup(ctx, "BC123")
		assert.True(t, errs.Is(err, errs.KindNotFound))

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.DeleteGroup(ctx, "BC123")
		})
		assert.True(t, errs.Is(err, errs.KindNotFound))

		changes := rec.all()
		require.Len(t, changes, 3)
		assert.Equal(t, feed.OpUpsert, changes[0].Op)
		assert.Equal(t, "Book Club", changes[1].Group.Name)
		assert.Equal(t, feed.OpDelete, changes[2].Op)
	})

	t.Run("memberships", func(t *testing.T) {
		s := factory(t, nil)
		base := time.Now().UTC().Truncate(time.Millisecond)

		createGroup(t, s, newGroup("G1", "A"))
		createGroup(t, s, newGroup("G2", "B"))
		addMember(t, s, newMember("G1", "A", models.RoleAdmin, base))
		addMember(t, s, newMember("G1", "B", models.RoleMember, base.Add(time.Second)))
		addMember(t, s, newMember("G2", "B", models.RoleAdmin, base.Add(2*time.Second)))

		err := s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.CreateMember(ctx, newMember("G1", "B", models.RoleMember, base))
		})
		assert.True(t, errs.Is(err, errs.KindAlreadyExists), "got %v", err)

		members, err := s.ListMembers(ctx, "G1")
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, "A", members[0].UserID)
		assert.Equal(t, "B", members[1].UserID)

		n, err := s.CountMembers(ctx, "G1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		mine, err := s.MembershipsOf(ctx, "B")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "G1", mine[0].GroupID)
		assert.Equal(t, "G2", mine[1].GroupID)

		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.UpdateMemberRole(ctx, "G1", "B", models.RoleAdmin)
		}))
		m, err := s.GetMember(ctx, "G1", "B")
		require.NoError(t, err)
		assert.Equal(t, models.RoleAdmin, m.Role)

		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.DeleteMember(ctx, "G1", "A")
		}))
		_, err = s.GetMember(ctx, "G1", "A")
		assert.True(t, errs.Is(err, errs.KindNotFound))

		var deleted int64
		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error {
			var err error
			deleted, err = tx.DeleteMembers(ctx, "G1")
			return err
		}))
		assert.Equal(t, int64(1), deleted)
		mine, err = s.MembershipsOf(ctx, "B")
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "G2", mine[0].GroupID)
	})

	t.Run("failed transaction rolls back and publishes nothing", func(t *testing.T) {
		rec := &recorder{}
		s := factory(t, rec)
		boom := errors.New("boom")

		err := s.RunInTransaction(ctx, func(tx Tx) error {
			if err := tx.CreateGroup(ctx, newGroup("RB1", "A")); err != nil {
				return err
			}
			if err := tx.CreateMember(ctx, newMember("RB1", "A", models.RoleAdmin, time.Now().UTC())); err != nil {
				return err
			}
			return boom
		})
		require.Error(t, err)

		_, err = s.GetGroup(ctx, "RB1")
		assert.True(t, errs.Is(err, errs.KindNotFound))
		_, err = s.GetMember(ctx, "RB1", "A")
		assert.True(t, errs.Is(err, errs.KindNotFound))
		assert.Empty(t, rec.all())
	})

	t.Run("lock group", func(t *testing.T) {
		s := factory(t, nil)
		createGroup(t, s, newGroup("LK1", "A"))

		err := s.RunInTransaction(ctx, func(tx Tx) error {
			g, err := tx.LockGroup(ctx, "LK1")
			if err != nil {
				return err
			}
			assert.Equal(t, "A", g.OwnerID)
			_, err = tx.LockGroup(ctx, "missing")
			assert.True(t, errs.Is(err, errs.KindNotFound))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("users", func(t *testing.T) {
		s := factory(t, nil)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.CreateUser(ctx, &models.User{
				ID:           fmt.Sprintf("u%d", i),
				Name:         fmt.Sprintf("User %d", i),
				Email:        fmt.Sprintf("u%d@example.com", i),
				PasswordHash: "x",
				CreatedAt:    time.Now().UTC(),
			}))
		}
		err := s.CreateUser(ctx, &models.User{ID: "dup", Name: "Dup", Email: "u1@example.com", PasswordHash: "x"})
		assert.True(t, errs.Is(err, errs.KindAlreadyExists), "got %v", err)

		u, err := s.GetUserByEmail(ctx, "u3@example.com")
		require.NoError(t, err)
		assert.Equal(t, "u3", u.ID)

		_, err = s.GetUser(ctx, "nobody")
		assert.True(t, errs.Is(err, errs.KindNotFound))

		users, err := s.FindUsers(ctx, []string{"u0", "u4", "ghost"})
		require.NoError(t, err)
		assert.Len(t, users, 2)

		users, err = s.FindUsers(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, users)

		tooMany := make([]string, MaxInValues+1)
		for i := range tooMany {
			tooMany[i] = fmt.Sprintf("x%d", i)
		}
		_, err = s.FindUsers(ctx, tooMany)
		assert.True(t, errs.Is(err, errs.KindInvalidArgument))
	})

	t.Run("invalid documents are rejected", func(t *testing.T) {
		s := factory(t, nil)
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.CreateGroup(ctx, &models.Group{ID: "NOOWNER", Name: "x", CreatedAt: time.Now()})
		})
		assert.True(t, errs.Is(err, errs.KindInvalidArgument))

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.CreateMember(ctx, &models.Member{GroupID: "G", UserID: "U", Role: "owner"})
		})
		assert.True(t, errs.Is(err, errs.KindInvalidArgument))
	})
}

func TestMemStoreFaults(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil, nil)
	boom := errs.New(errs.KindUnavailable, "injected")

	s.FailNext("CreateMember", boom)
	createGroup(t, s, newGroup("F1", "A"))
	err := s.RunInTransaction(ctx, func(tx Tx) error {
		return tx.CreateMember(ctx, newMember("F1", "A", models.RoleAdmin, time.Now()))
	})
	assert.ErrorIs(t, err, boom)

	// the fault fires once
	addMember(t, s, newMember("F1", "A", models.RoleAdmin, time.Now()))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.GetGroup(cctx, "F1")
	assert.Error(t, err)
}
