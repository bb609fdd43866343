package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/blob"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/services"
)

func TestCreateGroup(t *testing.T) {
	h := setup(t)
	h.ids("BC123")
	ctx := context.Background()

	id, err := h.e.CreateGroup(ctx, CreateGroupRequest{OwnerID: "A", Name: "  Book Club ", Description: ""})
	require.NoError(t, err)
	assert.Equal(t, "BC123", id)

	g, err := h.store.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Book Club", g.Name)
	assert.Equal(t, "", g.Description)
	assert.Equal(t, "A", g.OwnerID)
	assert.Nil(t, g.ImageURL)
	assert.False(t, g.CreatedAt.IsZero())

	m, err := h.store.GetMember(ctx, id, "A")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, m.Role)
}

func TestCreateGroupValidation(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.e.CreateGroup(ctx, CreateGroupRequest{OwnerID: "A", Name: " \n "})
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
	assert.Equal(t, "Group name cannot be empty.", errs.UserMessage(err))

	_, err = h.e.CreateGroup(ctx, CreateGroupRequest{Name: "Book Club"})
	assert.True(t, errs.Is(err, errs.KindUnauthenticated))

	ms, err := h.store.MembershipsOf(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestCreateGroupRetriesTakenID(t *testing.T) {
	h := setup(t)
	h.ids("AAAAAA", "AAAAAA", "BBBBBB")

	first := h.create(t, "A", "First")
	second := h.create(t, "B", "Second")
	assert.Equal(t, "AAAAAA", first)
	assert.Equal(t, "BBBBBB", second)

	g, err := h.store.GetGroup(context.Background(), "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "A", g.OwnerID)
}

func TestCreateGroupDegraded(t *testing.T) {
	h := setup(t)
	h.ids("DG0001")
	ctx := context.Background()
	h.store.FailNext("CreateMember", errors.New("connection reset"))

	id, err := h.e.CreateGroup(ctx, CreateGroupRequest{OwnerID: "A", Name: "Orphan"})
	require.Error(t, err)
	assert.Equal(t, "DG0001", id)
	assert.True(t, errs.Is(err, errs.KindDegradedState))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "DG0001", e.GroupID)

	// no compensating rollback
	_, err = h.store.GetGroup(ctx, id)
	assert.NoError(t, err)
	n, err := h.store.CountMembers(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateGroupWithImage(t *testing.T) {
	h := setup(t)
	h.ids("IMG001")
	ctx := context.Background()

	id, err := h.e.CreateGroup(ctx, CreateGroupRequest{OwnerID: "A", Name: "Pics", Image: testJPEG(t, 800, 600)})
	require.NoError(t, err)

	g, err := h.store.GetGroup(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, g.ImageURL)
	assert.True(t, strings.HasPrefix(*g.ImageURL, "http://cicero.test/storage/groupImages/IMG001.jpg?v="))

	obj, err := h.blobs.Get(ctx, blob.GroupImagePath(id))
	require.NoError(t, err)
	assert.Equal(t, blob.ContentTypeJPEG, obj.ContentType)

	_, err = h.e.DeleteGroup(ctx, "A", id)
	require.NoError(t, err)
	_, err = h.blobs.Get(ctx, blob.GroupImagePath(id))
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestCreateGroupRejectsBadImageUpFront(t *testing.T) {
	h := setup(t)
	h.ids("IMG002")
	ctx := context.Background()

	id, err := h.e.CreateGroup(ctx, CreateGroupRequest{OwnerID: "A", Name: "Pics", Image: []byte("not an image")})
	assert.Empty(t, id)
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))

	// nothing was written
	_, err = h.store.GetGroup(ctx, "IMG002")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	groups, err := h.e.Groups(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestCreateGroupImageWriteFailureIsDegraded(t *testing.T) {
	h := setup(t)
	h.ids("IMG003")
	h.store.FailNext("UpdateGroup", errors.New("connection reset"))

	id, err := h.e.CreateGroup(context.Background(), CreateGroupRequest{OwnerID: "A", Name: "Pics", Image: testJPEG(t, 64, 64)})
	assert.Equal(t, "IMG003", id)
	assert.True(t, errs.Is(err, errs.KindDegradedState))

	m, err := h.store.GetMember(context.Background(), id, "A")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, m.Role)
}

func TestJoinAndDeleteScenario(t *testing.T) {
	h := setup(t)
	h.ids("BC123")
	ctx := context.Background()
	id := h.create(t, "A", "Book Club")

	viewB, err := h.e.Subscribe(ctx, "B")
	require.NoError(t, err)
	defer viewB.Close()
	waitGroups(t, viewB, empty)

	res, err := h.e.JoinGroup(ctx, "B", id)
	require.NoError(t, err)
	assert.True(t, res.Success)

	m, err := h.store.GetMember(ctx, id, "B")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, m.Role)
	waitGroups(t, viewB, has(id))

	_, err = h.e.JoinGroup(ctx, "B", id)
	assert.True(t, errs.Is(err, errs.KindAlreadyExists))

	del, err := h.e.DeleteGroup(ctx, "A", id)
	require.NoError(t, err)
	assert.Equal(t, "Group deleted successfully.", del.Message)
	waitGroups(t, viewB, empty)

	_, err = h.store.GetGroup(ctx, id)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	n, err := h.store.CountMembers(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.e.JoinGroup(ctx, "C", id)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestOwnerInvariant(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.create(t, "A", "Chess")

	err := h.e.LeaveGroup(ctx, "A", id)
	assert.True(t, errs.Is(err, errs.KindPermissionDenied))

	err = h.e.TransferOwnership(ctx, "A", id, "B")
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))

	_, err = h.e.JoinGroup(ctx, "B", id)
	require.NoError(t, err)

	err = h.e.TransferOwnership(ctx, "B", id, "B")
	assert.True(t, errs.Is(err, errs.KindPermissionDenied))

	require.NoError(t, h.e.TransferOwnership(ctx, "A", id, "B"))
	g, err := h.store.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "B", g.OwnerID)

	newOwner, err := h.store.GetMember(ctx, id, "B")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, newOwner.Role)
	oldOwner, err := h.store.GetMember(ctx, id, "A")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, oldOwner.Role)

	assert.True(t, errs.Is(h.e.LeaveGroup(ctx, "B", id), errs.KindPermissionDenied))
	require.NoError(t, h.e.LeaveGroup(ctx, "A", id))

	_, err = h.store.GetMember(ctx, id, "A")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	_, err = h.store.GetGroup(ctx, id)
	assert.NoError(t, err)
}

func TestLeaveGroupErrors(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.create(t, "A", "Chess")

	assert.True(t, errs.Is(h.e.LeaveGroup(ctx, "", id), errs.KindUnauthenticated))
	assert.True(t, errs.Is(h.e.LeaveGroup(ctx, "B", " "), errs.KindInvalidArgument))
	assert.True(t, errs.Is(h.e.LeaveGroup(ctx, "B", id), errs.KindNotFound))
	assert.True(t, errs.Is(h.e.LeaveGroup(ctx, "B", "NOPE00"), errs.KindNotFound))
}

func TestSoleMemberLeaveDeletesGroup(t *testing.T) {
	h := setup(t)
	h.ids("SOLE01")
	ctx := context.Background()

	// a degraded create leaves the owner without a membership record
	h.store.FailNext("CreateMember", errors.New("connection reset"))
	id, err := h.e.CreateGroup(ctx, CreateGroupRequest{OwnerID: "A", Name: "Orphan"})
	require.True(t, errs.Is(err, errs.KindDegradedState))

	_, err = h.e.JoinGroup(ctx, "B", id)
	require.NoError(t, err)

	require.NoError(t, h.e.LeaveGroup(ctx, "B", id))
	_, err = h.store.GetGroup(ctx, id)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestUpdateMetadata(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.create(t, "A", "Chess")
	_, err := h.e.JoinGroup(ctx, "B", id)
	require.NoError(t, err)

	require.NoError(t, h.e.UpdateName(ctx, "A", id, "  Chess Club "))
	require.NoError(t, h.e.UpdateDescription(ctx, "A", id, ""))
	g, err := h.store.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Chess Club", g.Name)
	assert.Equal(t, "", g.Description)

	assert.True(t, errs.Is(h.e.UpdateName(ctx, "A", id, "   "), errs.KindInvalidArgument))
	assert.True(t, errs.Is(h.e.UpdateName(ctx, "B", id, "Mine"), errs.KindPermissionDenied))
	assert.True(t, errs.Is(h.e.UpdateDescription(ctx, "C", id, "x"), errs.KindPermissionDenied))
	assert.True(t, errs.Is(h.e.UpdateName(ctx, "A", "NOPE00", "x"), errs.KindNotFound))

	// the new owner can edit after a transfer
	require.NoError(t, h.e.TransferOwnership(ctx, "A", id, "B"))
	require.NoError(t, h.e.UpdateDescription(ctx, "B", id, "Tuesdays"))
	assert.True(t, errs.Is(h.e.UpdateName(ctx, "A", id, "Back"), errs.KindPermissionDenied))
}

func TestSetImage(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.create(t, "A", "Pics")

	url, err := h.e.SetImage(ctx, "A", id, testJPEG(t, 100, 100))
	require.NoError(t, err)
	g, err := h.store.GetGroup(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, g.ImageURL)
	assert.Equal(t, url, *g.ImageURL)

	// a different image yields a new version
	url2, err := h.e.SetImage(ctx, "A", id, testJPEG(t, 50, 80))
	require.NoError(t, err)
	assert.NotEqual(t, url, url2)

	_, err = h.e.SetImage(ctx, "B", id, testJPEG(t, 10, 10))
	assert.True(t, errs.Is(err, errs.KindPermissionDenied))
	_, err = h.e.SetImage(ctx, "A", id, nil)
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
}

type stalledFunctions struct{}

func (stalledFunctions) JoinGroup(ctx context.Context, _, _ string) (*services.JoinResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledFunctions) DeleteGroup(ctx context.Context, _, _ string) (*services.DeleteResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequestTimeout(t *testing.T) {
	h := setup(t)
	h.e.fns = stalledFunctions{}
	h.e.timeout = 50 * time.Millisecond

	_, err := h.e.JoinGroup(context.Background(), "B", "BC123")
	assert.True(t, errs.Is(err, errs.KindDeadlineExceeded))
	_, err = h.e.DeleteGroup(context.Background(), "A", "BC123")
	assert.True(t, errs.Is(err, errs.KindDeadlineExceeded))
}
