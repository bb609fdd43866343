package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/blob"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/metrics"
	"github.com/Gopher0727/Cicero/internal/repositories"
)

const (
	FunctionJoinGroup   = "joinGroup"
	FunctionDeleteGroup = "deleteGroup"
)

const (
	msgJoinUnauthenticated   = "User must be authenticated to join a group."
	msgDeleteUnauthenticated = "User must be authenticated to delete a group."
	msgGroupIDRequired       = "The function must be called with a groupId."
	msgGroupNotFound         = "Group does not exist."
	msgAlreadyMember         = "User is already a member of this group."
	msgDeleteForbidden       = "Only the owner or the last remaining member can delete this group."
	msgJoined                = "Successfully joined the group."
	msgDeleted               = "Group deleted successfully."
	msgJoinInternal          = "An unexpected error occurred."
	msgDeleteInternal        = "Failed to delete group."
)

// JoinResult joinGroup 返回值
type JoinResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeleteResult deleteGroup 返回值
type DeleteResult struct {
	Message string `json:"message"`
}

// Functions 事务函数调用面；callerID 由传输层从已验证的会话中取得，空串表示未认证
type Functions interface {
	JoinGroup(ctx context.Context, callerID, groupID string) (*JoinResult, error)
	DeleteGroup(ctx context.Context, callerID, groupID string) (*DeleteResult, error)
}

// FunctionsService 以服务端信任级别执行 joinGroup / deleteGroup。
// 每次调用在一个事务内完成，群组行锁使同一群组上的调用串行执行。
type FunctionsService struct {
	store repositories.Store
	blobs blob.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewFunctionsService(store repositories.Store, blobs blob.Store, log *zap.Logger) *FunctionsService {
	if log == nil {
		log = zap.NewNop()
	}
	return &FunctionsService{
		store: store,
		blobs: blobs,
		log:   log.Named("functions"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// JoinGroup 为调用者创建成员记录，调用者为 owner 时角色为 admin
func (s *FunctionsService) JoinGroup(ctx context.Context, callerID, groupID string) (res *JoinResult, err error) {
	defer func() { s.observe(FunctionJoinGroup, err) }()

	if callerID == "" {
		return nil, errs.New(errs.KindUnauthenticated, msgJoinUnauthenticated)
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, errs.New(errs.KindInvalidArgument, msgGroupIDRequired)
	}

	err = s.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
		g, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				return errs.New(errs.KindNotFound, msgGroupNotFound)
			}
			return err
		}

		if _, err := tx.GetMember(ctx, groupID, callerID); err == nil {
			return errs.New(errs.KindAlreadyExists, msgAlreadyMember)
		} else if !errs.Is(err, errs.KindNotFound) {
			return err
		}

		member := &models.Member{
			GroupID:  groupID,
			UserID:   callerID,
			Role:     models.RoleFor(callerID, g.OwnerID),
			JoinedAt: s.now(),
		}
		if err := tx.CreateMember(ctx, member); err != nil {
			if errs.Is(err, errs.KindAlreadyExists) {
				return errs.New(errs.KindAlreadyExists, msgAlreadyMember)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, s.sanitize(FunctionJoinGroup, err, msgJoinInternal,
			errs.KindNotFound, errs.KindAlreadyExists)
	}

	s.log.Info("member joined", zap.String("group_id", groupID), zap.String("uid", callerID))
	return &JoinResult{Success: true, Message: msgJoined}, nil
}

// DeleteGroup 在一个事务内先删全部成员记录，再删除群组文档；群组文档的消失是对外
// 可见的提交点。图片在事务提交之后尽力删除，事务失败时图片保持不变。
func (s *FunctionsService) DeleteGroup(ctx context.Context, callerID, groupID string) (res *DeleteResult, err error) {
	defer func() { s.observe(FunctionDeleteGroup, err) }()

	if callerID == "" {
		return nil, errs.New(errs.KindUnauthenticated, msgDeleteUnauthenticated)
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, errs.New(errs.KindInvalidArgument, msgGroupIDRequired)
	}

	var removed int64
	hasImage := false
	err = s.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
		g, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				return errs.New(errs.KindNotFound, msgGroupNotFound)
			}
			return err
		}
		if err := s.authorizeDelete(ctx, tx, g, callerID); err != nil {
			return err
		}

		if removed, err = tx.DeleteMembers(ctx, groupID); err != nil {
			return err
		}
		hasImage = g.ImageURL != nil
		return tx.DeleteGroup(ctx, groupID)
	})
	if err != nil {
		return nil, s.sanitize(FunctionDeleteGroup, err, msgDeleteInternal,
			errs.KindNotFound, errs.KindPermissionDenied)
	}
	if hasImage {
		s.deleteImage(ctx, groupID)
	}

	s.log.Info("group deleted",
		zap.String("group_id", groupID),
		zap.String("uid", callerID),
		zap.Int64("members_removed", removed))
	return &DeleteResult{Message: msgDeleted}, nil
}

// authorizeDelete owner 可以删除；非 owner 只有在自己是唯一成员时可以删除
func (s *FunctionsService) authorizeDelete(ctx context.Context, tx repositories.Tx, g *models.Group, callerID string) error {
	if g.OwnerID == callerID {
		return nil
	}
	if _, err := tx.GetMember(ctx, g.ID, callerID); err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return errs.New(errs.KindPermissionDenied, msgDeleteForbidden)
		}
		return err
	}
	n, err := tx.CountMembers(ctx, g.ID)
	if err != nil {
		return err
	}
	if n != 1 {
		return errs.New(errs.KindPermissionDenied, msgDeleteForbidden)
	}
	return nil
}

// deleteImage 图片删除失败不影响群组删除
func (s *FunctionsService) deleteImage(ctx context.Context, groupID string) {
	if s.blobs == nil {
		return
	}
	path := blob.GroupImagePath(groupID)
	if err := s.blobs.Delete(ctx, path); err != nil && !errs.Is(err, errs.KindNotFound) {
		s.log.Warn("failed to delete group image", zap.String("path", path), zap.Error(err))
	}
}

// sanitize 只放行预期的错误类型，其余记录日志后统一转为 Internal，不向调用方泄露后端细节
func (s *FunctionsService) sanitize(fn string, err error, internalMsg string, allowed ...errs.Kind) error {
	kind := errs.KindOf(err)
	for _, k := range allowed {
		if k == kind {
			return err
		}
	}
	s.log.Error("function failed", zap.String("function", fn), zap.Error(err))
	return errs.New(errs.KindInternal, internalMsg)
}

func (s *FunctionsService) observe(fn string, err error) {
	code := "ok"
	if err != nil {
		code = errs.KindOf(err).Code()
	}
	metrics.FunctionCalls.WithLabelValues(fn, code).Inc()
}
