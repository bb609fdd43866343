package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/blob"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/repositories"
	"github.com/Gopher0727/Cicero/internal/services"
)

const (
	msgNameRequired      = "Group name cannot be empty."
	msgOwnerMustTransfer = "The owner must transfer ownership before leaving the group."
	msgNotMember         = "You are not a member of this group."
	msgNotOwner          = "Only the owner can transfer ownership."
	msgNewOwnerNotMember = "The new owner must be a member of the group."
	msgMembersOnly       = "Only members can view this group."
)

// CreateGroupRequest 创建群组参数，Image 为可选的原始图片
type CreateGroupRequest struct {
	OwnerID     string
	Name        string
	Description string
	Image       []byte
}

// CreateGroup 依次执行：生成 id、写群组、写 owner 成员记录、上传图片并回写 imageURL。
// 群组写入之后的任一步失败都返回 DegradedState 错误和已写入的群组 id，不做回滚。
func (e *Engine) CreateGroup(ctx context.Context, req CreateGroupRequest) (string, error) {
	if err := requireCaller(req.OwnerID); err != nil {
		return "", err
	}
	name, ok := models.NormalizeName(req.Name)
	if !ok {
		return "", errs.New(errs.KindInvalidArgument, msgNameRequired)
	}
	var image []byte
	if len(req.Image) > 0 {
		if e.blobs == nil {
			return "", errs.New(errs.KindInvalidArgument, "Group images are not supported.")
		}
		var err error
		if image, err = normalizeImage(req.Image); err != nil {
			return "", err
		}
	}

	g, err := e.writeGroup(ctx, req.OwnerID, name, models.NormalizeDescription(req.Description))
	if err != nil {
		return "", err
	}

	err = e.call(ctx, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
			return tx.CreateMember(ctx, &models.Member{
				GroupID:  g.ID,
				UserID:   g.OwnerID,
				Role:     models.RoleAdmin,
				JoinedAt: g.CreatedAt,
			})
		})
	})
	if err != nil {
		e.log.Error("group created without owner membership", zap.String("group_id", g.ID), zap.Error(err))
		return g.ID, errs.Degraded(g.ID, "failed to add the owner as a member", err)
	}

	if image != nil {
		if _, err := e.storeImage(ctx, g.ID, image); err != nil {
			e.log.Error("group created without image", zap.String("group_id", g.ID), zap.Error(err))
			return g.ID, errs.Degraded(g.ID, "failed to upload the group image", err)
		}
	}

	e.log.Info("group created", zap.String("group_id", g.ID), zap.String("uid", g.OwnerID))
	return g.ID, nil
}

// writeGroup 先查后写；id 冲突时换一个新 id 重试
func (e *Engine) writeGroup(ctx context.Context, ownerID, name, description string) (*models.Group, error) {
	var lastErr error
	for range maxIDAttempts {
		id, err := e.newID()
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "failed to generate group id", err)
		}
		g := &models.Group{
			ID:          id,
			Name:        name,
			Description: description,
			OwnerID:     ownerID,
			CreatedAt:   e.now(),
		}
		err = e.call(ctx, func(ctx context.Context) error {
			return e.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
				if _, err := tx.GetGroup(ctx, id); err == nil {
					return errs.Newf(errs.KindAlreadyExists, "group id %s is taken", id)
				} else if !errs.Is(err, errs.KindNotFound) {
					return err
				}
				return tx.CreateGroup(ctx, g)
			})
		})
		if err == nil {
			return g, nil
		}
		if !errs.Is(err, errs.KindAlreadyExists) {
			return nil, err
		}
		e.log.Debug("group id collision", zap.String("group_id", id))
		lastErr = err
	}
	return nil, errs.Wrap(errs.KindInternal, "could not allocate a group id", lastErr)
}

// normalizeImage 重新编码上传的图片；无法解析的数据视为参数错误
func normalizeImage(data []byte) ([]byte, error) {
	jpeg, err := blob.NormalizeJPEG(data, blob.MaxImageSide)
	if err == nil {
		return jpeg, nil
	}
	if errs.Is(err, errs.KindInvalidArgument) {
		return nil, err
	}
	return nil, errs.Wrap(errs.KindInvalidArgument, "The image could not be read.", err)
}

// storeImage 上传已重新编码的图片，然后把带版本号的 URL 写回群组
func (e *Engine) storeImage(ctx context.Context, groupID string, jpeg []byte) (string, error) {
	var url string
	err := e.call(ctx, func(ctx context.Context) error {
		obj, err := e.blobs.Put(ctx, blob.GroupImagePath(groupID), jpeg, blob.ContentTypeJPEG)
		if err != nil {
			return err
		}
		url = e.blobs.URL(obj)
		return e.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
			_, err := tx.UpdateGroup(ctx, groupID, models.GroupPatch{ImageURL: &url})
			return err
		})
	})
	return url, err
}

// JoinGroup 委托给 joinGroup 事务函数
func (e *Engine) JoinGroup(ctx context.Context, uid, groupID string) (*services.JoinResult, error) {
	var res *services.JoinResult
	err := e.call(ctx, func(ctx context.Context) (err error) {
		res, err = e.fns.JoinGroup(ctx, uid, strings.TrimSpace(groupID))
		return err
	})
	return res, err
}

// DeleteGroup 委托给 deleteGroup 事务函数
func (e *Engine) DeleteGroup(ctx context.Context, uid, groupID string) (*services.DeleteResult, error) {
	var res *services.DeleteResult
	err := e.call(ctx, func(ctx context.Context) (err error) {
		res, err = e.fns.DeleteGroup(ctx, uid, strings.TrimSpace(groupID))
		return err
	})
	return res, err
}

// LeaveGroup 删除调用者的成员记录。owner 必须先转让；调用者是唯一成员时等同于删除群组。
func (e *Engine) LeaveGroup(ctx context.Context, uid, groupID string) error {
	if err := requireCaller(uid); err != nil {
		return err
	}
	groupID = strings.TrimSpace(groupID)
	if err := requireGroupID(groupID); err != nil {
		return err
	}

	sole := false
	err := e.call(ctx, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
			g, err := tx.LockGroup(ctx, groupID)
			if err != nil {
				return err
			}
			if g.OwnerID == uid {
				return errs.New(errs.KindPermissionDenied, msgOwnerMustTransfer)
			}
			if _, err := tx.GetMember(ctx, groupID, uid); err != nil {
				if errs.Is(err, errs.KindNotFound) {
					return errs.New(errs.KindNotFound, msgNotMember)
				}
				return err
			}
			n, err := tx.CountMembers(ctx, groupID)
			if err != nil {
				return err
			}
			if n == 1 {
				sole = true
				return nil
			}
			return tx.DeleteMember(ctx, groupID, uid)
		})
	})
	if err != nil {
		return err
	}
	if sole {
		_, err = e.DeleteGroup(ctx, uid, groupID)
		return err
	}
	e.log.Info("member left", zap.String("group_id", groupID), zap.String("uid", uid))
	return nil
}

// TransferOwnership 在一个事务内更新 ownerId 并同步两条成员记录的角色
func (e *Engine) TransferOwnership(ctx context.Context, uid, groupID, newOwnerID string) error {
	if err := requireCaller(uid); err != nil {
		return err
	}
	groupID = strings.TrimSpace(groupID)
	if err := requireGroupID(groupID); err != nil {
		return err
	}
	if newOwnerID == "" {
		return errs.New(errs.KindInvalidArgument, "A new owner is required.")
	}

	return e.call(ctx, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
			g, err := tx.LockGroup(ctx, groupID)
			if err != nil {
				return err
			}
			if g.OwnerID != uid {
				return errs.New(errs.KindPermissionDenied, msgNotOwner)
			}
			if newOwnerID == uid {
				return nil
			}
			if _, err := tx.GetMember(ctx, groupID, newOwnerID); err != nil {
				if errs.Is(err, errs.KindNotFound) {
					return errs.New(errs.KindInvalidArgument, msgNewOwnerNotMember)
				}
				return err
			}
			if _, err := tx.UpdateGroup(ctx, groupID, models.GroupPatch{OwnerID: &newOwnerID}); err != nil {
				return err
			}
			if err := tx.UpdateMemberRole(ctx, groupID, newOwnerID, models.RoleAdmin); err != nil {
				return err
			}
			if _, err := tx.GetMember(ctx, groupID, uid); err == nil {
				return tx.UpdateMemberRole(ctx, groupID, uid, models.RoleMember)
			} else if !errs.Is(err, errs.KindNotFound) {
				return err
			}
			return nil
		})
	})
}

// UpdateName 去除首尾空白后不能为空
func (e *Engine) UpdateName(ctx context.Context, uid, groupID, name string) error {
	trimmed, ok := models.NormalizeName(name)
	if !ok {
		return errs.New(errs.KindInvalidArgument, msgNameRequired)
	}
	return e.patch(ctx, uid, groupID, models.GroupPatch{Name: &trimmed})
}

// UpdateDescription 描述可以为空
func (e *Engine) UpdateDescription(ctx context.Context, uid, groupID, description string) error {
	desc := models.NormalizeDescription(description)
	return e.patch(ctx, uid, groupID, models.GroupPatch{Description: &desc})
}

func (e *Engine) patch(ctx context.Context, uid, groupID string, p models.GroupPatch) error {
	if err := requireCaller(uid); err != nil {
		return err
	}
	groupID = strings.TrimSpace(groupID)
	if err := requireGroupID(groupID); err != nil {
		return err
	}
	return e.call(ctx, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
			g, err := tx.LockGroup(ctx, groupID)
			if err != nil {
				return err
			}
			if err := canEdit(ctx, tx, g, uid); err != nil {
				return err
			}
			_, err = tx.UpdateGroup(ctx, groupID, p)
			return err
		})
	})
}

// SetImage 替换群组图片，返回新的 imageURL
func (e *Engine) SetImage(ctx context.Context, uid, groupID string, data []byte) (string, error) {
	if err := requireCaller(uid); err != nil {
		return "", err
	}
	groupID = strings.TrimSpace(groupID)
	if err := requireGroupID(groupID); err != nil {
		return "", err
	}
	if e.blobs == nil {
		return "", errs.New(errs.KindInvalidArgument, "Group images are not supported.")
	}
	if len(data) == 0 {
		return "", errs.New(errs.KindInvalidArgument, "An image is required.")
	}
	jpeg, err := normalizeImage(data)
	if err != nil {
		return "", err
	}

	err = e.call(ctx, func(ctx context.Context) error {
		g, err := e.store.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		return e.store.RunInTransaction(ctx, func(tx repositories.Tx) error {
			return canEdit(ctx, tx, g, uid)
		})
	})
	if err != nil {
		return "", err
	}
	return e.storeImage(ctx, groupID, jpeg)
}
