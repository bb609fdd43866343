package repositories

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
)

// GormStore PostgreSQL 文档存储，事务提交后推送变更
type GormStore struct {
	db  *gorm.DB
	pub feed.Publisher
	log *zap.Logger
}

// NewGormStore pub 可为 nil，此时不推送变更
func NewGormStore(db *gorm.DB, pub feed.Publisher, log *zap.Logger) *GormStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &GormStore{db: db, pub: pub, log: log}
}

// translate 将 gorm 错误归类到错误体系
func translate(err error, what string) error {
	var e *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errs.Newf(errs.KindNotFound, "%s does not exist", what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errs.Wrap(errs.KindAlreadyExists, what+" already exists", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindDeadlineExceeded, "database call timed out", err)
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.KindUnavailable, "database call canceled", err)
	default:
		return errs.Wrap(errs.KindInternal, "database error", err)
	}
}

func groupDoc(id string) string {
	return "group " + id
}

func memberDoc(groupID, userID string) string {
	return fmt.Sprintf("membership %s/%s", groupID, userID)
}

// RunInTransaction 开启事务执行 fn，提交成功后推送 fn 内产生的变更
func (s *GormStore) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx := &gormTx{}
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx.db = db
		return fn(tx)
	})
	if err != nil {
		return translate(err, "document")
	}
	s.publish(ctx, tx.changes)
	return nil
}

// publish 写入已提交，推送失败只记录日志
func (s *GormStore) publish(ctx context.Context, changes []feed.Change) {
	if s.pub == nil || len(changes) == 0 {
		return
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), changes...); err != nil {
		s.log.Warn("failed to publish committed changes", zap.Int("changes", len(changes)), zap.Error(err))
	}
}

func (s *GormStore) reader(ctx context.Context) *gormTx {
	return &gormTx{db: s.db.WithContext(ctx)}
}

func (s *GormStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	return s.reader(ctx).GetGroup(ctx, id)
}

func (s *GormStore) GetMember(ctx context.Context, groupID, userID string) (*models.Member, error) {
	return s.reader(ctx).GetMember(ctx, groupID, userID)
}

func (s *GormStore) ListMembers(ctx context.Context, groupID string) ([]models.Member, error) {
	return s.reader(ctx).ListMembers(ctx, groupID)
}

func (s *GormStore) CountMembers(ctx context.Context, groupID string) (int64, error) {
	return s.reader(ctx).CountMembers(ctx, groupID)
}

// MembershipsOf 跨群组查询某用户的成员记录
// 实现逻辑：group_members.user_id 上有索引，相当于对所有 members 子集合的集合组查询
func (s *GormStore) MembershipsOf(ctx context.Context, userID string) ([]models.Member, error) {
	var members []models.Member
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("joined_at ASC, group_id ASC").
		Find(&members).Error
	if err != nil {
		return nil, translate(err, "memberships")
	}
	return members, nil
}

// CreateUser 邮箱唯一，重复时返回 AlreadyExists
func (s *GormStore) CreateUser(ctx context.Context, u *models.User) error {
	return translate(s.db.WithContext(ctx).Create(u).Error, "user")
}

func (s *GormStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&u).Error; err != nil {
		return nil, translate(err, "user "+id)
	}
	return &u, nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).Take(&u).Error; err != nil {
		return nil, translate(err, "user")
	}
	return &u, nil
}

// FindUsers 等值列表查询
// 实现逻辑：单条 IN 查询，调用方负责按 MaxInValues 分批
func (s *GormStore) FindUsers(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) > MaxInValues {
		return nil, errs.Newf(errs.KindInvalidArgument, "at most %d ids per query, got %d", MaxInValues, len(ids))
	}
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, translate(err, "users")
	}
	return users, nil
}

// gormTx 事务句柄，记录本事务产生的变更
type gormTx struct {
	db      *gorm.DB
	changes []feed.Change
}

func (t *gormTx) record(c feed.Change) {
	t.changes = append(t.changes, c)
}

func (t *gormTx) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	if err := t.db.WithContext(ctx).Where("id = ?", id).Take(&g).Error; err != nil {
		return nil, translate(err, groupDoc(id))
	}
	return &g, nil
}

// LockGroup 实现逻辑：SELECT ... FOR UPDATE，持锁到事务结束
func (t *gormTx) LockGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&g).Error
	if err != nil {
		return nil, translate(err, groupDoc(id))
	}
	return &g, nil
}

func (t *gormTx) CreateGroup(ctx context.Context, g *models.Group) error {
	if err := g.Validate(); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "invalid group", err)
	}
	if err := t.db.WithContext(ctx).Create(g).Error; err != nil {
		return translate(err, groupDoc(g.ID))
	}
	snapshot := *g
	t.record(feed.GroupUpserted(&snapshot))
	return nil
}

// UpdateGroup 实现逻辑：按列更新后回读，保证推送的是提交时的完整文档
func (t *gormTx) UpdateGroup(ctx context.Context, id string, patch models.GroupPatch) (*models.Group, error) {
	if patch.IsEmpty() {
		return t.GetGroup(ctx, id)
	}
	res := t.db.WithContext(ctx).Model(&models.Group{}).Where("id = ?", id).Updates(patch.Columns())
	if res.Error != nil {
		return nil, translate(res.Error, groupDoc(id))
	}
	if res.RowsAffected == 0 {
		return nil, errs.Newf(errs.KindNotFound, "%s does not exist", groupDoc(id))
	}
	g, err := t.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot := *g
	t.record(feed.GroupUpserted(&snapshot))
	return g, nil
}

func (t *gormTx) DeleteGroup(ctx context.Context, id string) error {
	res := t.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Group{})
	if res.Error != nil {
		return translate(res.Error, groupDoc(id))
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "%s does not exist", groupDoc(id))
	}
	t.record(feed.GroupDeleted(id))
	return nil
}

func (t *gormTx) GetMember(ctx context.Context, groupID, userID string) (*models.Member, error) {
	var m models.Member
	err := t.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Take(&m).Error
	if err != nil {
		return nil, translate(err, memberDoc(groupID, userID))
	}
	return &m, nil
}

func (t *gormTx) ListMembers(ctx context.Context, groupID string) ([]models.Member, error) {
	var members []models.Member
	err := t.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at ASC, user_id ASC").
		Find(&members).Error
	if err != nil {
		return nil, translate(err, "members of "+groupDoc(groupID))
	}
	return members, nil
}

func (t *gormTx) CountMembers(ctx context.Context, groupID string) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&models.Member{}).Where("group_id = ?", groupID).Count(&n).Error
	if err != nil {
		return 0, translate(err, "members of "+groupDoc(groupID))
	}
	return n, nil
}

// CreateMember 实现逻辑：联合主键 (group_id, user_id) 冲突即 AlreadyExists
func (t *gormTx) CreateMember(ctx context.Context, m *models.Member) error {
	if err := m.Validate(); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "invalid membership", err)
	}
	if err := t.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate(err, memberDoc(m.GroupID, m.UserID))
	}
	snapshot := *m
	t.record(feed.MemberUpserted(&snapshot))
	return nil
}

func (t *gormTx) UpdateMemberRole(ctx context.Context, groupID, userID string, role models.Role) error {
	if !role.Valid() {
		return errs.Newf(errs.KindInvalidArgument, "invalid role %q", role)
	}
	res := t.db.WithContext(ctx).Model(&models.Member{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Update("role", role)
	if res.Error != nil {
		return translate(res.Error, memberDoc(groupID, userID))
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "%s does not exist", memberDoc(groupID, userID))
	}
	m, err := t.GetMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	t.record(feed.MemberUpserted(m))
	return nil
}

func (t *gormTx) DeleteMember(ctx context.Context, groupID, userID string) error {
	res := t.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&models.Member{})
	if res.Error != nil {
		return translate(res.Error, memberDoc(groupID, userID))
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "%s does not exist", memberDoc(groupID, userID))
	}
	t.record(feed.MemberDeleted(groupID, userID))
	return nil
}

// DeleteMembers 实现逻辑：先取出成员 id 以便逐个推送，再整体删除
func (t *gormTx) DeleteMembers(ctx context.Context, groupID string) (int64, error) {
	var userIDs []string
	err := t.db.WithContext(ctx).Model(&models.Member{}).
		Where("group_id = ?", groupID).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return 0, translate(err, "members of "+groupDoc(groupID))
	}
	if len(userIDs) == 0 {
		return 0, nil
	}
	res := t.db.WithContext(ctx).Where("group_id = ?", groupID).Delete(&models.Member{})
	if res.Error != nil {
		return 0, translate(res.Error, "members of "+groupDoc(groupID))
	}
	for _, uid := range userIDs {
		t.record(feed.MemberDeleted(groupID, uid))
	}
	return res.RowsAffected, nil
}
