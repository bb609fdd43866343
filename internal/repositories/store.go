package repositories

import (
	"context"

	"github.com/Gopher0727/Cicero/internal/models"
)

// MaxInValues 等值列表查询 (IN) 单次允许的最大取值个数
const MaxInValues = 30

// GroupReader 群组与成员的读操作
type GroupReader interface {
	// GetGroup 群组不存在时返回 NotFound
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	// GetMember 成员记录不存在时返回 NotFound
	GetMember(ctx context.Context, groupID, userID string) (*models.Member, error)
	// ListMembers 按加入时间升序返回群组全部成员
	ListMembers(ctx context.Context, groupID string) ([]models.Member, error)
	CountMembers(ctx context.Context, groupID string) (int64, error)
}

// Tx 事务内的读写操作。写入在事务提交后才会推送到变更订阅。
type Tx interface {
	GroupReader

	// LockGroup 读取群组并在事务结束前持有行锁，同一群组上的事务由此串行化
	LockGroup(ctx context.Context, id string) (*models.Group, error)
	// CreateGroup id 已存在时返回 AlreadyExists
	CreateGroup(ctx context.Context, g *models.Group) error
	// UpdateGroup 字段级更新，返回更新后的群组
	UpdateGroup(ctx context.Context, id string, patch models.GroupPatch) (*models.Group, error)
	DeleteGroup(ctx context.Context, id string) error

	// CreateMember (group_id, user_id) 已存在时返回 AlreadyExists
	CreateMember(ctx context.Context, m *models.Member) error
	UpdateMemberRole(ctx context.Context, groupID, userID string, role models.Role) error
	DeleteMember(ctx context.Context, groupID, userID string) error
	// DeleteMembers 删除群组下全部成员记录，返回删除条数
	DeleteMembers(ctx context.Context, groupID string) (int64, error)
}

// Store 文档存储契约
type Store interface {
	GroupReader

	// MembershipsOf 跨群组查询某用户的全部成员记录
	MembershipsOf(ctx context.Context, userID string) ([]models.Member, error)

	// RunInTransaction 执行 fn；fn 返回错误时全部写入回滚
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// FindUsers 等值列表查询，超过 MaxInValues 个 id 时返回 InvalidArgument；
	// 没有对应文档的 id 被忽略
	FindUsers(ctx context.Context, ids []string) ([]models.User, error)
}
