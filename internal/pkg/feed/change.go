// Package feed carries committed document changes to live subscribers.
//
// Every committed write produces a Change. A Change is fanned out to the
// channels a reader may be watching: the per-user memberships channel (the
// collection-group view of group_members filtered by user), the per-group
// document channel and the per-group members channel.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gopher0727/Cicero/internal/models"
)

const channelPrefix = "cicero"

// Entity 变更所属的文档类型
type Entity string

const (
	EntityGroup  Entity = "group"
	EntityMember Entity = "member"
)

// Op 变更类型
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Change 一次已提交的文档变更
type Change struct {
	Entity  Entity         `json:"entity"`
	Op      Op             `json:"op"`
	GroupID string         `json:"groupId"`
	UserID  string         `json:"userId,omitempty"`
	Group   *models.Group  `json:"group,omitempty"`
	Member  *models.Member `json:"member,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher 发布已提交的变更
type Publisher interface {
	Publish(ctx context.Context, changes ...Change) error
}

// Key 用于消息分区，同一群组的变更保持顺序
func (c Change) Key() string {
	return c.GroupID
}

// Validate checks the envelope and any embedded document, which must belong to
// the group (and user) the envelope names.
func (c Change) Validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("change: missing group id")
	}
	switch c.Entity {
	case EntityGroup:
		if c.Member != nil {
			return fmt.Errorf("change: group change on %s carries a member", c.GroupID)
		}
	case EntityMember:
		if c.UserID == "" {
			return fmt.Errorf("change: member change on group %s missing user id", c.GroupID)
		}
		if c.Group != nil {
			return fmt.Errorf("change: member change on %s carries a group", c.GroupID)
		}
	default:
		return fmt.Errorf("change: unknown entity %q", c.Entity)
	}
	if c.Op != OpUpsert && c.Op != OpDelete {
		return fmt.Errorf("change: unknown op %q", c.Op)
	}

	if c.Group != nil {
		if err := c.Group.Validate(); err != nil {
			return fmt.Errorf("change: %w", err)
		}
		if c.Group.ID != c.GroupID {
			return fmt.Errorf("change: group %s does not match envelope %s", c.Group.ID, c.GroupID)
		}
	}
	if c.Member != nil {
		if err := c.Member.Validate(); err != nil {
			return fmt.Errorf("change: %w", err)
		}
		if c.Member.GroupID != c.GroupID || c.Member.UserID != c.UserID {
			return fmt.Errorf("change: member %s/%s does not match envelope %s/%s",
				c.Member.GroupID, c.Member.UserID, c.GroupID, c.UserID)
		}
	}
	return nil
}

// Channels 返回该变更需要推送到的频道
func (c Change) Channels() []string {
	switch c.Entity {
	case EntityGroup:
		return []string{GroupChannel(c.GroupID)}
	case EntityMember:
		return []string{UserMembershipsChannel(c.UserID), GroupMembersChannel(c.GroupID)}
	}
	return nil
}

func Encode(c Change) ([]byte, error) {
	return json.Marshal(c)
}

// wireChange 内嵌文档先保留原始字节，交给 models 的解码器校验
type wireChange struct {
	Entity  Entity          `json:"entity"`
	Op      Op              `json:"op"`
	GroupID string          `json:"groupId"`
	UserID  string          `json:"userId,omitempty"`
	Group   json.RawMessage `json:"group,omitempty"`
	Member  json.RawMessage `json:"member,omitempty"`
	At      time.Time       `json:"at"`
}

// Decode 解码并校验变更
func Decode(data []byte) (Change, error) {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return Change{}, fmt.Errorf("change: %w", err)
	}
	c := Change{Entity: w.Entity, Op: w.Op, GroupID: w.GroupID, UserID: w.UserID, At: w.At}
	if embedded(w.Group) {
		g, err := models.DecodeGroup(w.Group)
		if err != nil {
			return Change{}, fmt.Errorf("change: %w", err)
		}
		c.Group = g
	}
	if embedded(w.Member) {
		m, err := models.DecodeMember(w.Member)
		if err != nil {
			return Change{}, fmt.Errorf("change: %w", err)
		}
		c.Member = m
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

func embedded(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func UserMembershipsChannel(userID string) string {
	return fmt.Sprintf("%s:users:%s:memberships", channelPrefix, userID)
}

func GroupChannel(groupID string) string {
	return fmt.Sprintf("%s:groups:%s", channelPrefix, groupID)
}

func GroupMembersChannel(groupID string) string {
	return fmt.Sprintf("%s:groups:%s:members", channelPrefix, groupID)
}

// GroupUpserted / GroupDeleted / MemberUpserted / MemberDeleted 构造变更
func GroupUpserted(g *models.Group) Change {
	return Change{Entity: EntityGroup, Op: OpUpsert, GroupID: g.ID, Group: g, At: time.Now()}
}

func GroupDeleted(groupID string) Change {
	return Change{Entity: EntityGroup, Op: OpDelete, GroupID: groupID, At: time.Now()}
}

func MemberUpserted(m *models.Member) Change {
	return Change{Entity: EntityMember, Op: OpUpsert, GroupID: m.GroupID, UserID: m.UserID, Member: m, At: time.Now()}
}

func MemberDeleted(groupID, userID string) Change {
	return Change{Entity: EntityMember, Op: OpDelete, GroupID: groupID, UserID: userID, At: time.Now()}
}
