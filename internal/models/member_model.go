package models

import "time"

// Role 成员角色
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// RoleFor 由 ownerId 推导角色：owner 即 admin
func RoleFor(userID, ownerID string) Role {
	if userID == ownerID {
		return RoleAdmin
	}
	return RoleMember
}

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Member 成员记录 groups/{groupId}/members/{userId}，(group_id, user_id) 唯一
type Member struct {
	GroupID  string    `gorm:"primaryKey;size:32" json:"groupId"`
	UserID   string    `gorm:"primaryKey;size:64;index" json:"userId"`
	Role     Role      `gorm:"type:varchar(16);not null;default:'member'" json:"role"`
	JoinedAt time.Time `gorm:"not null" json:"joinedAt"`
}

func (Member) TableName() string {
	return "group_members"
}

func (m *Member) Validate() error {
	doc := "groups/" + m.GroupID + "/members/" + m.UserID
	switch {
	case m.GroupID == "":
		return &DecodeError{Doc: doc, Field: "groupId"}
	case m.UserID == "":
		return &DecodeError{Doc: doc, Field: "userId"}
	case !m.Role.Valid():
		return &DecodeError{Doc: doc, Field: "role"}
	}
	return nil
}
