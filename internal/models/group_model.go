package models

import (
	"time"
)

// Group 群组文档 groups/{id}
type Group struct {
	ID string `gorm:"primaryKey;size:32" json:"id"`

	Name        string  `gorm:"not null" json:"name"`
	Description string  `gorm:"not null;default:''" json:"description"`
	OwnerID     string  `gorm:"not null;index;size:64" json:"ownerId"`
	ImageURL    *string `json:"imageURL,omitempty"`
	OriginalID  *string `gorm:"size:64" json:"originalId,omitempty"` // 旧版本遗留字段，只读透传

	CreatedAt time.Time `gorm:"autoCreateTime:false;not null" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Group) TableName() string {
	return "groups"
}

// Validate 严格校验关键字段，缺失时拒绝而不是填默认值
func (g *Group) Validate() error {
	switch {
	case g.ID == "":
		return &DecodeError{Doc: "groups/?", Field: "id"}
	case g.OwnerID == "":
		return &DecodeError{Doc: "groups/" + g.ID, Field: "ownerId"}
	case g.Name == "":
		return &DecodeError{Doc: "groups/" + g.ID, Field: "name"}
	case g.CreatedAt.IsZero():
		return &DecodeError{Doc: "groups/" + g.ID, Field: "createdAt"}
	}
	return nil
}

// GroupPatch 字段级更新，nil 表示不修改
type GroupPatch struct {
	Name        *string
	Description *string
	OwnerID     *string
	ImageURL    *string
}

// Columns 转换为列更新集合
func (p GroupPatch) Columns() map[string]any {
	cols := make(map[string]any, 4)
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.Description != nil {
		cols["description"] = *p.Description
	}
	if p.OwnerID != nil {
		cols["owner_id"] = *p.OwnerID
	}
	if p.ImageURL != nil {
		cols["image_url"] = *p.ImageURL
	}
	return cols
}

// Apply 将补丁应用到内存中的群组
func (p GroupPatch) Apply(g *Group) {
	if p.Name != nil {
		g.Name = *p.Name
	}
	if p.Description != nil {
		g.Description = *p.Description
	}
	if p.OwnerID != nil {
		g.OwnerID = *p.OwnerID
	}
	if p.ImageURL != nil {
		url := *p.ImageURL
		g.ImageURL = &url
	}
}

func (p GroupPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.OwnerID == nil && p.ImageURL == nil
}
