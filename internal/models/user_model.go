package models

import (
	"time"
)

// User 用户资料投影 users/{id}，注册时写入一次
type User struct {
	ID string `gorm:"primaryKey;size:64" json:"id"`

	Name            string  `gorm:"not null" json:"name"`
	Email           string  `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash    string  `gorm:"not null" json:"-"`
	ProfileImageURL *string `json:"profileImageURL,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func (User) TableName() string {
	return "users"
}
