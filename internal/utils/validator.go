package utils

import (
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength 低于该长度视为弱密码
const MinPasswordLength = 6

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// HashPassword 使用 bcrypt 对密码进行哈希
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckPassword 验证密码
func CheckPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// ValidateEmail 验证邮箱格式
func ValidateEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidatePassword 验证密码强度
func ValidatePassword(password string) bool {
	return len(password) >= MinPasswordLength
}

// NormalizeEmail 邮箱比较前统一小写并去除空白
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
