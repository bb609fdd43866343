package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/internal/models"
	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/repositories"
	"github.com/Gopher0727/Cicero/internal/utils"
	jwtpkg "github.com/Gopher0727/Cicero/middleware/jwt"
)

// AuthService 身份提供方：注册、登录、会话校验
type AuthService struct {
	store  repositories.Store
	tokens *jwtpkg.TokenManager
	log    *zap.Logger
}

// NewAuthService 创建认证服务实例
func NewAuthService(store repositories.Store, tokens *jwtpkg.TokenManager, log *zap.Logger) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{store: store, tokens: tokens, log: log.Named("auth")}
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginRequest 登录请求
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse 认证响应
type AuthResponse struct {
	Session *jwtpkg.Session `json:"session"`
	User    *models.User    `json:"user"`
}

// Register 注册并写入一次 users/{uid}
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	email := utils.NormalizeEmail(req.Email)
	name := strings.TrimSpace(req.Name)

	if !utils.ValidateEmail(email) {
		return nil, errs.New(errs.KindInvalidArgument, "invalid email").WithReason(errs.ReasonInvalidEmail)
	}
	if !utils.ValidatePassword(req.Password) {
		return nil, errs.New(errs.KindInvalidArgument, "weak password").WithReason(errs.ReasonWeakPassword)
	}
	if name == "" {
		return nil, errs.New(errs.KindInvalidArgument, "Name cannot be empty.")
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to hash password", err)
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errs.Is(err, errs.KindAlreadyExists) {
			return nil, errs.New(errs.KindAlreadyExists, "email in use").WithReason(errs.ReasonEmailAlreadyInUse)
		}
		return nil, err
	}

	session, err := s.tokens.Issue(user.ID, user.Name, user.Email)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to issue session", err)
	}
	s.log.Info("user registered", zap.String("uid", user.ID))
	return &AuthResponse{Session: session, User: user}, nil
}

// Login 邮箱密码登录
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	email := utils.NormalizeEmail(req.Email)
	if !utils.ValidateEmail(email) {
		return nil, errs.New(errs.KindInvalidArgument, "invalid email").WithReason(errs.ReasonInvalidEmail)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, errs.New(errs.KindNotFound, "user not found").WithReason(errs.ReasonUserNotFound)
		}
		return nil, err
	}
	if !utils.CheckPassword(user.PasswordHash, req.Password) {
		return nil, errs.New(errs.KindUnauthenticated, "wrong password").WithReason(errs.ReasonWrongPassword)
	}

	session, err := s.tokens.Issue(user.ID, user.Name, user.Email)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to issue session", err)
	}
	return &AuthResponse{Session: session, User: user}, nil
}

// Refresh 换发会话令牌
func (s *AuthService) Refresh(token string) (*jwtpkg.Session, error) {
	session, err := s.tokens.Refresh(token)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnauthenticated, "session cannot be refreshed", err)
	}
	return session, nil
}

// Authenticate 校验令牌并返回 uid
func (s *AuthService) Authenticate(token string) (string, error) {
	if token == "" {
		return "", errs.New(errs.KindUnauthenticated, "missing session token")
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		msg := "invalid session token"
		if errors.Is(err, jwtpkg.ErrExpiredToken) {
			msg = "session expired"
		}
		return "", errs.Wrap(errs.KindUnauthenticated, msg, err)
	}
	return claims.UID(), nil
}
