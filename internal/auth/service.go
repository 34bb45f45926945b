// Package auth はアカウント登録・ログイン・セッション検証と、
// プロバイダー連携の入口となる認証ゲートウェイを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efwoods/aar/internal/metrics"
	"github.com/efwoods/aar/internal/model"
	"github.com/efwoods/aar/internal/provider"
	"github.com/efwoods/aar/internal/repository"
	"github.com/efwoods/aar/internal/security"
	"github.com/efwoods/aar/internal/session"
)

// maxEmailLength はメールアドレスの最大長。
const maxEmailLength = 254

// TokenIssuer はセッショントークンの発行と検証を行う。
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
	Validate(token string) (string, error)
}

// ConnectionManager はプロバイダー連携を管理する。
type ConnectionManager interface {
	Resolve(name string) (model.ProviderID, error)
	Connect(ctx context.Context, userID string, id model.ProviderID, m provider.Material) (*provider.Result, error)
	CompleteCallback(ctx context.Context, id model.ProviderID, code, state string) (*provider.Result, error)
	ListConnections(ctx context.Context, userID string) ([]*model.ProviderConnection, error)
	Disconnect(ctx context.Context, userID string, id model.ProviderID) error
}

// Token はログイン時に発行するセッショントークン。
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Service は認証に関するビジネスロジックを提供する。
// 返すエラーは*model.APIErrorに変換済み。
type Service struct {
	userRepo    repository.UserRepository
	hasher      *security.PasswordHasher
	issuer      TokenIssuer
	connections ConnectionManager
	metrics     metrics.MetricsCollector
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	hasher *security.PasswordHasher,
	issuer TokenIssuer,
	connections ConnectionManager,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		userRepo:    userRepo,
		hasher:      hasher,
		issuer:      issuer,
		connections: connections,
		metrics:     collector,
		now:         time.Now,
	}
}

// Register はアカウントを作成する。
// メールアドレスは大文字小文字を区別せずに一意で、重複時はDUPLICATE_ACCOUNTを返す。
func (s *Service) Register(ctx context.Context, email, password string) (*model.User, error) {
	normalized, err := validateEmail(email)
	if err != nil {
		s.metrics.RecordRegistration(metrics.ResultInvalid)
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		s.metrics.RecordRegistration(metrics.ResultInvalid)
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, s.internal("failed to hash password", err)
	}

	now := s.now().UTC()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        normalized,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			s.metrics.RecordRegistration(metrics.ResultFailure)
			return nil, model.NewDuplicateAccountError()
		}
		return nil, s.internal("failed to create user", err)
	}

	s.metrics.RecordRegistration(metrics.ResultSuccess)
	slog.Info("user registered", slog.String("user_id", user.ID))
	return user, nil
}

// Login はメールアドレスとパスワードを検証してセッショントークンを発行する。
// ユーザーが存在しない場合もパスワード不一致の場合も同じエラーを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*Token, error) {
	user, err := s.userRepo.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, s.internal("failed to find user", err)
	}
	if user == nil {
		s.hasher.CompareDummy(password)
		s.metrics.RecordLogin(metrics.ResultFailure)
		return nil, model.NewInvalidCredentialsError()
	}
	if !s.hasher.Compare(user.PasswordHash, password) {
		s.metrics.RecordLogin(metrics.ResultFailure)
		return nil, model.NewInvalidCredentialsError()
	}

	token, expiresAt, err := s.issuer.Issue(user.ID)
	if err != nil {
		return nil, s.internal("failed to issue session token", err)
	}

	s.metrics.RecordLogin(metrics.ResultSuccess)
	slog.Info("user logged in", slog.String("user_id", user.ID))
	return &Token{AccessToken: token, ExpiresAt: expiresAt}, nil
}

// Authenticate はセッショントークンを検証してユーザーIDを返す。
// ストアは参照しない。
func (s *Service) Authenticate(_ context.Context, token string) (string, error) {
	userID, err := s.issuer.Validate(token)
	switch {
	case err == nil:
		s.metrics.RecordTokenValidation(metrics.ResultSuccess)
		return userID, nil
	case errors.Is(err, session.ErrExpiredToken):
		s.metrics.RecordTokenValidation(metrics.ResultExpired)
		return "", model.NewExpiredTokenError()
	default:
		s.metrics.RecordTokenValidation(metrics.ResultInvalid)
		return "", model.NewInvalidTokenError()
	}
}

// Connect はセッショントークンを検証し、プロバイダーとの連携を進める。
// OAuthプロバイダーで認可コードがない場合はフローを開始し、RedirectURLを返す。
func (s *Service) Connect(ctx context.Context, providerName, token string, m provider.Material) (*provider.Result, error) {
	userID, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.ConnectAs(ctx, userID, providerName, m)
}

// ConnectAs は認証済みユーザーとしてプロバイダーとの連携を進める。
func (s *Service) ConnectAs(ctx context.Context, userID, providerName string, m provider.Material) (*provider.Result, error) {
	id, err := s.connections.Resolve(providerName)
	if err != nil {
		return nil, model.NewUnknownProviderError(providerName)
	}
	res, err := s.connections.Connect(ctx, userID, id, m)
	if err != nil {
		return nil, s.providerError(id, err)
	}
	return res, nil
}

// Callback はOAuthプロバイダーからのリダイレクトを処理する。
// ユーザーはstateから特定する。
func (s *Service) Callback(ctx context.Context, providerName, code, state string) (*provider.Result, error) {
	id, err := s.connections.Resolve(providerName)
	if err != nil {
		return nil, model.NewUnknownProviderError(providerName)
	}
	if strings.TrimSpace(code) == "" {
		return nil, model.NewInvalidInputError("認可コードがありません")
	}
	res, err := s.connections.CompleteCallback(ctx, id, code, state)
	if err != nil {
		return nil, s.providerError(id, err)
	}
	return res, nil
}

// CurrentUser はユーザー情報を返す。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, s.internal("failed to find user", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// ChangePassword は現在のパスワードを確認してから新しいパスワードに差し替える。
// 発行済みのセッショントークンは有効期限まで有効なまま。
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.CurrentUser(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Compare(user.PasswordHash, current) {
		return model.NewInvalidCredentialsError()
	}
	if err := validatePassword(next); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return s.internal("failed to hash password", err)
	}
	if err := s.userRepo.UpdatePasswordHash(ctx, userID, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return s.internal("failed to update password", err)
	}

	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// Connections はユーザーの全プロバイダーの連携状態を返す。
func (s *Service) Connections(ctx context.Context, userID string) ([]*model.ProviderConnection, error) {
	conns, err := s.connections.ListConnections(ctx, userID)
	if err != nil {
		return nil, s.internal("failed to list connections", err)
	}
	return conns, nil
}

// Disconnect はプロバイダーとの連携を解除する。
func (s *Service) Disconnect(ctx context.Context, userID, providerName string) error {
	id, err := s.connections.Resolve(providerName)
	if err != nil {
		return model.NewUnknownProviderError(providerName)
	}
	if err := s.connections.Disconnect(ctx, userID, id); err != nil {
		return s.providerError(id, err)
	}
	return nil
}

// providerError はプロバイダー連携のエラーをAPIErrorに変換する。
func (s *Service) providerError(id model.ProviderID, err error) error {
	var xe *provider.ExchangeError
	switch {
	case errors.As(err, &xe):
		return model.NewProviderExchangeError(id, xe.Reason)
	case errors.Is(err, provider.ErrUnknownProvider):
		return model.NewUnknownProviderError(string(id))
	case errors.Is(err, provider.ErrEmptyCredential):
		return model.NewInvalidInputError("資格情報が空です")
	case errors.Is(err, provider.ErrUnsupportedFlow):
		return model.NewInvalidInputError(fmt.Sprintf("%s はこの連携方法に対応していません", id))
	case errors.Is(err, provider.ErrNotPending):
		return model.NewInvalidInputError("認可待ちの連携がありません。連携をやり直してください")
	case errors.Is(err, provider.ErrStateMismatch), errors.Is(err, provider.ErrInvalidState):
		return model.NewInvalidInputError("stateが一致しません。連携をやり直してください")
	case errors.Is(err, provider.ErrNotConfigured):
		slog.Error("oauth client is not configured", slog.String("provider", string(id)))
		return model.NewProviderExchangeError(id, "OAuthクライアントが設定されていません")
	case errors.Is(err, provider.ErrNotConnected):
		return model.NewConnectionNotFoundError(id)
	default:
		return s.internal("provider connection failed", err)
	}
}

// internal は予期しないエラーをログに記録し、詳細を含まないAPIErrorを返す。
func (s *Service) internal(msg string, err error) error {
	slog.Error(msg, slog.String("error", err.Error()))
	return model.NewInternalError()
}

// validateEmail はメールアドレスを検証し、正規化した値を返す。
// 表示名付きの形式（"Name <a@b>"）は受け付けない。
func validateEmail(email string) (string, error) {
	normalized := model.NormalizeEmail(email)
	if normalized == "" {
		return "", model.NewInvalidInputError("メールアドレスは必須です")
	}
	if len(normalized) > maxEmailLength {
		return "", model.NewInvalidInputError("メールアドレスが長すぎます")
	}
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized || addr.Name != "" {
		return "", model.NewInvalidInputError("メールアドレスの形式が正しくありません")
	}
	return normalized, nil
}

func validatePassword(password string) error {
	if password == "" {
		return model.NewInvalidInputError("パスワードは必須です")
	}
	if len(password) > security.MaxPasswordBytes {
		return model.NewInvalidInputError(fmt.Sprintf("パスワードは%dバイト以内で入力してください", security.MaxPasswordBytes))
	}
	return nil
}
