// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/efwoods/aar/internal/model"
)

// ErrDuplicateEmail はメールアドレスが既に登録されている場合に返される。
// 大文字小文字を区別せずに比較する。
var ErrDuplicateEmail = errors.New("repository: email already registered")

// ErrNotFound は更新・削除対象のレコードが存在しない場合に返される。
var ErrNotFound = errors.New("repository: record not found")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成する。
	// メールアドレスが大文字小文字を無視して重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// UpdatePasswordHash はパスワードハッシュを差し替える。
	// ユーザーが存在しない場合はErrNotFoundを返す。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// ConnectionRepository はプロバイダー連携情報の永続化インターフェース。
type ConnectionRepository interface {
	// Upsert は(user_id, provider_id)をキーに連携情報を作成または置換する。
	// 単一のINSERT ON CONFLICT文で実行するため、読み取り側に中途半端な状態は見えない。
	Upsert(ctx context.Context, conn *model.ProviderConnection) error

	// FindByUserAndProvider はユーザーIDとプロバイダーIDで連携情報を取得する。
	// 見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID string, providerID model.ProviderID) (*model.ProviderConnection, error)

	// ListByUserID はユーザーの連携情報をプロバイダーID順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.ProviderConnection, error)

	// Delete は連携情報を削除する。存在しない場合はErrNotFoundを返す。
	Delete(ctx context.Context, userID string, providerID model.ProviderID) error
}
