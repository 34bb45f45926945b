// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeDuplicateAccount      = "DUPLICATE_ACCOUNT"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	ErrCodeInvalidToken          = "INVALID_TOKEN"
	ErrCodeExpiredToken          = "EXPIRED_TOKEN"
	ErrCodeProviderExchangeError = "PROVIDER_EXCHANGE_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// HasCode はerrがAPIErrorであり、指定のコードを持つかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewDuplicateAccountError は登録済みメールアドレスのエラーを生成する。
func NewDuplicateAccountError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateAccount,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewInvalidInputError は入力値不正のエラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidCredentialsError はログイン失敗のエラーを生成する。
// ユーザーの存在有無を漏らさないため、原因によらず同一の内容を返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewInvalidTokenError は不正なセッショントークンのエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "セッショントークンが無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewExpiredTokenError は有効期限切れのセッショントークンのエラーを生成する。
func NewExpiredTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeExpiredToken,
		Message:  "セッションの有効期限が切れています。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewProviderExchangeError はプロバイダーとの資格情報交換・検証の失敗エラーを生成する。
func NewProviderExchangeError(provider ProviderID, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderExchangeError,
		Message:  fmt.Sprintf("%s との連携に失敗しました: %s", provider, reason),
		Category: "provider",
		Action:   "しばらく待ってから、もう一度連携を行ってください。",
	}
}

// NewUnknownProviderError は未定義のプロバイダーが指定された場合のエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return NewInvalidInputError(fmt.Sprintf("未対応のプロバイダーです: %s", provider))
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewConnectionNotFoundError は連携情報が見つからない場合のエラーを生成する。
func NewConnectionNotFoundError(provider ProviderID) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s との連携が見つかりません。", provider),
		Category: "provider",
		Action:   "先にプロバイダーとの連携を行ってください。",
	}
}

// NewRateLimitedError はレート制限超過のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
