package provider

import (
	"errors"
	"fmt"

	"github.com/efwoods/aar/internal/model"
)

var (
	// ErrUnknownProvider はカタログにないプロバイダーが指定された場合に返される。
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrEmptyCredential はAPIキーまたは認可コードが空の場合に返される。
	ErrEmptyCredential = errors.New("provider: empty credential")
	// ErrNotPending は認可コード交換時に連携がPending状態でない場合に返される。
	ErrNotPending = errors.New("provider: connection is not awaiting authorization")
	// ErrStateMismatch はstateのノンスやプロバイダーがPending行と一致しない場合に返される。
	ErrStateMismatch = errors.New("provider: oauth state does not match pending connection")
	// ErrUnsupportedFlow はプロバイダーの方式がその操作に対応していない場合に返される。
	ErrUnsupportedFlow = errors.New("provider: operation not supported by provider strategy")
	// ErrNotConfigured はOAuthクライアント資格情報が未設定の場合に返される。
	ErrNotConfigured = errors.New("provider: oauth client is not configured")
	// ErrNotConnected は連携が存在しないかConnected状態でない場合に返される。
	ErrNotConnected = errors.New("provider: not connected")
)

// ExchangeError はプロバイダー側での資格情報の取得・検証の失敗を表す。
// プロバイダーによる拒否、ネットワーク障害、タイムアウトを含む。
type ExchangeError struct {
	Provider model.ProviderID
	Reason   string
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}
