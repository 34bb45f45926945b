package model

import "time"

// ProviderID は連携対象の外部データプロバイダーを表す。
type ProviderID string

const (
	// ProviderWorkspaceNotes はワークスペースノート（Notion）。
	ProviderWorkspaceNotes ProviderID = "workspace-notes"
	// ProviderIssueTracker はイシュートラッカー（GitHub）。
	ProviderIssueTracker ProviderID = "issue-tracker"
	// ProviderTimeTracker はタイムトラッカー（Clockify）。
	ProviderTimeTracker ProviderID = "time-tracker"
)

// Strategy はプロバイダー資格情報の取得方式を表す。
type Strategy string

const (
	// StrategyOAuth はOAuth認可コードフロー。
	StrategyOAuth Strategy = "oauth"
	// StrategyAPIKey はAPIキーの直接入力。
	StrategyAPIKey Strategy = "api_key"
)

// ConnectionState はプロバイダー連携の状態を表す。
type ConnectionState string

const (
	// ConnectionUnconnected は未連携（レコードが存在しない）状態。
	ConnectionUnconnected ConnectionState = "unconnected"
	// ConnectionPending は外部でのユーザー操作（OAuth同意）待ちの状態。
	ConnectionPending ConnectionState = "pending"
	// ConnectionConnected は連携済みの状態。
	ConnectionConnected ConnectionState = "connected"
	// ConnectionFailed は認可コード交換に失敗した状態。再試行で回復できる。
	ConnectionFailed ConnectionState = "failed"
)

// ProviderConnection はユーザーと外部プロバイダーの連携情報を表す。
// (UserID, ProviderID) の組で一意となり、再連携時は上書きされる。
type ProviderConnection struct {
	UserID     string
	ProviderID ProviderID
	Strategy   Strategy
	// SecretMaterial は暗号化済みの資格情報（アクセストークンまたはAPIキー）。
	// 平文はストアに保存しない。
	SecretMaterial []byte
	// SecretFingerprint は資格情報の識別用フィンガープリント。表示・ログ用。
	SecretFingerprint string
	State             ConnectionState
	// StateNonce はPending中のOAuth stateと照合するノンス。
	StateNonce  string
	LastError   string
	LastUpdated time.Time
}

// IsConnected は資格情報が利用可能な状態かを返す。
func (c *ProviderConnection) IsConnected() bool {
	return c != nil && c.State == ConnectionConnected && len(c.SecretMaterial) > 0
}
