// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はサービス利用ユーザーを表す。
// PasswordHashはパスワード変更時に差し替えられる。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NormalizeEmail はメールアドレスを比較用の正規形（前後空白除去・小文字化）に変換する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
