// Package provider は外部データプロバイダーとの連携（資格情報の取得と保存）を管理する。
// 取得方式はOAuth認可コードフローとAPIキー直接入力の2種類で、
// プロバイダーごとの方式は静的なカタログで決まる。
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/efwoods/aar/internal/metrics"
	"github.com/efwoods/aar/internal/model"
)

// maxResponseBytes はプロバイダーのレスポンス本文の読み取り上限。
const maxResponseBytes = 1 << 20

// DefaultTimeout はプロバイダー呼び出し1回あたりの既定のタイムアウト。
const DefaultTimeout = 10 * time.Second

// Material は利用者から渡された資格情報。
// Tokenはプロバイダーが発行したAPIキー、AuthorizationCodeはOAuthの認可コード。
type Material struct {
	Token             string
	AuthorizationCode string
}

// Result は連携操作の結果。
type Result struct {
	Connection *model.ProviderConnection
	// RedirectURL はOAuthフロー開始時のプロバイダー認可画面のURL。
	RedirectURL string
}

// Strategy は資格情報の取得方式。
// どの方式も結果を同じmodel.ProviderConnectionとして保存する。
type Strategy interface {
	// Kind は方式の種別を返す。
	Kind() model.Strategy

	// Connect は利用者から渡された資格情報で連携を進める。
	Connect(ctx context.Context, def *Definition, userID string, m Material) (*Result, error)
}

// TwoPhaseStrategy は外部リダイレクトをまたぐ2段階の方式。
type TwoPhaseStrategy interface {
	Strategy

	// BeginConnect は認可URLを生成し、連携をPendingとして記録する。
	BeginConnect(ctx context.Context, def *Definition, userID string) (*Result, error)

	// CompleteConnect は認可コードを資格情報に交換する。
	// 成功時はConnected、失敗時はFailedを記録して*ExchangeErrorを返す。
	CompleteConnect(ctx context.Context, def *Definition, userID, code string) (*Result, error)
}

// caller はプロバイダーへのHTTP呼び出しを実行する。
type caller struct {
	client  *http.Client
	timeout time.Duration
	metrics metrics.MetricsCollector
}

// do はタイムアウト付きでリクエストを送り、ステータスと上限付きの本文を返す。
// 通信エラーは*ExchangeErrorに変換する。
func (c *caller) do(ctx context.Context, id model.ProviderID, req *http.Request) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() { c.metrics.RecordExchangeLatency(string(id), time.Since(start)) }()

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return 0, nil, &ExchangeError{Provider: id, Reason: classifyTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, &ExchangeError{Provider: id, Reason: classifyTransportError(err), Err: err}
	}
	return resp.StatusCode, body, nil
}

// classifyTransportError は通信エラーをタイムアウトとそれ以外に分類する。
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "network error"
}

// statusReason は2xx以外のレスポンスの失敗理由を返す。
func statusReason(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("credential rejected (status %d)", status)
	default:
		return fmt.Sprintf("unexpected status %d", status)
	}
}
