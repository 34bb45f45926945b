package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/efwoods/aar/internal/model"
)

// APIKeyStrategy は利用者が入力したAPIキーによる連携。
// 1段階で完了し、Pending状態にはならない。
type APIKeyStrategy struct {
	*caller
	store *connectionStore
}

// Kind は方式の種別を返す。
func (s *APIKeyStrategy) Kind() model.Strategy {
	return model.StrategyAPIKey
}

// Connect はAPIキーを暗号化して保存し、Connectedを記録する。
// 検証が有効な場合、プロバイダーに拒否されたキーは保存せず、行も書き換えない。
// API キー方式にFailed状態はなく、既存のConnectedの連携とキーはそのまま残る。
// 拒否理由は呼び出し元へExchangeErrorとして返し、Managerがログとメトリクスに記録する。
func (s *APIKeyStrategy) Connect(ctx context.Context, def *Definition, userID string, m Material) (*Result, error) {
	key := strings.TrimSpace(m.Token)
	if key == "" {
		if strings.TrimSpace(m.AuthorizationCode) != "" {
			return nil, ErrUnsupportedFlow
		}
		return nil, ErrEmptyCredential
	}

	if def.VerifyKeys {
		if err := s.verify(ctx, def, key); err != nil {
			return nil, err
		}
	}

	conn, err := s.store.connected(ctx, userID, def, []byte(key))
	if err != nil {
		return nil, err
	}
	return &Result{Connection: conn}, nil
}

// verify はキーでプロバイダーのユーザー情報エンドポイントを呼び出す。
func (s *APIKeyStrategy) verify(ctx context.Context, def *Definition, key string) error {
	req, err := http.NewRequest(http.MethodGet, def.VerifyURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set(def.KeyHeader, key)
	req.Header.Set("Accept", "application/json")

	status, _, err := s.do(ctx, def.ID, req)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return &ExchangeError{Provider: def.ID, Reason: statusReason(status)}
	}
	return nil
}
