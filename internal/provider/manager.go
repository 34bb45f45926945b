package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/efwoods/aar/internal/metrics"
	"github.com/efwoods/aar/internal/model"
	"github.com/efwoods/aar/internal/repository"
	"github.com/efwoods/aar/internal/security"
)

// ManagerConfig はManagerの依存と設定。
type ManagerConfig struct {
	Catalog     *Catalog
	Connections repository.ConnectionRepository
	SecretBox   *security.SecretBox
	StateCodec  *StateCodec
	HTTPClient  *http.Client
	// Timeout はプロバイダー呼び出し1回あたりの上限。0の場合はDefaultTimeout。
	Timeout time.Duration
	// CallbackBaseURL はOAuthコールバックを受けるこのサービスの外部URL。
	CallbackBaseURL string
	Metrics         metrics.MetricsCollector
	Logger          *slog.Logger
	Now             func() time.Time
}

// Manager はプロバイダー連携を方式ごとのStrategyに振り分ける。
type Manager struct {
	catalog    *Catalog
	store      *connectionStore
	states     *StateCodec
	strategies map[model.Strategy]Strategy
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewManager はManagerを生成する。
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Catalog == nil || cfg.Connections == nil || cfg.SecretBox == nil || cfg.StateCodec == nil {
		return nil, fmt.Errorf("provider: catalog, connections, secret box and state codec are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	store := &connectionStore{repo: cfg.Connections, box: cfg.SecretBox, now: cfg.Now}
	c := &caller{client: cfg.HTTPClient, timeout: cfg.Timeout, metrics: cfg.Metrics}

	strategies := map[model.Strategy]Strategy{
		model.StrategyOAuth: &OAuthStrategy{
			caller:       c,
			store:        store,
			states:       cfg.StateCodec,
			callbackBase: cfg.CallbackBaseURL,
			now:          cfg.Now,
			logger:       cfg.Logger,
		},
		model.StrategyAPIKey: &APIKeyStrategy{caller: c, store: store},
	}

	return &Manager{
		catalog:    cfg.Catalog,
		store:      store,
		states:     cfg.StateCodec,
		strategies: strategies,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}, nil
}

// Resolve はプロバイダーIDまたは別名を正規のIDに解決する。
func (m *Manager) Resolve(name string) (model.ProviderID, error) {
	def, ok := m.catalog.Resolve(name)
	if !ok {
		return "", ErrUnknownProvider
	}
	return def.ID, nil
}

// Connect はプロバイダーの方式に応じて連携を進める。
// OAuth方式で認可コードがない場合はフローを開始してRedirectURLを返す。
func (m *Manager) Connect(ctx context.Context, userID string, id model.ProviderID, material Material) (*Result, error) {
	def, strategy, err := m.strategyFor(id)
	if err != nil {
		return nil, err
	}
	res, err := strategy.Connect(ctx, def, userID, material)
	m.observe(def, userID, res, err)
	return res, err
}

// BeginConnect はOAuthフローを開始する。
func (m *Manager) BeginConnect(ctx context.Context, userID string, id model.ProviderID) (*Result, error) {
	def, twoPhase, err := m.twoPhaseFor(id)
	if err != nil {
		return nil, err
	}
	res, err := twoPhase.BeginConnect(ctx, def, userID)
	m.observe(def, userID, res, err)
	return res, err
}

// CompleteConnect は認可コードを交換して連携を完了する。
func (m *Manager) CompleteConnect(ctx context.Context, userID string, id model.ProviderID, code string) (*Result, error) {
	def, twoPhase, err := m.twoPhaseFor(id)
	if err != nil {
		return nil, err
	}
	res, err := twoPhase.CompleteConnect(ctx, def, userID, code)
	m.observe(def, userID, res, err)
	return res, err
}

// CompleteCallback はプロバイダーからのリダイレクトを処理する。
// stateの署名を検証し、ユーザーを特定したうえで、ノンスがPending行と一致する場合のみ交換する。
func (m *Manager) CompleteCallback(ctx context.Context, id model.ProviderID, code, encodedState string) (*Result, error) {
	def, twoPhase, err := m.twoPhaseFor(id)
	if err != nil {
		return nil, err
	}

	state, err := m.states.Decode(encodedState)
	if err != nil {
		return nil, err
	}
	if state.ProviderID != def.ID {
		return nil, ErrStateMismatch
	}

	current, err := m.store.find(ctx, state.UserID, def.ID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.State != model.ConnectionPending {
		return nil, ErrNotPending
	}
	if current.StateNonce != state.Nonce {
		return nil, ErrStateMismatch
	}

	res, err := twoPhase.CompleteConnect(ctx, def, state.UserID, code)
	m.observe(def, state.UserID, res, err)
	return res, err
}

// GetConnection は連携情報を返す。連携がない場合はnilを返す。
func (m *Manager) GetConnection(ctx context.Context, userID string, id model.ProviderID) (*model.ProviderConnection, error) {
	if _, ok := m.catalog.Lookup(id); !ok {
		return nil, ErrUnknownProvider
	}
	return m.store.find(ctx, userID, id)
}

// ListConnections はユーザーの連携情報をプロバイダーID順に返す。
// 連携がないプロバイダーはUnconnectedとして含める。
func (m *Manager) ListConnections(ctx context.Context, userID string) ([]*model.ProviderConnection, error) {
	stored, err := m.store.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	byID := make(map[model.ProviderID]*model.ProviderConnection, len(stored))
	for _, c := range stored {
		byID[c.ProviderID] = c
	}

	defs := m.catalog.Definitions()
	conns := make([]*model.ProviderConnection, 0, len(defs))
	for _, def := range defs {
		if c, ok := byID[def.ID]; ok {
			conns = append(conns, c)
			continue
		}
		conns = append(conns, &model.ProviderConnection{
			UserID:     userID,
			ProviderID: def.ID,
			Strategy:   def.Strategy,
			State:      model.ConnectionUnconnected,
		})
	}
	return conns, nil
}

// Disconnect は連携を削除し、Unconnectedに戻す。
func (m *Manager) Disconnect(ctx context.Context, userID string, id model.ProviderID) error {
	if _, ok := m.catalog.Lookup(id); !ok {
		return ErrUnknownProvider
	}
	if err := m.store.repo.Delete(ctx, userID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotConnected
		}
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	m.logger.Info("provider disconnected",
		slog.String("provider", string(id)),
		slog.String("user_id", userID),
	)
	return nil
}

// RevealSecret はConnected状態の資格情報を復号して返す。
// データ取得を行う協調コンポーネント向けで、HTTPには公開しない。
func (m *Manager) RevealSecret(ctx context.Context, userID string, id model.ProviderID) ([]byte, error) {
	conn, err := m.GetConnection(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return m.store.reveal(conn)
}

func (m *Manager) strategyFor(id model.ProviderID) (*Definition, Strategy, error) {
	def, ok := m.catalog.Lookup(id)
	if !ok {
		return nil, nil, ErrUnknownProvider
	}
	strategy, ok := m.strategies[def.Strategy]
	if !ok {
		return nil, nil, fmt.Errorf("provider %s: no strategy for %q", def.ID, def.Strategy)
	}
	return def, strategy, nil
}

func (m *Manager) twoPhaseFor(id model.ProviderID) (*Definition, TwoPhaseStrategy, error) {
	def, strategy, err := m.strategyFor(id)
	if err != nil {
		return nil, nil, err
	}
	twoPhase, ok := strategy.(TwoPhaseStrategy)
	if !ok {
		return nil, nil, ErrUnsupportedFlow
	}
	return def, twoPhase, nil
}

// observe は連携操作の結果をメトリクスとログに記録する。資格情報はログに出さない。
func (m *Manager) observe(def *Definition, userID string, res *Result, err error) {
	result := metrics.ResultFailure
	switch {
	case err != nil:
	case res.Connection.State == model.ConnectionPending:
		result = metrics.ResultPending
	default:
		result = metrics.ResultSuccess
	}
	m.metrics.RecordConnect(string(def.ID), string(def.Strategy), result)

	if err != nil {
		m.logger.Warn("provider connection attempt failed",
			slog.String("provider", string(def.ID)),
			slog.String("user_id", userID),
			slog.String("strategy", string(def.Strategy)),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Info("provider connection updated",
		slog.String("provider", string(def.ID)),
		slog.String("user_id", userID),
		slog.String("state", string(res.Connection.State)),
		slog.String("fingerprint", res.Connection.SecretFingerprint),
	)
}
