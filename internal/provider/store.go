package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/efwoods/aar/internal/model"
	"github.com/efwoods/aar/internal/repository"
	"github.com/efwoods/aar/internal/security"
)

// connectionStore は連携状態の遷移を永続化する。
// 書き込みはすべて1回のUpsertで行い、資格情報は暗号化してから渡す。
type connectionStore struct {
	repo repository.ConnectionRepository
	box  *security.SecretBox
	now  func() time.Time
}

func (s *connectionStore) find(ctx context.Context, userID string, id model.ProviderID) (*model.ProviderConnection, error) {
	conn, err := s.repo.FindByUserAndProvider(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return conn, nil
}

// pending は外部での同意待ち状態を記録する。以前の資格情報は破棄される。
func (s *connectionStore) pending(ctx context.Context, userID string, def *Definition, nonce string) (*model.ProviderConnection, error) {
	return s.save(ctx, &model.ProviderConnection{
		UserID:     userID,
		ProviderID: def.ID,
		Strategy:   def.Strategy,
		State:      model.ConnectionPending,
		StateNonce: nonce,
	})
}

// connected は資格情報を暗号化してConnected状態を記録する。
func (s *connectionStore) connected(ctx context.Context, userID string, def *Definition, secret []byte) (*model.ProviderConnection, error) {
	sealed, err := s.box.Seal(userID, string(def.ID), secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}
	return s.save(ctx, &model.ProviderConnection{
		UserID:            userID,
		ProviderID:        def.ID,
		Strategy:          def.Strategy,
		SecretMaterial:    sealed,
		SecretFingerprint: s.box.Fingerprint(secret),
		State:             model.ConnectionConnected,
	})
}

// failed はFailed状態と失敗理由を記録する。
func (s *connectionStore) failed(ctx context.Context, userID string, def *Definition, reason string) (*model.ProviderConnection, error) {
	return s.save(ctx, &model.ProviderConnection{
		UserID:     userID,
		ProviderID: def.ID,
		Strategy:   def.Strategy,
		State:      model.ConnectionFailed,
		LastError:  reason,
	})
}

func (s *connectionStore) save(ctx context.Context, conn *model.ProviderConnection) (*model.ProviderConnection, error) {
	conn.LastUpdated = s.now().UTC()
	if err := s.repo.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}
	return conn, nil
}

// reveal は保存済みの資格情報を復号する。
func (s *connectionStore) reveal(conn *model.ProviderConnection) ([]byte, error) {
	secret, err := s.box.Open(conn.UserID, string(conn.ProviderID), conn.SecretMaterial)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret: %w", err)
	}
	return secret, nil
}
