package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/efwoods/aar/internal/model"
)

// PostgresConnectionRepo はPostgreSQLを使用したプロバイダー連携リポジトリ。
type PostgresConnectionRepo struct {
	db *sql.DB
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

// Upsert は連携情報を冪等にUPSERTする。
// PRIMARY KEY(user_id, provider_id)を利用したINSERT ON CONFLICTで全列を置換する。
// 同一キーへの同時書き込みは行ロックで直列化され、最後にコミットされた書き込みが残る。
func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn *model.ProviderConnection) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provider_connections
		     (user_id, provider_id, strategy, secret_material, secret_fingerprint, state, state_nonce, last_error, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, provider_id) DO UPDATE SET
		     strategy = EXCLUDED.strategy,
		     secret_material = EXCLUDED.secret_material,
		     secret_fingerprint = EXCLUDED.secret_fingerprint,
		     state = EXCLUDED.state,
		     state_nonce = EXCLUDED.state_nonce,
		     last_error = EXCLUDED.last_error,
		     last_updated = EXCLUDED.last_updated`,
		conn.UserID, string(conn.ProviderID), string(conn.Strategy),
		conn.SecretMaterial, conn.SecretFingerprint,
		string(conn.State), conn.StateNonce, conn.LastError, conn.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert provider connection: %w", err)
	}
	return nil
}

// FindByUserAndProvider はユーザーIDとプロバイダーIDで連携情報を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByUserAndProvider(ctx context.Context, userID string, providerID model.ProviderID) (*model.ProviderConnection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT user_id, provider_id, strategy, secret_material, secret_fingerprint, state, state_nonce, last_error, last_updated
		 FROM provider_connections
		 WHERE user_id = $1 AND provider_id = $2`,
		userID, string(providerID),
	)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find provider connection: %w", err)
	}
	return conn, nil
}

// ListByUserID はユーザーの連携情報一覧を返す。
func (r *PostgresConnectionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.ProviderConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, provider_id, strategy, secret_material, secret_fingerprint, state, state_nonce, last_error, last_updated
		 FROM provider_connections
		 WHERE user_id = $1
		 ORDER BY provider_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider connections: %w", err)
	}
	defer rows.Close()

	return scanConnections(rows)
}

// Delete は連携情報を削除する。
func (r *PostgresConnectionRepo) Delete(ctx context.Context, userID string, providerID model.ProviderID) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM provider_connections WHERE user_id = $1 AND provider_id = $2`,
		userID, string(providerID),
	)
	if err != nil {
		return fmt.Errorf("failed to delete provider connection: %w", err)
	}
	return requireAffected(result)
}

// compile-time interface check
var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)
