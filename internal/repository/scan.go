package repository

import (
	"database/sql"
	"fmt"

	"github.com/efwoods/aar/internal/model"
)

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConnection はprovider_connectionsの1行をモデルに変換する。
// 列順はuser_id, provider_id, strategy, secret_material, secret_fingerprint,
// state, state_nonce, last_error, last_updatedを前提とする。
func scanConnection(row rowScanner) (*model.ProviderConnection, error) {
	var (
		conn       model.ProviderConnection
		providerID string
		strategy   string
		state      string
	)
	err := row.Scan(
		&conn.UserID, &providerID, &strategy,
		&conn.SecretMaterial, &conn.SecretFingerprint,
		&state, &conn.StateNonce, &conn.LastError, &conn.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	conn.ProviderID = model.ProviderID(providerID)
	conn.Strategy = model.Strategy(strategy)
	conn.State = model.ConnectionState(state)
	return &conn, nil
}

func scanConnections(rows *sql.Rows) ([]*model.ProviderConnection, error) {
	var conns []*model.ProviderConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate provider connections: %w", err)
	}
	return conns, nil
}

// requireAffected は更新件数が0の場合にErrNotFoundを返す。
func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
