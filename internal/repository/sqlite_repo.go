package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/efwoods/aar/internal/model"
)

// SQLiteUserRepo はSQLiteを使用したユーザーリポジトリ。
// 単一ノード構成と開発環境向け。emailはCOLLATE NOCASEで一意。
type SQLiteUserRepo struct {
	db *sql.DB
}

// NewSQLiteUserRepo はSQLiteUserRepoを生成する。
func NewSQLiteUserRepo(db *sql.DB) *SQLiteUserRepo {
	return &SQLiteUserRepo{db: db}
}

// Create はユーザーを作成する。
func (r *SQLiteUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt.UTC(), user.UpdatedAt.UTC(),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx,
		`SELECT id, email, password_hash, created_at, updated_at
		 FROM users WHERE email = ? COLLATE NOCASE`,
		email,
	)
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx,
		`SELECT id, email, password_hash, created_at, updated_at
		 FROM users WHERE id = ?`,
		id,
	)
}

// UpdatePasswordHash はパスワードハッシュを差し替える。
func (r *SQLiteUserRepo) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	return requireAffected(result)
}

func (r *SQLiteUserRepo) findOne(ctx context.Context, query string, arg string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// SQLiteConnectionRepo はSQLiteを使用したプロバイダー連携リポジトリ。
type SQLiteConnectionRepo struct {
	db *sql.DB
}

// NewSQLiteConnectionRepo はSQLiteConnectionRepoを生成する。
func NewSQLiteConnectionRepo(db *sql.DB) *SQLiteConnectionRepo {
	return &SQLiteConnectionRepo{db: db}
}

// Upsert は連携情報を冪等にUPSERTする。
// SQLiteはデータベース単位の書き込みロックで文ごとに直列化される。
func (r *SQLiteConnectionRepo) Upsert(ctx context.Context, conn *model.ProviderConnection) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provider_connections
		     (user_id, provider_id, strategy, secret_material, secret_fingerprint, state, state_nonce, last_error, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider_id) DO UPDATE SET
		     strategy = excluded.strategy,
		     secret_material = excluded.secret_material,
		     secret_fingerprint = excluded.secret_fingerprint,
		     state = excluded.state,
		     state_nonce = excluded.state_nonce,
		     last_error = excluded.last_error,
		     last_updated = excluded.last_updated`,
		conn.UserID, string(conn.ProviderID), string(conn.Strategy),
		conn.SecretMaterial, conn.SecretFingerprint,
		string(conn.State), conn.StateNonce, conn.LastError, conn.LastUpdated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert provider connection: %w", err)
	}
	return nil
}

// FindByUserAndProvider はユーザーIDとプロバイダーIDで連携情報を取得する。見つからない場合はnilを返す。
func (r *SQLiteConnectionRepo) FindByUserAndProvider(ctx context.Context, userID string, providerID model.ProviderID) (*model.ProviderConnection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT user_id, provider_id, strategy, secret_material, secret_fingerprint, state, state_nonce, last_error, last_updated
		 FROM provider_connections
		 WHERE user_id = ? AND provider_id = ?`,
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
func (r *SQLiteConnectionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.ProviderConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, provider_id, strategy, secret_material, secret_fingerprint, state, state_nonce, last_error, last_updated
		 FROM provider_connections
		 WHERE user_id = ?
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
func (r *SQLiteConnectionRepo) Delete(ctx context.Context, userID string, providerID model.ProviderID) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM provider_connections WHERE user_id = ? AND provider_id = ?`,
		userID, string(providerID),
	)
	if err != nil {
		return fmt.Errorf("failed to delete provider connection: %w", err)
	}
	return requireAffected(result)
}

// isSQLiteUniqueViolation はSQLiteの一意制約違反かを判定する。
func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// compile-time interface check
var (
	_ UserRepository       = (*SQLiteUserRepo)(nil)
	_ ConnectionRepository = (*SQLiteConnectionRepo)(nil)
)
