// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// migrationSource はドライバごとのマイグレーションファイルを返す。
func migrationSource(driver string) (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	return src, nil
}

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	src, err := migrationSource(DriverPostgres)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// NewSQLiteMigrator は既存のSQLite接続を使うmigrateインスタンスを生成する。
// 返されたインスタンスのCloseはdbも閉じるため、dbを使い続ける場合は呼ばないこと。
func NewSQLiteMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := migrationSource(DriverSQLite)
	if err != nil {
		return nil, err
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, DriverSQLite, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(driver, databaseURL string) error {
	switch driver {
	case DriverPostgres:
		m, err := NewMigrator(databaseURL)
		if err != nil {
			return err
		}
		defer m.Close()
		return up(m)

	case DriverSQLite:
		db, err := Open(DriverSQLite, databaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		return MigrateSQLite(db)

	default:
		return fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// MigrateSQLite は開いているSQLite接続にマイグレーションを適用する。
// dbは閉じない。
func MigrateSQLite(db *sql.DB) error {
	m, err := NewSQLiteMigrator(db)
	if err != nil {
		return err
	}
	return up(m)
}

func up(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
