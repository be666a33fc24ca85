package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"studybuddy/internal/config"
	"studybuddy/internal/log"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var embedMigrations embed.FS

// Open connects to the configured database driver.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		if err := ensureSQLiteDir(dbCfg.DSN); err != nil {
			return nil, err
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			mc := mysql.NewConfig()
			mc.User = dbCfg.Username
			mc.Passwd = dbCfg.Password
			mc.Net = "tcp"
			mc.Addr = fmt.Sprintf("%s:%d", dbCfg.Host, dbCfg.Port)
			mc.DBName = dbCfg.DBName
			mc.ParseTime = true
			dsn = mc.FormatDSN()
			if dbCfg.Params != "" {
				dsn += "&" + dbCfg.Params
			}
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func ensureSQLiteDir(dsn string) error {
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.HasPrefix(path, ":memory:") || strings.HasPrefix(path, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	return nil
}

// Migrate brings the schema for driver up to date.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var dialect, dir string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		dialect, dir = "sqlite3", "migrations/sqlite"
	case "mysql":
		dialect, dir = "mysql", "migrations/mysql"
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(log.NewGooseLoggerFromCtx(ctx))
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("migrate (%s): %w", driver, err)
	}
	return nil
}
