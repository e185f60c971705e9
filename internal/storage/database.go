package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"lineinspect/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the catalog database configured under dbType.
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
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// Every connection to :memory: is a fresh database.
		if strings.Contains(dbCfg.DSN, ":memory:") {
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				params = "parseTime=true"
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
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

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY,
				upload_time DATETIME NOT NULL,
				total_files INTEGER NOT NULL,
				total_bytes INTEGER NOT NULL,
				analysis_status TEXT NOT NULL DEFAULT 'pending',
				dispatch_attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS session_files (
				session_id INTEGER NOT NULL,
				canonical_name TEXT NOT NULL,
				original_name TEXT NOT NULL,
				size INTEGER NOT NULL,
				extension TEXT NOT NULL,
				source TEXT NOT NULL,
				PRIMARY KEY (session_id, canonical_name),
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(analysis_status)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_upload_time ON sessions(upload_time DESC)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id BIGINT UNSIGNED NOT NULL,
				upload_time DATETIME(6) NOT NULL,
				total_files INT NOT NULL,
				total_bytes BIGINT NOT NULL,
				analysis_status VARCHAR(32) NOT NULL DEFAULT 'pending',
				dispatch_attempts INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_sessions_status (analysis_status),
				INDEX idx_sessions_upload_time (upload_time)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS session_files (
				session_id BIGINT UNSIGNED NOT NULL,
				canonical_name VARCHAR(64) NOT NULL,
				original_name VARCHAR(1024) NOT NULL,
				size BIGINT NOT NULL,
				extension VARCHAR(16) NOT NULL,
				source VARCHAR(16) NOT NULL,
				PRIMARY KEY (session_id, canonical_name),
				CONSTRAINT fk_session_files_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
