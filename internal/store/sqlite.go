package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite 单机持久化存储，重启后封禁记录仍然有效
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite 打开或创建数据库文件
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("store: create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// 单连接串行化写入
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// expiresAt 毫秒时间戳，0 表示永不过期
func (s *SQLite) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *SQLite) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := s.purge(ctx, tx, key); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO kv (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, s.expiresAt(ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, tx.Commit()
}

func (s *SQLite) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := s.purge(ctx, tx, key); err != nil {
		return 0, err
	}
	var n int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO kv (key, value, expires_at) VALUES (?, '1', ?)
ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
RETURNING CAST(value AS INTEGER)`,
		key, s.expiresAt(ttl)).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// purge 删除已过期的同名键，使后续写入按新建处理
func (s *SQLite) purge(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND expires_at != 0 AND expires_at <= ?`,
		key, s.now().UnixMilli())
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
