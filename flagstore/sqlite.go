package flagstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	_ "modernc.org/sqlite"

	"cartsync/errors"
)

const createFlagsTable = `CREATE TABLE IF NOT EXISTS cart_flags (
	key        TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

// SQLiteStore 基于 modernc.org/sqlite 的存储，标记可以跨进程重启保留
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore 打开（必要时创建）数据库
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeStorage, "open sqlite")
	}
	// 内存库的每个连接都是独立的数据库
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createFlagsTable); err != nil {
		_ = db.Close()
		return nil, errors.WrapError(err, errors.ErrCodeStorage, "create flags table")
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cart_flags (key, expires_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`, key, expires)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeStorage, "set flag")
	}
	return nil
}

func (s *SQLiteStore) Take(ctx context.Context, key string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.WrapError(err, errors.ErrCodeStorage, "begin take")
	}
	defer func() { _ = tx.Rollback() }()

	var expires int64
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM cart_flags WHERE key = ?`, key).Scan(&expires)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapError(err, errors.ErrCodeStorage, "read flag")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_flags WHERE key = ?`, key); err != nil {
		return false, errors.WrapError(err, errors.ErrCodeStorage, "delete flag")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.WrapError(err, errors.ErrCodeStorage, "commit take")
	}
	return expires == 0 || s.now().UnixNano() < expires, nil
}

// Purge 删除所有已过期的标记
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cart_flags WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeStorage, "purge flags")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
