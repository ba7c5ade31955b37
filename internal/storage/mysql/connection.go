package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"ExtensionHost/internal/config"
	xerrors "ExtensionHost/internal/errors"
)

// MySQL 错误码。
const (
	errDuplicateEntry  = 1062
	errNoReferencedRow = 1452
)

// DB 封装连接池，并为各领域提供存储实现。
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open 建立连接池并执行尚未应用的迁移。
func Open(ctx context.Context, cfg config.MySQLConfig) (*DB, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return &DB{db: db, now: time.Now}, nil
}

// NewWithDB 使用已有连接池构造 DB，不执行迁移，主要用于测试。
func NewWithDB(db *sql.DB) *DB {
	return &DB{db: db, now: time.Now}
}

// Close 关闭底层连接池。
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping 检查数据库是否可用，供健康检查使用。
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func openDatabase(ctx context.Context, cfg config.MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	if _, err := driver.ParseDSN(cfg.DSN); err != nil {
		return nil, fmt.Errorf("MySQL DSN 格式错误: %w", err)
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

func mysqlErrorNumber(err error) uint16 {
	var myErr *driver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}

func isDuplicate(err error) bool {
	return mysqlErrorNumber(err) == errDuplicateEntry
}

func isMissingReference(err error) bool {
	return mysqlErrorNumber(err) == errNoReferencedRow
}

func storageError(err error, format string, args ...any) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf(format, args...))
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
