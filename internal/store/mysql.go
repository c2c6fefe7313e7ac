package store

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Pay/internal/errors"
)

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLBackend 使用 MySQL 保存记录与 owner 索引。
type MySQLBackend struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLBackend 建立连接并执行内嵌的迁移脚本。
func NewMySQLBackend(ctx context.Context, cfg MySQLConfig) (*MySQLBackend, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	backend := &MySQLBackend{db: db, now: time.Now}
	if err := backend.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return backend, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
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
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

const (
	insertRecordSQL = `INSERT INTO settlement_records (kind, id, data, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`
	insertOwnerSQL = `INSERT INTO settlement_owner_index (kind, owner, record_id)
        VALUES (?, ?, ?)`
	selectRecordSQL = `SELECT data FROM settlement_records WHERE kind = ? AND id = ?`
	updateRecordSQL = `UPDATE settlement_records SET data = ?, updated_at = ?
        WHERE kind = ? AND id = ?`
	selectOwnerSQL = `SELECT record_id FROM settlement_owner_index
        WHERE kind = ? AND owner = ? ORDER BY seq ASC`
)

// Insert 在同一事务内写入记录与 owner 索引。
func (s *MySQLBackend) Insert(ctx context.Context, kind Kind, id string, data []byte, owners ...string) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx, insertRecordSQL, string(kind), id, data, now, now); err != nil {
		tx.Rollback()
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入记录失败")
	}
	for _, owner := range owners {
		if _, err := tx.ExecContext(ctx, insertOwnerSQL, string(kind), owner, id); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入索引失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Get 实现 Backend 接口。
func (s *MySQLBackend) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, selectRecordSQL, string(kind), id).Scan(&data); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记录失败")
	}
	return data, nil
}

// Update 实现 Backend 接口。
func (s *MySQLBackend) Update(ctx context.Context, kind Kind, id string, data []byte) error {
	res, err := s.db.ExecContext(ctx, updateRecordSQL, data, s.now().Unix(), string(kind), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		// 内容未变化时 MySQL 也返回 0 行，需要区分记录是否存在。
		if _, err := s.Get(ctx, kind, id); err != nil {
			return err
		}
	}
	return nil
}

// ListIDs 实现 Backend 接口。
func (s *MySQLBackend) ListIDs(ctx context.Context, kind Kind, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, selectOwnerSQL, string(kind), owner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询索引失败")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析索引失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历索引失败")
	}
	return ids, nil
}

// Close 关闭连接池。
func (s *MySQLBackend) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Backend = (*MySQLBackend)(nil)
