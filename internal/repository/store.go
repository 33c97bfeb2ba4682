package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrNotFound 查询无结果
	ErrNotFound = errors.New("not found")
	// ErrForeignKeyViolation 外键约束失败（例如网关在解析后被删除）
	ErrForeignKeyViolation = errors.New("foreign key violation")
)

// pq 错误码
const (
	pqForeignKeyViolation = "23503"
)

// PostgresStore 定位引擎使用的 PostgreSQL 存储
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore 创建存储
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// translateError 把驱动错误转换为包内哨兵错误
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqForeignKeyViolation {
		return ErrForeignKeyViolation
	}
	return err
}
