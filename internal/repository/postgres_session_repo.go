package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/fasttrack/internal/model"
)

// maxSessionIDLength を超えるCookie値は照会せずに匿名扱いとする。
const maxSessionIDLength = 128

const (
	selectActiveSessionSQL = `SELECT id, user_id, expires_at, created_at
		FROM sessions
		WHERE id = $1 AND expires_at > now()`
	deleteSessionSQL = `DELETE FROM sessions WHERE id = $1`
)

// PostgresSessionRepo は外部の認証サービスが発行したセッションを参照する。
// このサービスはセッションを作らず、識別とログアウト時の削除のみ行う。
type PostgresSessionRepo struct {
	db *sql.DB
}

func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// FindByID は有効期限内のセッションを返す。
// 存在しない、期限切れ、または形式の不正なIDの場合はnil, nilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if !plausibleSessionID(id) {
		return nil, nil
	}

	var s model.Session
	err := r.db.QueryRowContext(ctx, selectActiveSessionSQL, id).
		Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return &s, nil
}

// DeleteByID はセッションを削除する。存在しない場合も成功とする。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if !plausibleSessionID(id) {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, deleteSessionSQL, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func plausibleSessionID(id string) bool {
	return id != "" && len(id) <= maxSessionIDLength
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
