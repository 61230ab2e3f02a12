package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/fasttrack/internal/model"
)

// PostgresFastRecordRepo はPostgreSQLを使用した断食記録リポジトリ。
type PostgresFastRecordRepo struct {
	db *sql.DB
}

// NewPostgresFastRecordRepo はPostgresFastRecordRepoを生成する。
func NewPostgresFastRecordRepo(db *sql.DB) *PostgresFastRecordRepo {
	return &PostgresFastRecordRepo{db: db}
}

const fastRecordColumns = `id, user_id, start_time, end_time, duration_units, original_goal_units, unit, cancelled, created_at`

// CreateIfAbsent は同じ開始時刻の記録が存在しない場合のみ作成する。
// UNIQUE(user_id, start_time)制約とON CONFLICT DO NOTHINGで重複作成を防ぐ。
func (r *PostgresFastRecordRepo) CreateIfAbsent(ctx context.Context, record *model.FastRecord) (bool, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO fast_records (`+fastRecordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, start_time) DO NOTHING`,
		record.ID, record.UserID,
		record.StartTime.UTC(), record.EndTime.UTC(),
		record.DurationUnits, record.OriginalGoalUnits,
		record.Unit, record.Cancelled, record.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("断食記録の作成に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// 既存の記録のIDを反映する
	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM fast_records WHERE user_id = $1 AND start_time = $2`,
		record.UserID, record.StartTime.UTC(),
	).Scan(&record.ID)
	if err != nil {
		return false, fmt.Errorf("既存の断食記録の取得に失敗しました: %w", err)
	}
	return false, nil
}

// FindLatestByUserID はユーザーの最新の記録を取得する。見つからない場合はnilを返す。
func (r *PostgresFastRecordRepo) FindLatestByUserID(ctx context.Context, userID string) (*model.FastRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+fastRecordColumns+`
		 FROM fast_records
		 WHERE user_id = $1
		 ORDER BY end_time DESC
		 LIMIT 1`,
		userID,
	)
	record, err := scanFastRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新の断食記録の取得に失敗しました: %w", err)
	}
	return record, nil
}

// UpdateEndTime は開始時刻で特定した記録の終了時刻と時間を更新する。
func (r *PostgresFastRecordRepo) UpdateEndTime(ctx context.Context, userID string, start, end time.Time, durationUnits float64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE fast_records SET end_time = $3, duration_units = $4
		 WHERE user_id = $1 AND start_time = $2`,
		userID, start.UTC(), end.UTC(), durationUnits,
	)
	if err != nil {
		return fmt.Errorf("断食記録の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByUserID はユーザーの記録を開始時刻の降順で返す。
func (r *PostgresFastRecordRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.FastRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+fastRecordColumns+`
		 FROM fast_records
		 WHERE user_id = $1
		 ORDER BY start_time DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("断食記録一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.FastRecord
	for rows.Next() {
		record, err := scanFastRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("断食記録の読み取りに失敗しました: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("断食記録一覧の走査に失敗しました: %w", err)
	}
	return records, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFastRecord(s rowScanner) (*model.FastRecord, error) {
	record := &model.FastRecord{}
	err := s.Scan(
		&record.ID, &record.UserID,
		&record.StartTime, &record.EndTime,
		&record.DurationUnits, &record.OriginalGoalUnits,
		&record.Unit, &record.Cancelled, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// compile-time interface check
var _ FastRecordRepository = (*PostgresFastRecordRepo)(nil)
