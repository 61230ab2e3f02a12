package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fasttrack/internal/model"
)

// PostgresTimerStateRepo はPostgreSQLを使用したタイマー状態リポジトリ。
// timer_statesへの書き込みはトリガーによりtimer_state_changedチャネルへ通知される。
type PostgresTimerStateRepo struct {
	db *sql.DB
}

// NewPostgresTimerStateRepo はPostgresTimerStateRepoを生成する。
func NewPostgresTimerStateRepo(db *sql.DB) *PostgresTimerStateRepo {
	return &PostgresTimerStateRepo{db: db}
}

// FindByUserID はユーザーのタイマー行を取得する。見つからない場合はnilを返す。
func (r *PostgresTimerStateRepo) FindByUserID(ctx context.Context, userID string) (*model.TimerRow, error) {
	var (
		hours, angle                       sql.NullFloat64
		isRunning, isExtended              sql.NullBool
		target, originalGoal, start, updAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT hours, angle, is_running, target_time, is_extended, original_goal_time, start_time, updated_at
		 FROM timer_states WHERE user_id = $1`,
		userID,
	).Scan(&hours, &angle, &isRunning, &target, &isExtended, &originalGoal, &start, &updAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タイマー状態の取得に失敗しました: %w", err)
	}

	row := &model.TimerRow{UserID: userID}
	if hours.Valid {
		row.Hours = &hours.Float64
	}
	if angle.Valid {
		row.Angle = &angle.Float64
	}
	if isRunning.Valid {
		row.IsRunning = &isRunning.Bool
	}
	if isExtended.Valid {
		row.IsExtended = &isExtended.Bool
	}
	row.TargetTime = nullTimePtr(target)
	row.OriginalGoalTime = nullTimePtr(originalGoal)
	row.StartTime = nullTimePtr(start)
	row.UpdatedAt = nullTimePtr(updAt)
	return row, nil
}

// Upsert はタイマー状態を丸ごと書き込む。
// UNIQUE(user_id)制約を利用したINSERT ON CONFLICTで実装する。
func (r *PostgresTimerStateRepo) Upsert(ctx context.Context, userID string, state model.TimerState) error {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO timer_states (user_id, hours, angle, is_running, target_time, is_extended, original_goal_time, start_time, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id) DO UPDATE SET
		     hours = EXCLUDED.hours,
		     angle = EXCLUDED.angle,
		     is_running = EXCLUDED.is_running,
		     target_time = EXCLUDED.target_time,
		     is_extended = EXCLUDED.is_extended,
		     original_goal_time = EXCLUDED.original_goal_time,
		     start_time = EXCLUDED.start_time,
		     updated_at = EXCLUDED.updated_at`,
		userID,
		state.GoalUnits, state.AngleDegrees,
		state.IsRunning, state.TargetTime,
		state.IsExtended, state.OriginalGoalTime,
		state.StartTime, updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("タイマー状態の保存に失敗しました: %w", err)
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// compile-time interface check
var _ TimerStateRepository = (*PostgresTimerStateRepo)(nil)
