// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/fasttrack/internal/model"
)

// ErrNotFound は更新対象の行が存在しない場合のエラー。
var ErrNotFound = errors.New("record not found")

// SessionRepository はセッションデータの永続化インターフェース。
// セッションの作成は外部の認証プロバイダーが行う。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// TimerStateRepository はユーザーごとのタイマー状態（1ユーザー1行）の永続化インターフェース。
type TimerStateRepository interface {
	// FindByUserID はユーザーのタイマー行を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.TimerRow, error)

	// Upsert はタイマー状態を丸ごと書き込む。行が存在しない場合は作成する。
	Upsert(ctx context.Context, userID string, state model.TimerState) error
}

// FastRecordRepository は断食記録の永続化インターフェース。
// 記録は (user_id, start_time) で一意。
type FastRecordRepository interface {
	// CreateIfAbsent は同じ開始時刻の記録が存在しない場合のみ作成する。
	// 作成した場合はtrueを返す。既存の場合はrecord.IDに既存のIDを設定する。
	CreateIfAbsent(ctx context.Context, record *model.FastRecord) (bool, error)

	// FindLatestByUserID はユーザーの最新の記録を取得する。見つからない場合はnilを返す。
	FindLatestByUserID(ctx context.Context, userID string) (*model.FastRecord, error)

	// UpdateEndTime は開始時刻で特定した記録の終了時刻と時間を更新する。
	// 対象が存在しない場合はErrNotFoundを返す。
	UpdateEndTime(ctx context.Context, userID string, start, end time.Time, durationUnits float64) error

	// ListByUserID はユーザーの記録を開始時刻の降順で返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.FastRecord, error)
}
