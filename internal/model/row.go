package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/fasttrack/internal/timecalc"
)

// TimerRow はtimer_statesテーブルの1行を表す。
// リモートストアとの境界でのみ使用し、オーケストレーター内部ではTimerStateに変換する。
// 通知ペイロード（row_to_json）のデコードにも使用する。
type TimerRow struct {
	UserID           string     `json:"user_id"`
	Hours            *float64   `json:"hours"`
	Angle            *float64   `json:"angle"`
	IsRunning        *bool      `json:"is_running"`
	TargetTime       *time.Time `json:"target_time"`
	IsExtended       *bool      `json:"is_extended"`
	OriginalGoalTime *time.Time `json:"original_goal_time"`
	StartTime        *time.Time `json:"start_time"`
	UpdatedAt        *time.Time `json:"updated_at"`
}

// DecodeTimerRow は通知ペイロードのJSONをTimerRowにデコードする。
func DecodeTimerRow(payload []byte) (TimerRow, error) {
	var row TimerRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return TimerRow{}, fmt.Errorf("failed to decode timer row: %w", err)
	}
	if row.UserID == "" {
		return TimerRow{}, fmt.Errorf("timer row has no user_id")
	}
	return row, nil
}

// ToState はTimerRowをTimerStateに変換する。
// 欠落したオプション項目は「機能なし」として既定値を適用する。
// 目標と角度の対応は目標側を正として再計算する。
func (r TimerRow) ToState(defaultGoal float64, u timecalc.Units) TimerState {
	s := TimerState{}
	switch {
	case r.Hours != nil:
		s.SetGoal(*r.Hours, u)
	case r.Angle != nil:
		s.SetAngle(*r.Angle, u)
	default:
		s.SetGoal(defaultGoal, u)
	}

	if r.IsRunning != nil {
		s.IsRunning = *r.IsRunning
	}
	s.TargetTime = cloneTime(r.TargetTime)
	if s.IsRunning && s.TargetTime == nil {
		// 目標時刻のない計測中状態は不正なので待機中として扱う
		s.IsRunning = false
	}
	if r.IsExtended != nil && *r.IsExtended && r.OriginalGoalTime != nil {
		s.IsExtended = true
		s.OriginalGoalTime = cloneTime(r.OriginalGoalTime)
	}
	s.StartTime = cloneTime(r.StartTime)
	if s.IsRunning && s.StartTime == nil {
		start := s.TargetTime.Add(-u.Duration(s.GoalUnits))
		s.StartTime = &start
	}
	if r.UpdatedAt != nil {
		s.UpdatedAt = *r.UpdatedAt
	}
	return s
}

// TimerRowFromState はTimerStateからTimerRowを生成する。
func TimerRowFromState(userID string, s TimerState) TimerRow {
	hours := s.GoalUnits
	angle := s.AngleDegrees
	running := s.IsRunning
	extended := s.IsExtended
	row := TimerRow{
		UserID:           userID,
		Hours:            &hours,
		Angle:            &angle,
		IsRunning:        &running,
		TargetTime:       cloneTime(s.TargetTime),
		IsExtended:       &extended,
		OriginalGoalTime: cloneTime(s.OriginalGoalTime),
		StartTime:        cloneTime(s.StartTime),
	}
	if !s.UpdatedAt.IsZero() {
		row.UpdatedAt = TimePtr(s.UpdatedAt)
	}
	return row
}

// IsGhost は計測中を主張しながら目標時刻が既に過ぎている行かどうかを返す。
// 延長モードの行は目標時刻を過ぎていても正当なのでゴーストではない。
func (r TimerRow) IsGhost(receivedAt time.Time) bool {
	if r.IsRunning == nil || !*r.IsRunning || r.TargetTime == nil {
		return false
	}
	if r.IsExtended != nil && *r.IsExtended {
		return false
	}
	return r.TargetTime.Before(receivedAt)
}
