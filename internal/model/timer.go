// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"

	"github.com/hitoshi/fasttrack/internal/timecalc"
)

// TimerState は断食タイマーの正準状態を表す。
// UIはこの状態から表示値を導出する。
type TimerState struct {
	GoalUnits        float64    // 目標時間（設定単位）
	AngleDegrees     float64    // ダイヤル角度。GoalUnitsと常に線形対応する
	IsRunning        bool       // 計測中かどうか
	TargetTime       *time.Time // 目標達成時刻。未計測時はnil
	IsExtended       bool       // 目標達成後の延長モードかどうか
	OriginalGoalTime *time.Time // 延長開始時点のTargetTime
	StartTime        *time.Time // 開始時刻。ユーザーが後から編集できる
	UpdatedAt        time.Time
}

// NewTimerState は既定の目標で待機中の状態を生成する。
func NewTimerState(goal float64, u timecalc.Units) TimerState {
	s := TimerState{}
	s.SetGoal(goal, u)
	return s
}

// SetGoal は目標を設定し、角度を再計算する。
func (s *TimerState) SetGoal(goal float64, u timecalc.Units) {
	s.GoalUnits = u.Clamp(goal)
	s.AngleDegrees = timecalc.GoalToAngle(s.GoalUnits, u)
}

// SetAngle は角度を設定し、目標を再計算する。
func (s *TimerState) SetAngle(angle float64, u timecalc.Units) {
	s.GoalUnits = timecalc.AngleToGoal(angle, u)
	s.AngleDegrees = angle
	if s.AngleDegrees < 0 {
		s.AngleDegrees = 0
	}
	if s.AngleDegrees > 360 {
		s.AngleDegrees = 360
	}
}

// Validate は状態の不変条件を検証する。
func (s TimerState) Validate() error {
	if s.IsRunning && s.TargetTime == nil {
		return fmt.Errorf("running timer has no target time")
	}
	if s.IsExtended && s.OriginalGoalTime == nil {
		return fmt.Errorf("extended timer has no original goal time")
	}
	return nil
}

// Clone はポインタフィールドを複製した状態を返す。
func (s TimerState) Clone() TimerState {
	out := s
	out.TargetTime = cloneTime(s.TargetTime)
	out.OriginalGoalTime = cloneTime(s.OriginalGoalTime)
	out.StartTime = cloneTime(s.StartTime)
	return out
}

// Equal は2つの状態がタイムスタンプを除いて同一かを返す。
func (s TimerState) Equal(o TimerState) bool {
	return s.GoalUnits == o.GoalUnits &&
		s.AngleDegrees == o.AngleDegrees &&
		s.IsRunning == o.IsRunning &&
		s.IsExtended == o.IsExtended &&
		timeEqual(s.TargetTime, o.TargetTime) &&
		timeEqual(s.OriginalGoalTime, o.OriginalGoalTime) &&
		timeEqual(s.StartTime, o.StartTime)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// TimePtr はtime.Timeのポインタを返す。
func TimePtr(t time.Time) *time.Time {
	return &t
}

// FastRecord は完了（または中断）した断食の履歴を表す。
// (UserID, StartTime) の組で一意。
type FastRecord struct {
	ID                string
	UserID            string
	StartTime         time.Time
	EndTime           time.Time
	DurationUnits     float64
	OriginalGoalUnits float64
	Unit              string
	Cancelled         bool
	CreatedAt         time.Time
}
