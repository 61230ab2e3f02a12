// Package timer は断食タイマーの状態機械を提供する。
// 遷移は現在のフェーズに対して定義され、定義外のフェーズからの呼び出しは
// 状態を変えずに*TransitionErrorを返す。
package timer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/timecalc"
)

// Phase はタイマーのフェーズを表す。
type Phase string

const (
	// PhaseIdle は計測しておらず、完了サマリーも表示していない状態。
	PhaseIdle Phase = "idle"
	// PhaseRunning は目標未達の計測中状態。
	PhaseRunning Phase = "running"
	// PhaseRunningExtended は目標達成後に延長してカウントアップしている状態。
	PhaseRunningExtended Phase = "running_extended"
	// PhaseAwaitingDecision は目標に達し、延長か終了かの選択を待っている状態。
	PhaseAwaitingDecision Phase = "awaiting_decision"
	// PhaseCompletedSummary は終了後に記録を表示している状態。
	PhaseCompletedSummary Phase = "completed_summary"
)

var (
	// ErrStartInFuture は開始時刻に未来が指定された場合のエラー。
	ErrStartInFuture = errors.New("start time is in the future")
	// ErrGoalOutOfRange は目標が設定範囲外の場合のエラー。
	ErrGoalOutOfRange = errors.New("goal is out of range")
	// ErrEndBeforeStart は記録の終了時刻が開始時刻以前の場合のエラー。
	ErrEndBeforeStart = errors.New("end time is not after start time")
)

// TransitionError は現在のフェーズで許可されない遷移を呼び出した場合のエラー。
type TransitionError struct {
	Op   string
	From Phase
}

// Error はerrorインターフェースを実装する。
func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s is not allowed from %s", e.Op, e.From)
}

// Machine は断食タイマーの状態機械。
// goroutineセーフではないため、呼び出し側で直列化すること。
type Machine struct {
	units   timecalc.Units
	now     func() time.Time
	effects *Effects

	state    model.TimerState
	phase    Phase
	latched  bool              // 今回の計測で目標達成イベントを発火済みか
	snapshot *model.FastRecord // 目標達成時点の記録
	summary  *model.FastRecord // 終了後に表示する記録
}

// Option はMachineの設定を変更する。
type Option func(*Machine)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithEffects は副作用リソースを設定する。
func WithEffects(e *Effects) Option {
	return func(m *Machine) {
		m.effects = e
	}
}

// NewMachine は待機中のMachineを生成する。
func NewMachine(units timecalc.Units, defaultGoal float64, opts ...Option) *Machine {
	m := &Machine{
		units: units,
		now:   time.Now,
		state: model.NewTimerState(defaultGoal, units),
		phase: PhaseIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State は正準状態のコピーを返す。
func (m *Machine) State() model.TimerState {
	return m.state.Clone()
}

// Phase は現在のフェーズを返す。
func (m *Machine) Phase() Phase {
	return m.phase
}

// Units は単位設定を返す。
func (m *Machine) Units() timecalc.Units {
	return m.units
}

// Summary は完了サマリーの記録を返す。PhaseCompletedSummary以外ではnil。
func (m *Machine) Summary() *model.FastRecord {
	if m.summary == nil {
		return nil
	}
	r := *m.summary
	return &r
}

// Pending は目標達成時点の記録を返す。PhaseAwaitingDecision以外ではnil。
func (m *Machine) Pending() *model.FastRecord {
	if m.phase != PhaseAwaitingDecision || m.snapshot == nil {
		return nil
	}
	r := *m.snapshot
	return &r
}

func (m *Machine) deny(op string) error {
	return &TransitionError{Op: op, From: m.phase}
}

func (m *Machine) touch(now time.Time) {
	m.state.UpdatedAt = storedInstant(now)
}

// SetGoal は計測していない状態で目標を変更する（ダイヤル操作）。
func (m *Machine) SetGoal(goal float64) error {
	if m.state.IsRunning {
		return m.deny("set_goal")
	}
	if !m.units.InRange(goal) {
		return ErrGoalOutOfRange
	}
	m.state.SetGoal(goal, m.units)
	m.touch(m.now())
	return nil
}

// SetAngle は計測していない状態でダイヤル角度を変更し、目標を再計算する。
func (m *Machine) SetAngle(angle float64) error {
	if m.state.IsRunning {
		return m.deny("set_angle")
	}
	m.state.SetAngle(angle, m.units)
	m.touch(m.now())
	return nil
}

// Start は計測を開始する。customStartがnilの場合は現在時刻を開始時刻とする。
// 延長フラグと目標達成のラッチをリセットする。
func (m *Machine) Start(customStart *time.Time) error {
	if m.state.IsRunning {
		return m.deny("start")
	}
	now := m.now()
	start := now
	if customStart != nil {
		if customStart.After(now) {
			return ErrStartInFuture
		}
		start = *customStart
	}
	start = storedInstant(start)

	target := start.Add(m.units.Duration(m.state.GoalUnits))
	m.state.IsRunning = true
	m.state.IsExtended = false
	m.state.OriginalGoalTime = nil
	m.state.StartTime = &start
	m.state.TargetTime = &target
	m.touch(now)

	m.latched = false
	m.snapshot = nil
	m.summary = nil
	m.phase = PhaseRunning

	m.effects.prepare()
	return nil
}

// Cancel は計測を中断し、経過時間から記録を作成してPhaseCompletedSummaryに遷移する。
// 経過が1単位未満の場合は記録をCancelledとしてマークする（破棄はしない）。
func (m *Machine) Cancel() (*model.FastRecord, error) {
	if !m.state.IsRunning {
		return nil, m.deny("cancel")
	}
	now := m.now()
	start := m.startTime()
	elapsed := m.units.ToUnits(now.Sub(start))
	if elapsed < 0 {
		elapsed = 0
	}

	record := &model.FastRecord{
		StartTime:         start,
		EndTime:           now,
		DurationUnits:     roundTenth(elapsed),
		OriginalGoalUnits: m.state.GoalUnits,
		Unit:              m.units.Name,
		Cancelled:         elapsed < 1,
	}
	m.finish(record, now)
	return m.Summary(), nil
}

// ChangeGoal は計測中に目標を変更する。
// 目標時刻は現在時刻ではなく元の開始時刻から再計算するため、経過は失われない。
// 延長中の場合は延長を終了する。
func (m *Machine) ChangeGoal(goal float64) error {
	if !m.state.IsRunning {
		return m.deny("change_goal")
	}
	if !m.units.InRange(goal) {
		return ErrGoalOutOfRange
	}
	now := m.now()
	m.state.SetGoal(goal, m.units)
	target := m.startTime().Add(m.units.Duration(goal))
	m.state.TargetTime = &target
	m.state.IsExtended = false
	m.state.OriginalGoalTime = nil
	m.snapshot = nil
	m.phase = PhaseRunning
	m.touch(now)
	m.Tick(now)
	return nil
}

// ChangeStartTime は計測中に開始時刻を変更し、目標時刻を再計算する。
// 未来の開始時刻は拒否する。
func (m *Machine) ChangeStartTime(start time.Time) error {
	if !m.state.IsRunning {
		return m.deny("change_start_time")
	}
	now := m.now()
	if start.After(now) {
		return ErrStartInFuture
	}
	start = storedInstant(start)
	target := start.Add(m.units.Duration(m.state.GoalUnits))
	m.state.StartTime = &start
	m.state.TargetTime = &target
	if m.state.IsExtended {
		if target.After(now) {
			// 新しい目標時刻が未来なら延長の前提が崩れるのでカウントダウンに戻す
			m.state.IsExtended = false
			m.state.OriginalGoalTime = nil
			m.phase = PhaseRunning
		} else {
			m.state.OriginalGoalTime = &target
		}
	} else if m.phase == PhaseAwaitingDecision {
		m.snapshot = nil
		m.phase = PhaseRunning
	}
	m.touch(now)
	m.Tick(now)
	return nil
}

// Tick は時刻の経過を反映する。
// 目標時刻に達した場合、その計測で初回のみ目標達成イベントを発火し、trueを返す。
// ラッチ済みの場合は副作用なしでPhaseAwaitingDecisionに遷移する。
func (m *Machine) Tick(now time.Time) bool {
	if m.phase != PhaseRunning || m.state.TargetTime == nil {
		return false
	}
	if timecalc.RemainingOrElapsed(*m.state.TargetTime, now, false, nil) > 0 {
		return false
	}
	if m.snapshot == nil {
		m.snapshot = &model.FastRecord{
			StartTime:         m.startTime(),
			EndTime:           *m.state.TargetTime,
			DurationUnits:     m.state.GoalUnits,
			OriginalGoalUnits: m.state.GoalUnits,
			Unit:              m.units.Name,
		}
	}
	m.phase = PhaseAwaitingDecision
	if m.latched {
		return false
	}
	m.reachGoal()
	return true
}

func (m *Machine) reachGoal() {
	m.latched = true
	m.effects.completed(
		"Fasting goal reached",
		fmt.Sprintf("You completed your %s-%s fast.", formatUnits(m.state.GoalUnits), m.units.Name),
	)
}

// ContinueExtended は目標達成後に延長モードへ移行する。
// 以後の表示は目標超過後の経過時間（カウントアップ）になる。
func (m *Machine) ContinueExtended() error {
	if m.phase != PhaseAwaitingDecision {
		return m.deny("continue_extended")
	}
	now := m.now()
	original := *m.state.TargetTime
	m.state.IsExtended = true
	m.state.OriginalGoalTime = &original
	m.phase = PhaseRunningExtended
	m.touch(now)
	return nil
}

// Stop は目標達成後の計測を終了し、PhaseCompletedSummaryに遷移する。
// 延長中の場合は目標に超過分を加えた時間で記録を確定する。
func (m *Machine) Stop() (*model.FastRecord, error) {
	if m.phase != PhaseAwaitingDecision && m.phase != PhaseRunningExtended {
		return nil, m.deny("stop")
	}
	now := m.now()

	var record *model.FastRecord
	if m.phase == PhaseRunningExtended {
		beyond := timecalc.RemainingOrElapsed(*m.state.TargetTime, now, true, m.state.OriginalGoalTime)
		record = &model.FastRecord{
			StartTime:         m.startTime(),
			EndTime:           now,
			DurationUnits:     roundTenth(m.state.GoalUnits + float64(beyond)/float64(m.units.Multiplier)),
			OriginalGoalUnits: m.state.GoalUnits,
			Unit:              m.units.Name,
		}
	} else {
		r := *m.snapshot
		record = &r
	}
	m.finish(record, now)
	return m.Summary(), nil
}

// StartNewFast は完了記録を破棄してPhaseIdleに戻る。
// PhaseAwaitingDecisionから呼ばれた場合は、目標達成時点の記録を返す（呼び出し側で保存する）。
func (m *Machine) StartNewFast() (*model.FastRecord, error) {
	if m.phase != PhaseCompletedSummary && m.phase != PhaseAwaitingDecision {
		return nil, m.deny("start_new_fast")
	}
	var pending *model.FastRecord
	if m.phase == PhaseAwaitingDecision {
		pending = m.Pending()
		m.clearRun()
	}
	m.summary = nil
	m.snapshot = nil
	m.phase = PhaseIdle
	m.touch(m.now())
	return pending, nil
}

// UpdateCompletedRecord は完了記録の終了時刻を変更し、時間を小数第1位で再計算する。
// 目標に対する再検証は行わない。
func (m *Machine) UpdateCompletedRecord(end time.Time) (*model.FastRecord, error) {
	if m.phase != PhaseCompletedSummary || m.summary == nil {
		return nil, m.deny("update_completed_record")
	}
	if !end.After(m.summary.StartTime) {
		return nil, ErrEndBeforeStart
	}
	m.summary.EndTime = storedInstant(end)
	m.summary.DurationUnits = roundTenth(m.units.ToUnits(end.Sub(m.summary.StartTime)))
	return m.Summary(), nil
}

// AttachSummaryID は保存済み記録のIDを、開始時刻が一致する完了サマリーに反映する。
func (m *Machine) AttachSummaryID(start time.Time, id string) {
	if m.summary != nil && sameInstant(m.summary.StartTime, start) {
		m.summary.ID = id
	}
}

// Restore は正準状態を丸ごと置き換え、フェーズを状態から導出する。
// 別の計測（開始時刻が異なる）に切り替わった場合はラッチをリセットする。
// 計測中でない状態を受け取った場合、完了サマリー表示中ならそれを維持する。
// 目標待ちのフェーズは保持せず、置き換え後の目標時刻でTickし直して導出する。
func (m *Machine) Restore(s model.TimerState) {
	sameRun := m.state.StartTime != nil && s.StartTime != nil && sameInstant(*m.state.StartTime, *s.StartTime)
	m.state = s.Clone()
	if !m.state.IsRunning {
		m.state.TargetTime = nil
		m.state.IsExtended = false
		m.state.OriginalGoalTime = nil
		m.state.StartTime = nil
		m.latched = false
		m.snapshot = nil
		if m.phase != PhaseCompletedSummary {
			m.phase = PhaseIdle
		}
		return
	}

	if !sameRun {
		m.latched = false
	}
	// 目標が変わっている可能性があるので達成時点の記録は作り直す
	m.snapshot = nil
	m.summary = nil
	if m.state.IsExtended {
		m.phase = PhaseRunningExtended
		return
	}
	// ラッチ済みならTickは副作用なしでPhaseAwaitingDecisionに戻す
	m.phase = PhaseRunning
	m.Tick(m.now())
}

func (m *Machine) finish(record *model.FastRecord, now time.Time) {
	m.summary = record
	m.clearRun()
	m.snapshot = nil
	m.phase = PhaseCompletedSummary
	m.touch(now)
}

func (m *Machine) clearRun() {
	m.state.IsRunning = false
	m.state.TargetTime = nil
	m.state.IsExtended = false
	m.state.OriginalGoalTime = nil
	m.state.StartTime = nil
}

// startTime は開始時刻を返す。古い行で開始時刻が欠落している場合は目標時刻から逆算する。
func (m *Machine) startTime() time.Time {
	if m.state.StartTime != nil {
		return *m.state.StartTime
	}
	if m.state.TargetTime != nil {
		return m.state.TargetTime.Add(-m.units.Duration(m.state.GoalUnits))
	}
	return m.now()
}

// storedInstant はPostgreSQLのtimestamptzと同じマイクロ秒精度に切り詰める。
// 書き戻された行の開始時刻が、手元の開始時刻と一致するようにする。
func storedInstant(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

// sameInstant はマイクロ秒精度で同じ時刻かどうかを返す。
func sameInstant(a, b time.Time) bool {
	return storedInstant(a).Equal(storedInstant(b))
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

func formatUnits(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}
