package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/timecalc"
)

// StateKey はタイマー状態を保存するキー。
const StateKey = "fasting-timer-state"

// storedState はローカルに保存するタイマー状態のJSON表現。
type storedState struct {
	GoalUnits  float64    `json:"goalUnits"`
	Angle      float64    `json:"angle"`
	IsRunning  bool       `json:"isRunning"`
	TargetTime *time.Time `json:"targetTime,omitempty"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	IsExtended bool       `json:"isExtended,omitempty"`
	// 延長中の場合の元の目標時刻
	OriginalGoalTime *time.Time `json:"originalGoalTime,omitempty"`
}

// Adapter はTimerStateをKVに読み書きする。
type Adapter struct {
	kv          KV
	units       timecalc.Units
	defaultGoal float64
	logger      *slog.Logger
}

// NewAdapter はAdapterを生成する。
func NewAdapter(kv KV, units timecalc.Units, defaultGoal float64, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{kv: kv, units: units, defaultGoal: defaultGoal, logger: logger}
}

// Load は保存済みの状態を読み込む。
// 未保存または壊れた値の場合はfalseを返し、呼び出し側は既定状態を使用する。
func (a *Adapter) Load(ctx context.Context) (model.TimerState, bool, error) {
	raw, ok, err := a.kv.Get(ctx, StateKey)
	if err != nil {
		return model.TimerState{}, false, fmt.Errorf("failed to load local timer state: %w", err)
	}
	if !ok {
		return model.TimerState{}, false, nil
	}

	var stored storedState
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		a.logger.Warn("ローカル保存の状態が不正なため無視します", slog.String("error", err.Error()))
		return model.TimerState{}, false, nil
	}

	s := model.NewTimerState(a.defaultGoal, a.units)
	if stored.GoalUnits > 0 {
		s.SetGoal(stored.GoalUnits, a.units)
	}
	s.IsRunning = stored.IsRunning && stored.TargetTime != nil
	if s.IsRunning {
		s.TargetTime = stored.TargetTime
		s.StartTime = stored.StartTime
		if s.StartTime == nil {
			start := stored.TargetTime.Add(-a.units.Duration(s.GoalUnits))
			s.StartTime = &start
		}
		if stored.IsExtended && stored.OriginalGoalTime != nil {
			s.IsExtended = true
			s.OriginalGoalTime = stored.OriginalGoalTime
		}
	}
	return s, true, nil
}

// Save は状態を保存する。
func (a *Adapter) Save(ctx context.Context, s model.TimerState) error {
	stored := storedState{
		GoalUnits:  s.GoalUnits,
		Angle:      s.AngleDegrees,
		IsRunning:  s.IsRunning,
		TargetTime: s.TargetTime,
	}
	if s.IsRunning {
		stored.StartTime = s.StartTime
		stored.IsExtended = s.IsExtended
		stored.OriginalGoalTime = s.OriginalGoalTime
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode local timer state: %w", err)
	}
	if err := a.kv.Set(ctx, StateKey, string(data)); err != nil {
		return fmt.Errorf("failed to save local timer state: %w", err)
	}
	return nil
}
