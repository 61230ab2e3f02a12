// Package timecalc は断食タイマーの時間計算（残り時間、経過時間、進捗率、
// レベル判定、ダイヤル角度変換）を純粋関数として提供する。
package timecalc

import (
	"fmt"
	"math"
	"time"
)

// Units は目標時間の単位設定を表す。
// 本番では時間単位（1単位=3600秒）、テスト構成では秒単位（1単位=1秒）を使用する。
type Units struct {
	Name       string  // 単位名: "hours" または "seconds"
	Multiplier int64   // 1単位あたりの秒数
	Min        float64 // 選択可能な最小目標
	Max        float64 // 選択可能な最大目標
}

// HoursUnits は本番構成の単位設定を返す（14〜48時間）。
func HoursUnits() Units {
	return Units{Name: "hours", Multiplier: 3600, Min: 14, Max: 48}
}

// SecondsUnits はテスト構成の単位設定を返す（14〜48秒）。
func SecondsUnits() Units {
	return Units{Name: "seconds", Multiplier: 1, Min: 14, Max: 48}
}

// ParseUnits は単位名からUnitsを返す。未知の単位名の場合はエラーを返す。
func ParseUnits(name string) (Units, error) {
	switch name {
	case "hours", "":
		return HoursUnits(), nil
	case "seconds":
		return SecondsUnits(), nil
	default:
		return Units{}, fmt.Errorf("unknown fasting unit: %s", name)
	}
}

// Duration は目標単位数を time.Duration に変換する。
func (u Units) Duration(units float64) time.Duration {
	return time.Duration(units * float64(u.Multiplier) * float64(time.Second))
}

// ToUnits は time.Duration を単位数に変換する。
func (u Units) ToUnits(d time.Duration) float64 {
	return d.Seconds() / float64(u.Multiplier)
}

// Clamp は目標値を[Min, Max]の範囲に収める。
func (u Units) Clamp(goal float64) float64 {
	return math.Max(u.Min, math.Min(u.Max, goal))
}

// InRange は目標値が[Min, Max]の範囲内かを返す。
func (u Units) InRange(goal float64) bool {
	return goal >= u.Min && goal <= u.Max
}

// RemainingOrElapsed は表示用の秒数を返す。
// 延長モードかつ元の目標時刻が過去の場合は、目標超過後の経過秒数（カウントアップ）を返す。
// それ以外は目標時刻までの残り秒数（カウントダウン）を返し、0でクランプする。
// 時計のずれで負の値になる場合も0を返す。
func RemainingOrElapsed(target, now time.Time, isExtended bool, originalGoal *time.Time) int64 {
	if isExtended && originalGoal != nil && !originalGoal.After(now) {
		return floorSeconds(now.Sub(*originalGoal))
	}
	return floorSeconds(target.Sub(now))
}

func floorSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// ProgressPercent は目標に対する進捗率（0〜100）を返す。
func ProgressPercent(goalUnits float64, secondsRemaining int64, u Units) float64 {
	goalSeconds := goalUnits * float64(u.Multiplier)
	if goalSeconds <= 0 {
		return 0
	}
	p := (goalSeconds - float64(secondsRemaining)) / goalSeconds * 100
	return math.Max(0, math.Min(100, p))
}

// GoalToAngle は目標値をダイヤル角度（0〜360度）に変換する。角度は丸めない。
func GoalToAngle(goal float64, u Units) float64 {
	span := u.Max - u.Min
	if span <= 0 {
		return 0
	}
	return (u.Clamp(goal) - u.Min) / span * 360
}

// AngleToGoal はダイヤル角度を目標値に変換する。目標値は最も近い整数単位に丸める。
func AngleToGoal(angle float64, u Units) float64 {
	a := math.Max(0, math.Min(360, angle))
	goal := u.Min + a/360*(u.Max-u.Min)
	return u.Clamp(math.Round(goal))
}

// FormatDuration は秒数を "HH:MM:SS" 形式の文字列にする。
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
