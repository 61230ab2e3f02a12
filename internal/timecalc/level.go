package timecalc

// Level は目標時間に応じた断食レベルの表示メタデータを表す。
type Level struct {
	Key   string  `json:"key"`
	Label string  `json:"label"`
	Color string  `json:"color"`
	Range string  `json:"range"`
	From  float64 `json:"-"`
	To    float64 `json:"-"`
}

// levels は目標値の昇順に並んだレベル定義。
// 下限を含み上限を含まない（最後のレベルのみ上限も含む）。
var levels = []Level{
	{Key: "gentle", Label: "Gentle", Color: "#7dd3a8", Range: "14-16", From: 14, To: 16},
	{Key: "classic", Label: "Classic", Color: "#4fb3d9", Range: "16-18", From: 16, To: 18},
	{Key: "focused", Label: "Focused", Color: "#6c7ee1", Range: "18-20", From: 18, To: 20},
	{Key: "warrior", Label: "Warrior", Color: "#b36ce1", Range: "20-24", From: 20, To: 24},
	{Key: "extended", Label: "Extended", Color: "#e1a56c", Range: "24-36", From: 24, To: 36},
	{Key: "monk", Label: "Monk", Color: "#e1546c", Range: "36-48", From: 36, To: 48},
}

// Levels はレベル定義の一覧のコピーを返す。
func Levels() []Level {
	out := make([]Level, len(levels))
	copy(out, levels)
	return out
}

// LevelFor は目標値に対応するレベルを返す。
// 範囲外の値は最も近い端のレベルに分類する。
func LevelFor(goalUnits float64) Level {
	if goalUnits < levels[0].From {
		return levels[0]
	}
	last := len(levels) - 1
	for i, l := range levels {
		if i == last {
			break
		}
		if goalUnits >= l.From && goalUnits < l.To {
			return l
		}
	}
	return levels[last]
}

// BodyMode は経過時間に応じた身体の状態を表す。
type BodyMode struct {
	Key         string  `json:"key"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
	From        float64 `json:"-"`
	To          float64 `json:"-"` // 0は上限なし
}

var bodyModes = []BodyMode{
	{Key: "fed", Label: "Fed state", Description: "Blood sugar rises and insulin is released.", From: 0, To: 4},
	{Key: "early_fasting", Label: "Early fasting", Description: "Blood sugar normalizes and glycogen is used.", From: 4, To: 12},
	{Key: "fat_burning", Label: "Fat burning", Description: "Glycogen runs low and fat becomes the main fuel.", From: 12, To: 18},
	{Key: "ketosis", Label: "Ketosis", Description: "The liver produces ketone bodies.", From: 18, To: 24},
	{Key: "deep_ketosis", Label: "Deep ketosis", Description: "Autophagy increases and ketone levels stay high.", From: 24, To: 0},
}

// BodyModes はボディモード定義の一覧のコピーを返す。
func BodyModes() []BodyMode {
	out := make([]BodyMode, len(bodyModes))
	copy(out, bodyModes)
	return out
}

// ElapsedUnits は開始からの経過単位数を返す。
// 延長モードではsecondsRemainingを目標超過後の経過秒数として扱う。
func ElapsedUnits(goalUnits float64, secondsRemaining int64, u Units, isExtended bool) float64 {
	m := float64(u.Multiplier)
	if isExtended {
		return goalUnits + float64(secondsRemaining)/m
	}
	elapsed := goalUnits - float64(secondsRemaining)/m
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// BodyModeFor は経過単位数に対応するボディモードを返す。
// 境界は下限を含み上限を含まない。
func BodyModeFor(goalUnits float64, secondsRemaining int64, u Units, isExtended bool) BodyMode {
	elapsed := ElapsedUnits(goalUnits, secondsRemaining, u, isExtended)
	for _, b := range bodyModes {
		if elapsed >= b.From && (b.To == 0 || elapsed < b.To) {
			return b
		}
	}
	return bodyModes[0]
}
