package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fasttrack/internal/middleware"
	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/timecalc"
	"github.com/hitoshi/fasttrack/internal/timer"
	"github.com/hitoshi/fasttrack/internal/timersync"
)

// TimerController はタイマーハンドラーが操作する1操作主体分のタイマー。
// *timersync.Orchestrator が満たす。
type TimerController interface {
	SetGoal(ctx context.Context, goal float64) error
	SetAngle(ctx context.Context, angle float64) error
	Start(ctx context.Context, customStart *time.Time) error
	Cancel(ctx context.Context) (*model.FastRecord, error)
	ChangeGoal(ctx context.Context, goal float64) error
	ChangeStartTime(ctx context.Context, start time.Time) error
	ContinueExtended(ctx context.Context) error
	Stop(ctx context.Context) (*model.FastRecord, error)
	StartNewFast(ctx context.Context) (*model.FastRecord, error)
	UpdateCompletedRecord(ctx context.Context, end time.Time) (*model.FastRecord, error)
	Refresh(ctx context.Context, trigger string) (bool, error)
	Snapshot(now time.Time) timersync.View
}

// TimerProvider は操作主体ごとのTimerControllerを返す。
// 初回の呼び出しで保存済みの状態を読み込む。
type TimerProvider interface {
	Get(ctx context.Context, identity model.Identity) (TimerController, error)
}

// TimerHandler はタイマー操作のHTTPハンドラー。
type TimerHandler struct {
	provider TimerProvider
	units    timecalc.Units
	now      func() time.Time
}

// NewTimerHandler はTimerHandlerを生成する。
func NewTimerHandler(provider TimerProvider, units timecalc.Units) *TimerHandler {
	return &TimerHandler{
		provider: provider,
		units:    units,
		now:      time.Now,
	}
}

// --- リクエスト型 ---

// goalRequest は目標変更リクエストのボディ。goalとangleのどちらか一方を指定する。
type goalRequest struct {
	Goal  *float64 `json:"goal,omitempty"`
	Angle *float64 `json:"angle,omitempty"`
}

// startRequest は計測開始リクエストのボディ。start_time省略時は現在時刻から開始する。
type startRequest struct {
	StartTime *time.Time `json:"start_time,omitempty"`
}

// startTimeRequest は開始時刻変更リクエストのボディ。
type startTimeRequest struct {
	StartTime *time.Time `json:"start_time"`
}

// recordRequest は完了記録の終了時刻変更リクエストのボディ。
type recordRequest struct {
	EndTime *time.Time `json:"end_time"`
}

// visibilityRequest は画面の表示状態の通知。
type visibilityRequest struct {
	Visible bool `json:"visible"`
}

// --- レスポンス型 ---

// fastRecordResponse は断食記録のレスポンス。
type fastRecordResponse struct {
	ID           string    `json:"id,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Duration     float64   `json:"duration"`
	OriginalGoal float64   `json:"original_goal"`
	Unit         string    `json:"unit"`
	Cancelled    bool      `json:"cancelled"`
}

// timerResponse はタイマーの表示値のレスポンス。
type timerResponse struct {
	Phase                  string              `json:"phase"`
	Authenticated          bool                `json:"authenticated"`
	Goal                   float64             `json:"goal"`
	Angle                  float64             `json:"angle"`
	Unit                   string              `json:"unit"`
	MinGoal                float64             `json:"min_goal"`
	MaxGoal                float64             `json:"max_goal"`
	IsRunning              bool                `json:"is_running"`
	IsExtended             bool                `json:"is_extended"`
	StartTime              *time.Time          `json:"start_time"`
	TargetTime             *time.Time          `json:"target_time"`
	OriginalGoalTime       *time.Time          `json:"original_goal_time"`
	SecondsRemaining       int64               `json:"seconds_remaining"`
	Display                string              `json:"display"`
	ProgressPercent        float64             `json:"progress_percent"`
	Level                  timecalc.Level      `json:"level"`
	BodyMode               *timecalc.BodyMode  `json:"body_mode"`
	Pending                *fastRecordResponse `json:"pending"`
	Summary                *fastRecordResponse `json:"summary"`
	LastFast               *fastRecordResponse `json:"last_fast"`
	ShowTimeSinceLastFast  bool                `json:"show_time_since_last_fast"`
	SecondsSinceLastFast   int64               `json:"seconds_since_last_fast"`
	SyncStatus             string              `json:"sync_status"`
	NotificationPermission string              `json:"notification_permission"`
	ServerTime             time.Time           `json:"server_time"`
	Record                 *fastRecordResponse `json:"record,omitempty"`
}

// visibilityResponse は表示状態通知のレスポンス。
type visibilityResponse struct {
	Refreshed bool          `json:"refreshed"`
	Timer     timerResponse `json:"timer"`
}

func toFastRecordResponse(r *model.FastRecord) *fastRecordResponse {
	if r == nil {
		return nil
	}
	return &fastRecordResponse{
		ID:           r.ID,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		Duration:     r.DurationUnits,
		OriginalGoal: r.OriginalGoalUnits,
		Unit:         r.Unit,
		Cancelled:    r.Cancelled,
	}
}

func toTimerResponse(v timersync.View) timerResponse {
	resp := timerResponse{
		Phase:                  string(v.Phase),
		Authenticated:          v.Identity.Authenticated,
		Goal:                   v.State.GoalUnits,
		Angle:                  v.State.AngleDegrees,
		Unit:                   v.Units.Name,
		MinGoal:                v.Units.Min,
		MaxGoal:                v.Units.Max,
		IsRunning:              v.State.IsRunning,
		IsExtended:             v.State.IsExtended,
		StartTime:              v.State.StartTime,
		TargetTime:             v.State.TargetTime,
		OriginalGoalTime:       v.State.OriginalGoalTime,
		SecondsRemaining:       v.SecondsRemaining,
		ProgressPercent:        v.ProgressPercent,
		Level:                  v.Level,
		BodyMode:               v.BodyMode,
		Pending:                toFastRecordResponse(v.Pending),
		Summary:                toFastRecordResponse(v.Summary),
		LastFast:               toFastRecordResponse(v.LastFast),
		ShowTimeSinceLastFast:  v.ShowTimeSinceLastFast,
		SecondsSinceLastFast:   v.SecondsSinceLastFast,
		SyncStatus:             string(v.SyncStatus),
		NotificationPermission: string(v.Permission),
		ServerTime:             v.ServerTime,
	}
	switch {
	case v.State.IsRunning:
		resp.Display = timecalc.FormatDuration(v.SecondsRemaining)
	case v.ShowTimeSinceLastFast:
		resp.Display = timecalc.FormatDuration(v.SecondsSinceLastFast)
	default:
		resp.Display = timecalc.FormatDuration(int64(v.Units.Duration(v.State.GoalUnits) / time.Second))
	}
	return resp
}

// GetTimer は現在のタイマーの表示値を返す。
// GET /api/timer
func (h *TimerHandler) GetTimer(w http.ResponseWriter, r *http.Request) {
	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	h.writeTimer(w, ctl, nil)
}

// UpdateGoal は目標を変更する。
// 計測していない場合はダイヤル操作（goalまたはangle）、計測中は目標の変更として扱う。
// PUT /api/timer/goal
func (h *TimerHandler) UpdateGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Goal == nil && req.Angle == nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("goal または angle を指定してください"))
		return
	}

	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}

	running := ctl.Snapshot(h.now()).State.IsRunning
	var err error
	switch {
	case running && req.Goal != nil:
		err = ctl.ChangeGoal(r.Context(), *req.Goal)
	case running:
		err = ctl.ChangeGoal(r.Context(), timecalc.AngleToGoal(*req.Angle, h.units))
	case req.Angle != nil:
		err = ctl.SetAngle(r.Context(), *req.Angle)
	default:
		err = ctl.SetGoal(r.Context(), *req.Goal)
	}
	if err != nil {
		h.handleTimerError(w, err, req.Goal)
		return
	}
	h.writeTimer(w, ctl, nil)
}

// Start は計測を開始する。
// POST /api/timer/start
func (h *TimerHandler) Start(w http.ResponseWriter, r *http.Request) {
	// ボディは省略できる
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("JSONの形式が正しくありません"))
		return
	}

	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctl.Start(r.Context(), req.StartTime); err != nil {
		h.handleTimerError(w, err, nil)
		return
	}
	h.writeTimer(w, ctl, nil)
}

// Cancel は計測を中断する。経過時間は記録として保存される。
// POST /api/timer/cancel
func (h *TimerHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.finishWith(w, r, TimerController.Cancel)
}

// ChangeStartTime は計測中の開始時刻を変更する。
// PUT /api/timer/start-time
func (h *TimerHandler) ChangeStartTime(w http.ResponseWriter, r *http.Request) {
	var req startTimeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.StartTime == nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("start_time は必須です"))
		return
	}

	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctl.ChangeStartTime(r.Context(), *req.StartTime); err != nil {
		h.handleTimerError(w, err, nil)
		return
	}
	h.writeTimer(w, ctl, nil)
}

// Continue は目標達成後に延長する。
// POST /api/timer/continue
func (h *TimerHandler) Continue(w http.ResponseWriter, r *http.Request) {
	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctl.ContinueExtended(r.Context()); err != nil {
		h.handleTimerError(w, err, nil)
		return
	}
	h.writeTimer(w, ctl, nil)
}

// Stop は目標達成後の計測を終了する。
// POST /api/timer/stop
func (h *TimerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.finishWith(w, r, TimerController.Stop)
}

// StartNewFast は完了表示を閉じて待機中に戻る。
// POST /api/timer/new
func (h *TimerHandler) StartNewFast(w http.ResponseWriter, r *http.Request) {
	h.finishWith(w, r, TimerController.StartNewFast)
}

// UpdateRecord は完了記録の終了時刻を変更する。
// PATCH /api/timer/record
func (h *TimerHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EndTime == nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("end_time は必須です"))
		return
	}

	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	record, err := ctl.UpdateCompletedRecord(r.Context(), *req.EndTime)
	var te *timer.TransitionError
	if errors.As(err, &te) {
		// 完了画面以外では編集対象の記録がない
		middleware.WriteAPIError(w, model.NewRecordNotFoundError())
		return
	}
	if err != nil {
		h.handleTimerError(w, err, nil)
		return
	}
	h.writeTimer(w, ctl, record)
}

// Visibility は画面が再表示されたときにリモートの状態を再取得する。
// POST /api/timer/visibility
func (h *TimerHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}

	refreshed := false
	if req.Visible {
		var err error
		refreshed, err = ctl.Refresh(r.Context(), "visibility")
		if err != nil {
			// 再取得に失敗しても現在の状態は表示できる
			slog.Warn("failed to refresh timer state",
				slog.String("identity", middleware.IdentityFromContext(r.Context()).Key()),
				slog.String("error", err.Error()),
			)
		}
	}

	middleware.WriteJSON(w, http.StatusOK, visibilityResponse{
		Refreshed: refreshed,
		Timer:     toTimerResponse(ctl.Snapshot(h.now())),
	})
}

// finishWith は記録を返す遷移を実行し、記録を含むレスポンスを書き込む。
func (h *TimerHandler) finishWith(w http.ResponseWriter, r *http.Request, op func(TimerController, context.Context) (*model.FastRecord, error)) {
	ctl, ok := h.controller(w, r)
	if !ok {
		return
	}
	record, err := op(ctl, r.Context())
	if err != nil {
		h.handleTimerError(w, err, nil)
		return
	}
	h.writeTimer(w, ctl, record)
}

// controller はリクエストの操作主体に対応するTimerControllerを返す。
// 初期読み込みに失敗した場合は500を書き込みfalseを返す。
func (h *TimerHandler) controller(w http.ResponseWriter, r *http.Request) (TimerController, bool) {
	identity := middleware.IdentityFromContext(r.Context())
	ctl, err := h.provider.Get(r.Context(), identity)
	if err != nil {
		slog.Error("failed to load timer",
			slog.String("identity", identity.Key()),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return ctl, true
}

func (h *TimerHandler) writeTimer(w http.ResponseWriter, ctl TimerController, record *model.FastRecord) {
	resp := toTimerResponse(ctl.Snapshot(h.now()))
	resp.Record = toFastRecordResponse(record)
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// handleTimerError は状態機械のエラーをHTTPステータスコードに変換する。
// 許可されない遷移は409、入力値の誤りは400とする。
func (h *TimerHandler) handleTimerError(w http.ResponseWriter, err error, goal *float64) {
	var te *timer.TransitionError
	switch {
	case errors.As(err, &te):
		middleware.WriteAPIError(w, model.NewInvalidTransitionError(te.Op, string(te.From)))
	case errors.Is(err, timer.ErrStartInFuture):
		middleware.WriteAPIError(w, model.NewStartInFutureError())
	case errors.Is(err, timer.ErrGoalOutOfRange):
		var g float64
		if goal != nil {
			g = *goal
		}
		middleware.WriteAPIError(w, model.NewGoalOutOfRangeError(g, h.units.Min, h.units.Max))
	case errors.Is(err, timer.ErrEndBeforeStart):
		middleware.WriteAPIError(w, model.NewEndBeforeStartError())
	default:
		slog.Error("timer operation failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("JSONの形式が正しくありません"))
		return false
	}
	return true
}
