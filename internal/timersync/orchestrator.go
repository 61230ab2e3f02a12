// Package timersync はタイマー状態のリモート・ローカルとの同期を提供する。
// Orchestratorは1ユーザー（または匿名の1端末）分の正準状態を保持し、
// 利用者の操作を永続化へ書き出し、リモートからの状態で丸ごと置き換える。
package timersync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/fasttrack/internal/metrics"
	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/realtime"
	"github.com/hitoshi/fasttrack/internal/repository"
	"github.com/hitoshi/fasttrack/internal/timecalc"
	"github.com/hitoshi/fasttrack/internal/timer"
)

// LocalStore は匿名ユーザーの状態を保存するローカルストア。
type LocalStore interface {
	Load(ctx context.Context) (model.TimerState, bool, error)
	Save(ctx context.Context, s model.TimerState) error
}

// Config はOrchestratorの設定。
type Config struct {
	Units        timecalc.Units
	DefaultGoal  float64
	Retry        RetryPolicy
	TickInterval time.Duration
}

// Deps はOrchestratorの依存先。
// 匿名ユーザーはLocalのみ、認証済みユーザーはRemoteとRecordsを使用する。
type Deps struct {
	Local   LocalStore
	Remote  repository.TimerStateRepository
	Records repository.FastRecordRepository
	Effects *timer.Effects
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
}

// Option はOrchestratorの設定を変更する。
type Option func(*Orchestrator)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithSleep は再試行の待機関数を差し替える。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if o.writer != nil {
			o.writer.sleep = sleep
		}
	}
}

// WithSyncWrites はリモートへの書き込みを呼び出し元のgoroutineで同期実行する。テスト用。
func WithSyncWrites() Option {
	return func(o *Orchestrator) {
		o.inline = true
		if o.writer != nil {
			o.writer.inline = true
		}
	}
}

// LoadResult は初期読み込みの結果。
type LoadResult struct {
	State model.TimerState
	// ShowTimeSinceLastFast は計測していない場合に前回の断食からの経過を既定表示にするかどうか。
	ShowTimeSinceLastFast bool
	LastFast              *model.FastRecord
}

// View はUIに返す導出済みの表示値。
type View struct {
	Identity              model.Identity
	Phase                 timer.Phase
	State                 model.TimerState
	Units                 timecalc.Units
	SecondsRemaining      int64 // 延長中は目標超過後の経過秒数
	ProgressPercent       float64
	Level                 timecalc.Level
	BodyMode              *timecalc.BodyMode
	Pending               *model.FastRecord
	Summary               *model.FastRecord
	LastFast              *model.FastRecord
	ShowTimeSinceLastFast bool
	SecondsSinceLastFast  int64
	SyncStatus            Status
	Permission            timer.Permission
	ServerTime            time.Time
}

// Orchestrator は1ユーザー分のタイマー状態の同期を管理する。
type Orchestrator struct {
	identity model.Identity
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	now      func() time.Time
	writer   *Writer
	inline   bool

	mu             sync.Mutex
	machine        *timer.Machine
	loaded         bool
	suppressWrites bool
	lastFast       *model.FastRecord
	localStatus    Status

	refreshing atomic.Bool
}

// New はOrchestratorを生成する。
func New(identity model.Identity, cfg Config, deps Deps, opts ...Option) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	o := &Orchestrator{
		identity:    identity,
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger.With(slog.String("identity", identity.Key())),
		metrics:     deps.Metrics,
		now:         time.Now,
		localStatus: StatusSynced,
	}
	if identity.Authenticated {
		o.writer = newWriter(identity.UserID, deps.Remote, deps.Records, cfg.Retry, o.logger, o.metrics)
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.writer != nil {
		o.writer.now = o.now
	}
	o.machine = timer.NewMachine(cfg.Units, cfg.DefaultGoal,
		timer.WithClock(func() time.Time { return o.now() }),
		timer.WithEffects(deps.Effects),
	)
	return o
}

// Identity は操作主体を返す。
func (o *Orchestrator) Identity() model.Identity {
	return o.identity
}

// Load は保存済みの状態を読み込み、正準状態を置き換える。
// 認証済みで計測していない場合は、最新の断食記録も取得する。
func (o *Orchestrator) Load(ctx context.Context) (LoadResult, error) {
	if !o.identity.Authenticated {
		return o.loadLocal(ctx)
	}

	row, err := o.deps.Remote.FindByUserID(ctx, o.identity.UserID)
	if err != nil {
		return LoadResult{}, err
	}
	var lastFast *model.FastRecord
	running := row != nil && row.IsRunning != nil && *row.IsRunning
	if !running {
		lastFast, err = o.deps.Records.FindLatestByUserID(ctx, o.identity.UserID)
		if err != nil {
			return LoadResult{}, err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if row != nil {
		o.machine.Restore(row.ToState(o.cfg.DefaultGoal, o.cfg.Units))
	}
	o.lastFast = lastFast
	o.loaded = true
	o.commitLocked(ctx, false)

	state := o.machine.State()
	return LoadResult{
		State:                 state,
		ShowTimeSinceLastFast: !state.IsRunning && lastFast != nil,
		LastFast:              copyRecord(lastFast),
	}, nil
}

func (o *Orchestrator) loadLocal(ctx context.Context) (LoadResult, error) {
	state, ok, err := o.deps.Local.Load(ctx)
	if err != nil {
		return LoadResult{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.machine.Restore(state)
	}
	o.loaded = true
	o.commitLocked(ctx, false)
	return LoadResult{State: o.machine.State()}, nil
}

// Loaded は初期読み込みが完了しているかを返す。
func (o *Orchestrator) Loaded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loaded
}

// SetGoal は計測していない状態で目標を変更する。
func (o *Orchestrator) SetGoal(ctx context.Context, goal float64) error {
	_, err := o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return nil, m.SetGoal(goal)
	})
	return err
}

// SetAngle は計測していない状態でダイヤル角度を変更する。
func (o *Orchestrator) SetAngle(ctx context.Context, angle float64) error {
	_, err := o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return nil, m.SetAngle(angle)
	})
	return err
}

// Start は計測を開始する。
func (o *Orchestrator) Start(ctx context.Context, customStart *time.Time) error {
	_, err := o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return nil, m.Start(customStart)
	})
	return err
}

// Cancel は計測を中断し、記録を保存する。
func (o *Orchestrator) Cancel(ctx context.Context) (*model.FastRecord, error) {
	return o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return m.Cancel()
	})
}

// ChangeGoal は計測中に目標を変更する。
func (o *Orchestrator) ChangeGoal(ctx context.Context, goal float64) error {
	_, err := o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return nil, m.ChangeGoal(goal)
	})
	return err
}

// ChangeStartTime は計測中に開始時刻を変更する。
func (o *Orchestrator) ChangeStartTime(ctx context.Context, start time.Time) error {
	_, err := o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return nil, m.ChangeStartTime(start)
	})
	return err
}

// ContinueExtended は目標達成後に延長する。
func (o *Orchestrator) ContinueExtended(ctx context.Context) error {
	_, err := o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return nil, m.ContinueExtended()
	})
	return err
}

// Stop は目標達成後の計測を終了し、記録を保存する。
func (o *Orchestrator) Stop(ctx context.Context) (*model.FastRecord, error) {
	return o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return m.Stop()
	})
}

// StartNewFast は完了表示を閉じて待機中に戻る。
// 目標達成の選択待ちから呼ばれた場合は、目標達成時点の記録を保存する。
func (o *Orchestrator) StartNewFast(ctx context.Context) (*model.FastRecord, error) {
	return o.apply(ctx, func(m *timer.Machine) (*model.FastRecord, error) {
		return m.StartNewFast()
	})
}

// UpdateCompletedRecord は完了記録の終了時刻を変更する。
func (o *Orchestrator) UpdateCompletedRecord(ctx context.Context, end time.Time) (*model.FastRecord, error) {
	o.mu.Lock()
	record, err := o.machine.UpdateCompletedRecord(end)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	record.UserID = o.identity.UserID
	o.lastFast = copyRecord(record)
	o.mu.Unlock()

	if o.writer != nil {
		o.async(ctx, func(ctx context.Context) {
			if err := o.writer.UpdateRecordEnd(ctx, *record); err != nil {
				o.logger.Warn("断食記録の終了時刻を保存できませんでした",
					slog.Time("start_time", record.StartTime),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	return record, nil
}

// apply は状態遷移を直列に実行し、成功した場合は永続化へ書き出す。
// 遷移が記録を返した場合はその記録も保存する。
func (o *Orchestrator) apply(ctx context.Context, op func(m *timer.Machine) (*model.FastRecord, error)) (*model.FastRecord, error) {
	o.mu.Lock()
	record, err := op(o.machine)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if record != nil {
		record.UserID = o.identity.UserID
		o.lastFast = copyRecord(record)
	}
	o.commitLocked(ctx, true)
	o.mu.Unlock()

	if record != nil {
		o.saveRecord(ctx, *record)
	}
	return record, nil
}

// commitLocked は正準状態の変更を永続化へ書き出す。
// リモートから読み込んだ直後は、利用者の操作があるまで書き込みを抑止する。
func (o *Orchestrator) commitLocked(ctx context.Context, userDriven bool) {
	if !userDriven {
		o.suppressWrites = true
	} else {
		o.suppressWrites = false
	}
	if o.suppressWrites {
		return
	}

	state := o.machine.State()
	if !o.identity.Authenticated {
		if err := o.deps.Local.Save(ctx, state); err != nil {
			o.logger.Warn("ローカルへの保存に失敗しました", slog.String("error", err.Error()))
			o.localStatus = StatusOutOfSync
			return
		}
		o.localStatus = StatusSynced
		return
	}
	o.writer.Submit(context.WithoutCancel(ctx), state)
}

func (o *Orchestrator) saveRecord(ctx context.Context, record model.FastRecord) {
	if o.writer == nil {
		return
	}
	o.async(ctx, func(ctx context.Context) {
		id, err := o.writer.SaveRecord(ctx, record)
		if err != nil {
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		o.machine.AttachSummaryID(record.StartTime, id)
		if o.lastFast != nil && o.lastFast.StartTime.Equal(record.StartTime) {
			o.lastFast.ID = id
		}
	})
}

// async はリクエストのキャンセルに影響されないコンテキストでfを実行する。
func (o *Orchestrator) async(ctx context.Context, f func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	if o.inline {
		f(detached)
		return
	}
	go f(detached)
}

// ApplyRemote は通知された行で正準状態を丸ごと置き換える。
// 延長中でないのに目標時刻を過ぎた計測中の行（ゴースト）と、
// 手元の状態より古い更新時刻を持つ行（自分の古い書き込みの遅れた通知など）は破棄し、falseを返す。
func (o *Orchestrator) ApplyRemote(ctx context.Context, push realtime.Push) bool {
	if push.Row.IsGhost(push.ReceivedAt) {
		o.metrics.RecordGhostDiscarded()
		o.logger.Info("目標時刻を過ぎた計測中の通知を破棄しました",
			slog.Time("target_time", *push.Row.TargetTime),
			slog.Time("received_at", push.ReceivedAt),
		)
		return false
	}

	incoming := push.Row.ToState(o.cfg.DefaultGoal, o.cfg.Units)

	o.mu.Lock()
	defer o.mu.Unlock()
	current := o.machine.State()
	if !incoming.UpdatedAt.IsZero() && incoming.UpdatedAt.Before(current.UpdatedAt) {
		o.logger.Debug("手元より古い通知を破棄しました",
			slog.Time("push_updated_at", incoming.UpdatedAt),
			slog.Time("local_updated_at", current.UpdatedAt),
		)
		return false
	}
	if current.Equal(incoming) {
		return true
	}
	o.restoreLocked(ctx, incoming)
	return true
}

// Refresh はリモートの状態を再取得して正準状態を置き換える。
// 同時に複数の再取得は行わず、実行中の場合はfalseを返す。
func (o *Orchestrator) Refresh(ctx context.Context, trigger string) (bool, error) {
	if !o.identity.Authenticated {
		return false, nil
	}
	if !o.refreshing.CompareAndSwap(false, true) {
		return false, nil
	}
	defer o.refreshing.Store(false)

	o.metrics.RecordRefetch(trigger)
	row, err := o.deps.Remote.FindByUserID(ctx, o.identity.UserID)
	if err != nil {
		return false, err
	}
	if row == nil {
		return true, nil
	}
	incoming := row.ToState(o.cfg.DefaultGoal, o.cfg.Units)

	var lastFast *model.FastRecord
	if !incoming.IsRunning {
		lastFast, err = o.deps.Records.FindLatestByUserID(ctx, o.identity.UserID)
		if err != nil {
			return false, err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if lastFast != nil {
		o.lastFast = lastFast
	}
	if !o.machine.State().Equal(incoming) {
		o.restoreLocked(ctx, incoming)
	}
	return true, nil
}

func (o *Orchestrator) restoreLocked(ctx context.Context, s model.TimerState) {
	before := o.machine.Phase()
	o.machine.Restore(s)
	o.commitLocked(ctx, false)
	o.logger.Debug("リモートの状態で置き換えました",
		slog.String("from", string(before)),
		slog.String("to", string(o.machine.Phase())),
	)
}

// Tick は時刻の経過を反映する。目標達成イベントを発火した場合はtrueを返す。
func (o *Orchestrator) Tick(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.machine.Tick(now) {
		return false
	}
	o.metrics.RecordGoalReached()
	o.logger.Info("目標を達成しました")
	return true
}

// Run はctxがキャンセルされるまで、定期的な時刻の反映とリモートからの通知の適用を行う。
// pushesがnilの場合は通知を受け取らない。
func (o *Orchestrator) Run(ctx context.Context, pushes <-chan realtime.Push) {
	if o.writer != nil && !o.inline {
		go o.writer.Run(ctx)
	}

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(o.now())
		case p, ok := <-pushes:
			if !ok {
				pushes = nil
				continue
			}
			o.ApplyRemote(ctx, p)
		}
	}
}

// Status は同期状態を返す。
func (o *Orchestrator) Status() Status {
	if o.writer != nil {
		return o.writer.Status()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localStatus
}

// Snapshot は現在時刻における表示値を返す。
func (o *Orchestrator) Snapshot(now time.Time) View {
	status := o.Status()

	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.machine.State()
	phase := o.machine.Phase()
	v := View{
		Identity:   o.identity,
		Phase:      phase,
		State:      state,
		Units:      o.cfg.Units,
		Level:      timecalc.LevelFor(state.GoalUnits),
		Pending:    o.machine.Pending(),
		Summary:    o.machine.Summary(),
		LastFast:   copyRecord(o.lastFast),
		SyncStatus: status,
		Permission: o.deps.Effects.Permission(),
		ServerTime: now,
	}

	switch phase {
	case timer.PhaseRunning, timer.PhaseRunningExtended:
		v.SecondsRemaining = timecalc.RemainingOrElapsed(*state.TargetTime, now, state.IsExtended, state.OriginalGoalTime)
		if state.IsExtended {
			v.ProgressPercent = 100
		} else {
			v.ProgressPercent = timecalc.ProgressPercent(state.GoalUnits, v.SecondsRemaining, o.cfg.Units)
		}
		mode := timecalc.BodyModeFor(state.GoalUnits, v.SecondsRemaining, o.cfg.Units, state.IsExtended)
		v.BodyMode = &mode
	case timer.PhaseAwaitingDecision:
		v.ProgressPercent = 100
		mode := timecalc.BodyModeFor(state.GoalUnits, 0, o.cfg.Units, false)
		v.BodyMode = &mode
	case timer.PhaseIdle:
		if o.lastFast != nil {
			v.ShowTimeSinceLastFast = true
			if since := now.Sub(o.lastFast.EndTime); since > 0 {
				v.SecondsSinceLastFast = int64(since / time.Second)
			}
		}
	}
	return v
}

func copyRecord(r *model.FastRecord) *model.FastRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
