package timersync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fasttrack/internal/metrics"
	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/repository"
)

// Status はリモートストアとの同期状態を表す。
type Status string

const (
	// StatusSynced は最新の状態が保存済みであることを表す。
	StatusSynced Status = "synced"
	// StatusSyncing は書き込み中または再試行中であることを表す。
	StatusSyncing Status = "syncing"
	// StatusOutOfSync は再試行を使い切り、リモートと食い違っている可能性があることを表す。
	StatusOutOfSync Status = "out_of_sync"
)

// RetryPolicy は書き込み失敗時の再試行方針。
type RetryPolicy struct {
	MaxRetries int           // 初回の後に行う再試行の回数
	BaseDelay  time.Duration // 初回の再試行までの遅延
	MaxDelay   time.Duration // 遅延の上限。0の場合は上限なし
}

// DefaultRetryPolicy は1秒、2秒、4秒の遅延で3回再試行する方針を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Backoff はattempt回目（0始まり）の再試行までの遅延を計算する。
// BaseDelayから2倍ずつ増加し、MaxDelayで頭打ちになる。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// errSuperseded はより新しい状態が書き込み待ちになったため再試行を打ち切ったことを表す。
var errSuperseded = errors.New("superseded by a newer state")

// sleepContext はdの間待機する。ctxがキャンセルされた場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Writer は1ユーザー分のタイマー状態をリモートストアへ書き込む。
// 書き込みは直列に行い、書き込み待ちの状態は最新の1件だけを保持する。
type Writer struct {
	userID  string
	repo    repository.TimerStateRepository
	records repository.FastRecordRepository
	policy  RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
	inline  bool

	mu      sync.Mutex
	pending *model.TimerState
	status  Status
	wake    chan struct{}
}

func newWriter(userID string, repo repository.TimerStateRepository, records repository.FastRecordRepository, policy RetryPolicy, logger *slog.Logger, m metrics.MetricsCollector) *Writer {
	return &Writer{
		userID:  userID,
		repo:    repo,
		records: records,
		policy:  policy,
		sleep:   sleepContext,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		status:  StatusSynced,
		wake:    make(chan struct{}, 1),
	}
}

// Submit は状態を書き込み待ちにする。未処理の古い状態は置き換えられる。
func (w *Writer) Submit(ctx context.Context, s model.TimerState) {
	w.mu.Lock()
	clone := s.Clone()
	w.pending = &clone
	w.status = StatusSyncing
	w.mu.Unlock()

	if w.inline {
		w.Flush(ctx)
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run はctxがキャンセルされるまで書き込み待ちの状態を処理する。
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.Flush(ctx)
		}
	}
}

// Flush は書き込み待ちの状態を書き込む。失敗した場合は再試行し、使い切ったらログに記録して諦める。
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	s := w.pending
	w.pending = nil
	w.mu.Unlock()
	if s == nil {
		return
	}

	start := w.now()
	err := w.retry(ctx, "timer_state", func(ctx context.Context) error {
		return w.repo.Upsert(ctx, w.userID, *s)
	}, w.hasPending)
	w.metrics.RecordSyncLatency(w.now().Sub(start))

	if errors.Is(err, errSuperseded) {
		return
	}
	w.metrics.RecordSyncWrite(err == nil)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		// 次の書き込みが控えている
		return
	}
	if err != nil {
		w.status = StatusOutOfSync
	} else {
		w.status = StatusSynced
	}
}

// SaveRecord は断食記録を作成する。同じ開始時刻の記録が既にあれば作成しない。
// 保存できた場合は記録のIDを返す。
func (w *Writer) SaveRecord(ctx context.Context, record model.FastRecord) (string, error) {
	err := w.retry(ctx, "fast_record", func(ctx context.Context) error {
		_, err := w.records.CreateIfAbsent(ctx, &record)
		return err
	}, nil)
	if err != nil {
		w.markRecordFailed()
		return "", err
	}
	return record.ID, nil
}

// UpdateRecordEnd は断食記録の終了時刻を更新する。
// リモートに記録が存在しない場合（作成に失敗していた場合）は作成する。
// 再試行を使い切った場合は同期状態をout_of_syncにする。
func (w *Writer) UpdateRecordEnd(ctx context.Context, record model.FastRecord) error {
	err := w.retry(ctx, "fast_record", func(ctx context.Context) error {
		err := w.records.UpdateEndTime(ctx, w.userID, record.StartTime, record.EndTime, record.DurationUnits)
		if errors.Is(err, repository.ErrNotFound) {
			_, err = w.records.CreateIfAbsent(ctx, &record)
		}
		return err
	}, nil)
	if err != nil {
		w.markRecordFailed()
	}
	return err
}

// markRecordFailed は断食記録の書き込み失敗を同期状態に反映する。
// タイマー状態の書き込みが控えている場合は、その結果に任せる。
func (w *Writer) markRecordFailed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		return
	}
	w.status = StatusOutOfSync
}

// Status は現在の同期状態を返す。
func (w *Writer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Writer) hasPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

// retry はopを実行し、失敗した場合は指数バックオフで再試行する。
// supersededがtrueを返した場合は再試行を打ち切る。
func (w *Writer) retry(ctx context.Context, what string, op func(context.Context) error, superseded func() bool) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= w.policy.MaxRetries {
			w.logger.Error("リモートへの書き込みを断念しました",
				slog.String("target", what),
				slog.String("user_id", w.userID),
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			return err
		}
		if superseded != nil && superseded() {
			return errSuperseded
		}

		delay := w.policy.Backoff(attempt)
		w.metrics.RecordSyncRetry()
		w.logger.Warn("リモートへの書き込みに失敗しました。再試行します",
			slog.String("target", what),
			slog.String("user_id", w.userID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}
