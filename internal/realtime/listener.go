// Package realtime はPostgreSQLのLISTEN/NOTIFYによるタイマー状態の変更通知を提供する。
// timer_statesへの書き込みごとにトリガーが行全体をJSONで通知し、
// Listenerはそれをユーザーごとの購読者に配信する。
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/fasttrack/internal/metrics"
	"github.com/hitoshi/fasttrack/internal/model"
)

// Channel はタイマー状態の変更を通知するチャネル名。
const Channel = "timer_state_changed"

const (
	minReconnectInterval = 1 * time.Second
	maxReconnectInterval = 30 * time.Second
	// pingInterval は通知がない間に接続の生存を確認する間隔。
	pingInterval = 90 * time.Second
	// subscriberBuffer は購読者ごとのチャネルバッファ。溢れた場合は古い通知を捨てる。
	subscriberBuffer = 4
)

// Push は受信したタイマー行と受信時刻。
// 受信時刻はゴースト判定に使用する。
type Push struct {
	Row        model.TimerRow
	ReceivedAt time.Time
}

// Listener はtimer_state_changedチャネルを購読し、ユーザーごとに配信する。
type Listener struct {
	dsn     string
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	mu          sync.Mutex
	subs        map[string]map[int]chan Push
	nextID      int
	onReconnect []func()
}

// NewListener はListenerを生成する。
func NewListener(dsn string, logger *slog.Logger, m metrics.MetricsCollector) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Listener{
		dsn:     dsn,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		subs:    make(map[string]map[int]chan Push),
	}
}

// Subscribe は指定ユーザーの通知を受け取るチャネルを返す。
// 返却された関数で購読を解除する。
func (l *Listener) Subscribe(userID string) (<-chan Push, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	ch := make(chan Push, subscriberBuffer)
	if l.subs[userID] == nil {
		l.subs[userID] = make(map[int]chan Push)
	}
	l.subs[userID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[userID], id)
			if len(l.subs[userID]) == 0 {
				delete(l.subs, userID)
			}
			close(ch)
		})
	}
}

// OnReconnect は接続の再確立時に呼ばれるコールバックを登録する。
// 切断中の通知は失われるため、購読者はコールバックで状態を再取得する。
func (l *Listener) OnReconnect(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReconnect = append(l.onReconnect, f)
}

// Run はctxがキャンセルされるまで通知を受信する。
func (l *Listener) Run(ctx context.Context) error {
	pl := pq.NewListener(l.dsn, minReconnectInterval, maxReconnectInterval, l.logEvent)
	defer pl.Close()

	if err := pl.Listen(Channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}
	l.logger.Info("リアルタイム通知の受信を開始しました", slog.String("channel", Channel))

	return l.consume(ctx, pl.Notify, pl.Ping)
}

// consume は通知チャネルを読み、購読者に配信する。
// nilの通知は接続の再確立を表す。
func (l *Listener) consume(ctx context.Context, notify <-chan *pq.Notification, ping func() error) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notify:
			if !ok {
				return nil
			}
			if n == nil {
				l.reconnected()
				continue
			}
			l.dispatch(n.Extra)
		case <-ticker.C:
			if ping == nil {
				continue
			}
			if err := ping(); err != nil {
				l.logger.Warn("LISTEN接続の確認に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// dispatch はペイロードをデコードし、該当ユーザーの購読者に配信する。
func (l *Listener) dispatch(payload string) {
	receivedAt := l.now()
	row, err := model.DecodeTimerRow([]byte(payload))
	if err != nil {
		l.logger.Warn("通知ペイロードのデコードに失敗しました", slog.String("error", err.Error()))
		return
	}
	l.metrics.RecordPushReceived()

	push := Push{Row: row, ReceivedAt: receivedAt}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs[row.UserID] {
		offer(ch, push)
	}
}

// offer はチャネルが満杯の場合、最も古い通知を捨てて新しい通知を入れる。
// 行は状態全体を表すため、最新の通知だけが意味を持つ。
func offer(ch chan Push, p Push) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

func (l *Listener) reconnected() {
	l.metrics.RecordListenerReconnect()
	l.logger.Info("LISTEN接続を再確立しました。状態を再取得します")

	l.mu.Lock()
	callbacks := make([]func(), len(l.onReconnect))
	copy(callbacks, l.onReconnect)
	l.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

func (l *Listener) logEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		l.logger.Warn("LISTEN接続でエラーが発生しました",
			slog.Int("event", int(ev)),
			slog.String("error", err.Error()),
		)
	}
}
