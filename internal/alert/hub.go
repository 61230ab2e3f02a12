// Package alert は目標達成時の副作用（完了音・通知）の配信先を提供する。
// HubはUIへServer-Sent Eventsで配信するイベントを、Identityごとのトピックに振り分ける。
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fasttrack/internal/timer"
)

// EventType はUIへ配信するイベントの種類。
type EventType string

const (
	EventUnlock       EventType = "unlock"
	EventTone         EventType = "tone"
	EventNotification EventType = "notification"
)

// subscriberBuffer は購読者ごとに保持する未配信イベントの上限。
const subscriberBuffer = 16

// ErrNoSubscribers はイベントを受け取るUIが接続されていない場合のエラー。
var ErrNoSubscribers = errors.New("no event subscribers")

// Event はUIへ配信するイベント。
type Event struct {
	Type       EventType `json:"type"`
	Frequency  float64   `json:"frequency,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body,omitempty"`
	At         time.Time `json:"at"`
}

// Hub はトピックの所有者。アプリケーション起動時に1回だけ生成する。
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	topics map[string]*Topic
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		now:    time.Now,
		topics: make(map[string]*Topic),
	}
}

// Topic はkeyのトピックを返す。存在しない場合は生成する。
func (h *Hub) Topic(key string) *Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[key]; ok {
		return t
	}
	t := &Topic{
		key:    key,
		logger: h.logger.With(slog.String("topic", key)),
		now:    h.now,
		subs:   make(map[string]chan Event),
	}
	h.topics[key] = t
	return t
}

// Topic は1つのIdentityに対応する配信先。
// timer.Playerとtimer.Notifierを実装し、呼び出しをイベントとして購読者へ配信する。
type Topic struct {
	key    string
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]chan Event
}

// compile-time interface check
var (
	_ timer.Player   = (*Topic)(nil)
	_ timer.Notifier = (*Topic)(nil)
)

// Subscribe はイベントの購読を開始する。返された関数で購読を解除する。
func (t *Topic) Subscribe() (string, <-chan Event, func()) {
	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	t.mu.Lock()
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return id, ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Subscribers は購読者数を返す。
func (t *Topic) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// publish はイベントをすべての購読者へ配信する。
// 受信が滞っている購読者にはイベントを捨てる。
func (t *Topic) publish(e Event) error {
	e.At = t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return ErrNoSubscribers
	}
	for id, ch := range t.subs {
		select {
		case ch <- e:
		default:
			t.logger.Warn("購読者の受信が滞っているためイベントを破棄しました",
				slog.String("subscriber", id),
				slog.String("type", string(e.Type)),
			)
		}
	}
	return nil
}

// Unlock はUIに音声再生の有効化を要求する。
func (t *Topic) Unlock(ctx context.Context) error {
	return t.publish(Event{Type: EventUnlock})
}

// PlayTone はUIに完了音の再生を要求する。
func (t *Topic) PlayTone(ctx context.Context, frequency float64, duration time.Duration) error {
	return t.publish(Event{
		Type:       EventTone,
		Frequency:  frequency,
		DurationMS: duration.Milliseconds(),
	})
}

// RequestPermission はUIへの通知許可を返す。UIはローカルで接続するため常に許可済み。
func (t *Topic) RequestPermission(ctx context.Context) (timer.Permission, error) {
	return timer.PermissionGranted, nil
}

// Show はUIに通知の表示を要求する。
func (t *Topic) Show(ctx context.Context, title, body string) error {
	return t.publish(Event{Type: EventNotification, Title: title, Body: body})
}
