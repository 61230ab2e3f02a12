package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Permission は通知許可の状態を表す。
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Notifier は完了通知の送信先のインターフェース。
type Notifier interface {
	// RequestPermission は通知許可を要求する。
	RequestPermission(ctx context.Context) (Permission, error)
	// Show は通知を表示する。
	Show(ctx context.Context, title, body string) error
}

// Player は完了音の再生先のインターフェース。
type Player interface {
	// Unlock は音声再生を有効化する。
	Unlock(ctx context.Context) error
	// PlayTone は指定周波数の音を指定時間再生する。
	PlayTone(ctx context.Context, frequency float64, duration time.Duration) error
}

const (
	completionToneFrequency = 880
	completionToneDuration  = 600 * time.Millisecond
	effectTimeout           = 10 * time.Second
)

// Effects は状態遷移に伴う副作用（通知・音声）をまとめた所有リソース。
// アプリケーション起動時に1回だけ生成し、各Machineに参照で渡す。
// 副作用の失敗はログに記録するのみで、状態遷移を妨げない。
type Effects struct {
	notifier Notifier
	player   Player
	logger   *slog.Logger
	run      func(func())

	mu         sync.Mutex
	permission Permission
	unlocked   bool
}

// EffectsOption はEffectsの設定を変更する。
type EffectsOption func(*Effects)

// WithSyncDispatch は副作用を呼び出し元のgoroutineで同期実行する。テスト用。
func WithSyncDispatch() EffectsOption {
	return func(e *Effects) {
		e.run = func(f func()) { f() }
	}
}

// NewEffects はEffectsを生成する。notifierやplayerがnilの場合はその副作用を行わない。
func NewEffects(notifier Notifier, player Player, logger *slog.Logger, opts ...EffectsOption) *Effects {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Effects{
		notifier:   notifier,
		player:     player,
		logger:     logger,
		run:        func(f func()) { go f() },
		permission: PermissionDefault,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// prepare は通知許可の要求と音声の有効化を行う。
// 既に許可済み・有効化済みの場合は何もしない。
func (e *Effects) prepare() {
	if e == nil {
		return
	}
	e.run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()

		e.mu.Lock()
		needPermission := e.notifier != nil && e.permission != PermissionGranted
		needUnlock := e.player != nil && !e.unlocked
		e.mu.Unlock()

		if needPermission {
			p, err := e.notifier.RequestPermission(ctx)
			if err != nil {
				e.logger.Warn("通知許可の要求に失敗しました", slog.String("error", err.Error()))
			} else {
				e.mu.Lock()
				e.permission = p
				e.mu.Unlock()
			}
		}
		if needUnlock {
			if err := e.player.Unlock(ctx); err != nil {
				e.logger.Warn("音声の有効化に失敗しました", slog.String("error", err.Error()))
			} else {
				e.mu.Lock()
				e.unlocked = true
				e.mu.Unlock()
			}
		}
	})
}

// completed は目標達成の完了音と通知を発行する。
func (e *Effects) completed(title, body string) {
	if e == nil {
		return
	}
	e.run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()

		if e.player != nil {
			if err := e.player.PlayTone(ctx, completionToneFrequency, completionToneDuration); err != nil {
				e.logger.Warn("完了音の再生に失敗しました", slog.String("error", err.Error()))
			}
		}

		e.mu.Lock()
		granted := e.permission == PermissionGranted
		e.mu.Unlock()
		if e.notifier == nil || !granted {
			return
		}
		if err := e.notifier.Show(ctx, title, body); err != nil {
			e.logger.Warn("完了通知の送信に失敗しました", slog.String("error", err.Error()))
		}
	})
}

// Permission は現在の通知許可状態を返す。
func (e *Effects) Permission() Permission {
	if e == nil {
		return PermissionDefault
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.permission
}
