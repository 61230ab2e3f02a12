package timersync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/fasttrack/internal/metrics"
	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/realtime"
	"github.com/hitoshi/fasttrack/internal/repository"
	"github.com/hitoshi/fasttrack/internal/timer"
)

// Subscriber はユーザーごとのリモート通知を購読するインターフェース。
type Subscriber interface {
	Subscribe(userID string) (<-chan realtime.Push, func())
}

// RegistryDeps はRegistryの依存先。
type RegistryDeps struct {
	Local      LocalStore
	Remote     repository.TimerStateRepository
	Records    repository.FastRecordRepository
	Subscriber Subscriber
	// Effects はIdentityごとの副作用リソースを返す。nilの場合は副作用なし。
	Effects func(identity model.Identity) *timer.Effects
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
}

type registryEntry struct {
	orch        *Orchestrator
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// pendingLoad は初期読み込み中のIdentityを表す。同じIdentityへの後続のGetはdoneを待つ。
type pendingLoad struct {
	done chan struct{}
	orch *Orchestrator
	err  error
}

// Registry はIdentityごとのOrchestratorを初回アクセス時に生成し、保持する。
type Registry struct {
	cfg  Config
	deps RegistryDeps
	opts []Option

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*registryEntry
	loading map[string]*pendingLoad
}

// NewRegistry はRegistryを生成する。生成したOrchestratorはctxがキャンセルされるかCloseされるまで動作する。
func NewRegistry(ctx context.Context, cfg Config, deps RegistryDeps, opts ...Option) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		cfg:     cfg,
		deps:    deps,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*registryEntry),
		loading: make(map[string]*pendingLoad),
	}
}

// Get はidentityのOrchestratorを返す。未生成の場合は生成して初期読み込みを行う。
// 初期読み込みに失敗した場合は保持せずにエラーを返す。
// 読み込み中はレジストリ全体のロックを保持しないため、別のIdentityのGetは待たされない。
func (r *Registry) Get(ctx context.Context, identity model.Identity) (*Orchestrator, error) {
	key := identity.Key()

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return e.orch, nil
	}
	if p, ok := r.loading[key]; ok {
		r.mu.Unlock()
		select {
		case <-p.done:
			return p.orch, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingLoad{done: make(chan struct{})}
	r.loading[key] = p
	r.mu.Unlock()

	p.orch, p.err = r.load(ctx, identity)
	if p.err != nil {
		p.orch = nil
	}
	close(p.done)
	return p.orch, p.err
}

// load はOrchestratorを生成して初期読み込みを行い、成功した場合はentriesに登録する。
func (r *Registry) load(ctx context.Context, identity model.Identity) (*Orchestrator, error) {
	key := identity.Key()

	var effects *timer.Effects
	if r.deps.Effects != nil {
		effects = r.deps.Effects(identity)
	}
	orch := New(identity, r.cfg, Deps{
		Local:   r.deps.Local,
		Remote:  r.deps.Remote,
		Records: r.deps.Records,
		Effects: effects,
		Logger:  r.deps.Logger,
		Metrics: r.deps.Metrics,
	}, r.opts...)

	// 通知の取りこぼしを避けるため、読み込み前に購読する
	var pushes <-chan realtime.Push
	unsubscribe := func() {}
	if identity.Authenticated && r.deps.Subscriber != nil {
		pushes, unsubscribe = r.deps.Subscriber.Subscribe(identity.UserID)
	}

	_, err := orch.Load(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, key)
	if err == nil {
		// 読み込み中にCloseされた場合は登録しない
		err = r.ctx.Err()
	}
	if err != nil {
		unsubscribe()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(r.ctx)
	e := &registryEntry{
		orch:        orch,
		cancel:      cancel,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		orch.Run(runCtx, pushes)
	}()
	r.entries[key] = e

	r.deps.Logger.Info("タイマー同期を開始しました", slog.String("identity", key))
	return orch, nil
}

// RefreshAll は保持しているすべての認証済みOrchestratorでリモートの状態を再取得する。
// 通知の接続が回復した場合やアプリケーションが前面に戻った場合に呼び出す。
func (r *Registry) RefreshAll(ctx context.Context, trigger string) {
	r.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(r.entries))
	for _, e := range r.entries {
		orchs = append(orchs, e.orch)
	}
	r.mu.Unlock()

	for _, o := range orchs {
		if _, err := o.Refresh(ctx, trigger); err != nil {
			r.deps.Logger.Warn("リモートの状態の再取得に失敗しました",
				slog.String("identity", o.Identity().Key()),
				slog.String("trigger", trigger),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Len は保持しているOrchestratorの数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close はすべてのOrchestratorを停止し、購読を解除する。
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		e.unsubscribe()
		<-e.done
	}
}
