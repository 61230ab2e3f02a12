package timersync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/realtime"
	"github.com/hitoshi/fasttrack/internal/timer"
)

func newTestRegistry(t *testing.T, remote *mockTimerStateRepo, sub *mockSubscriber) *Registry {
	t.Helper()
	clock := &fakeClock{now: t0}
	r := NewRegistry(context.Background(), testConfig(), RegistryDeps{
		Local:      &mockLocalStore{},
		Remote:     remote,
		Records:    &mockFastRecordRepo{},
		Subscriber: sub,
		Effects: func(identity model.Identity) *timer.Effects {
			return timer.NewEffects(nil, nil, discardLogger(), timer.WithSyncDispatch())
		},
		Logger: discardLogger(),
	}, WithClock(clock.Now), WithSyncWrites())
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_Get_ReusesOrchestrator(t *testing.T) {
	sub := &mockSubscriber{}
	r := newTestRegistry(t, &mockTimerStateRepo{}, sub)

	a, err := r.Get(context.Background(), authIdentity())
	if err != nil {
		t.Fatalf("Get() エラー: %v", err)
	}
	b, err := r.Get(context.Background(), authIdentity())
	if err != nil {
		t.Fatalf("Get() エラー: %v", err)
	}
	if a != b {
		t.Error("同じIdentityで別のOrchestratorが返された")
	}
	if sub.subscribes != 1 {
		t.Errorf("購読回数 = %d, want 1", sub.subscribes)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_Get_AnonymousDoesNotSubscribe(t *testing.T) {
	sub := &mockSubscriber{}
	r := newTestRegistry(t, &mockTimerStateRepo{}, sub)

	if _, err := r.Get(context.Background(), model.AnonymousIdentity()); err != nil {
		t.Fatalf("Get() エラー: %v", err)
	}
	if sub.subscribes != 0 {
		t.Errorf("匿名ユーザーで購読した: %d回", sub.subscribes)
	}
}

func TestRegistry_Get_LoadFailureIsNotCached(t *testing.T) {
	sub := &mockSubscriber{}
	remote := &mockTimerStateRepo{
		findFunc: func(ctx context.Context, userID string) (*model.TimerRow, error) {
			return nil, errors.New("db down")
		},
	}
	r := newTestRegistry(t, remote, sub)

	if _, err := r.Get(context.Background(), authIdentity()); err == nil {
		t.Fatal("読み込み失敗時はエラーを返すべき")
	}
	if r.Len() != 0 {
		t.Errorf("失敗したOrchestratorが保持された: Len() = %d", r.Len())
	}
	if sub.unsubscribes != 1 {
		t.Errorf("購読解除回数 = %d, want 1", sub.unsubscribes)
	}
}

func TestRegistry_DeliversPushes(t *testing.T) {
	sub := &mockSubscriber{}
	r := newTestRegistry(t, &mockTimerStateRepo{}, sub)

	orch, err := r.Get(context.Background(), authIdentity())
	if err != nil {
		t.Fatalf("Get() エラー: %v", err)
	}

	sub.mu.Lock()
	ch := sub.channels["user-1"]
	sub.mu.Unlock()
	ch <- realtime.Push{Row: *runningRow(t0.Add(-time.Hour), 16), ReceivedAt: t0}

	deadline := time.Now().Add(2 * time.Second)
	for !orch.Snapshot(t0).State.IsRunning {
		if time.Now().After(deadline) {
			t.Fatal("通知が適用されなかった")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistry_Close_Unsubscribes(t *testing.T) {
	sub := &mockSubscriber{}
	r := newTestRegistry(t, &mockTimerStateRepo{}, sub)

	if _, err := r.Get(context.Background(), authIdentity()); err != nil {
		t.Fatalf("Get() エラー: %v", err)
	}
	r.Close()

	if sub.unsubscribes != 1 {
		t.Errorf("購読解除回数 = %d, want 1", sub.unsubscribes)
	}
	if r.Len() != 0 {
		t.Errorf("Close後のLen() = %d, want 0", r.Len())
	}
}

func TestRegistry_RefreshAll(t *testing.T) {
	remote := &mockTimerStateRepo{}
	r := newTestRegistry(t, remote, &mockSubscriber{})

	orch, err := r.Get(context.Background(), authIdentity())
	if err != nil {
		t.Fatalf("Get() エラー: %v", err)
	}
	remote.mu.Lock()
	remote.findFunc = func(ctx context.Context, userID string) (*model.TimerRow, error) {
		return runningRow(t0.Add(-time.Hour), 16), nil
	}
	remote.mu.Unlock()

	r.RefreshAll(context.Background(), "reconnect")

	if !orch.Snapshot(t0).State.IsRunning {
		t.Error("再取得した状態が適用されていない")
	}
}

func TestRegistry_Get_SlowLoadDoesNotBlockOtherIdentities(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	remote := &mockTimerStateRepo{
		findFunc: func(ctx context.Context, userID string) (*model.TimerRow, error) {
			if userID == "user-1" {
				close(entered)
				<-release
			}
			return nil, nil
		},
	}
	sub := &mockSubscriber{}
	r := newTestRegistry(t, remote, sub)

	type result struct {
		orch *Orchestrator
		err  error
	}
	first := make(chan result, 1)
	go func() {
		o, err := r.Get(context.Background(), authIdentity())
		first <- result{o, err}
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := r.Get(context.Background(), model.Identity{UserID: "user-2", Authenticated: true})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Get(user-2) エラー: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("別のIdentityの読み込みがuser-1の読み込みを待っている")
	}

	// 読み込み中の同じIdentityは完了を待って同じOrchestratorを受け取る
	second := make(chan result, 1)
	go func() {
		o, err := r.Get(context.Background(), authIdentity())
		second <- result{o, err}
	}()
	close(release)

	a, b := <-first, <-second
	if a.err != nil || b.err != nil {
		t.Fatalf("Get() エラー: %v, %v", a.err, b.err)
	}
	if a.orch != b.orch {
		t.Error("同じIdentityで別のOrchestratorが返された")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.subscribes != 2 {
		t.Errorf("購読回数 = %d, want 2", sub.subscribes)
	}
}

func TestRegistry_Get_WaiterHonorsContext(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	remote := &mockTimerStateRepo{
		findFunc: func(ctx context.Context, userID string) (*model.TimerRow, error) {
			close(entered)
			<-release
			return nil, nil
		},
	}
	r := newTestRegistry(t, remote, &mockSubscriber{})
	defer close(release)

	go r.Get(context.Background(), authIdentity())
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Get(ctx, authIdentity()); !errors.Is(err, context.Canceled) {
		t.Errorf("Get() エラー = %v, want context.Canceled", err)
	}
}
