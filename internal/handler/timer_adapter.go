package handler

import (
	"context"

	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/timersync"
)

// compile-time interface check
var _ TimerController = (*timersync.Orchestrator)(nil)

// RegistryAdapter は timersync.Registry を TimerProvider に適合させるアダプタ。
type RegistryAdapter struct {
	registry *timersync.Registry
}

// NewRegistryAdapter はRegistryAdapterを生成する。
func NewRegistryAdapter(registry *timersync.Registry) *RegistryAdapter {
	return &RegistryAdapter{registry: registry}
}

// Get は操作主体のOrchestratorを返す。
func (a *RegistryAdapter) Get(ctx context.Context, identity model.Identity) (TimerController, error) {
	orch, err := a.registry.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	return orch, nil
}
