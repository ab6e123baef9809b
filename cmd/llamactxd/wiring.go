package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"llamactx/internal/common/fsutil"
	"llamactx/internal/config"
	"llamactx/internal/engine"
	"llamactx/internal/events"
	"llamactx/internal/manager"
	"llamactx/internal/registry"
	"llamactx/internal/sessionstore"
)

// runtime bundles the manager with what must be closed after it.
type runtime struct {
	mgr      *manager.Manager
	bus      *events.GoChannelBus
	sessions *sessionstore.Store
}

func newEngine(cfg config.Config, bus events.Bus, logger zerolog.Logger) (engine.Engine, error) {
	switch cfg.Engine {
	case config.EngineServer:
		return engine.NewServerEngine(engine.ServerConfig{
			BaseURL:        cfg.ServerURL,
			APIKey:         cfg.ServerAPIKey,
			ConnectTimeout: cfg.ConnectTimeout(),
			SlotSaveDir:    cfg.SlotSavePath,
			Bus:            bus,
			Logger:         logger,
		}), nil
	case config.EngineSubprocess:
		return engine.NewSubprocessEngine(engine.SubprocessConfig{
			LlamaBin:     cfg.LlamaBin,
			Host:         cfg.LlamaHost,
			PortStart:    cfg.PortStart,
			PortEnd:      cfg.PortEnd,
			CtxSize:      cfg.CtxSize,
			GPULayers:    cfg.GPULayers,
			Threads:      cfg.Threads,
			ExtraArgs:    cfg.LlamaArgs,
			SlotSaveDir:  cfg.SlotSavePath,
			ReadyTimeout: cfg.ReadyTimeout(),
			Bus:          bus,
			Logger:       logger,
		}), nil
	case config.EngineInProcess:
		return engine.NewInProcessEngine(engine.InProcessConfig{
			CtxSize:   cfg.CtxSize,
			GPULayers: cfg.GPULayers,
			Threads:   cfg.Threads,
			Bus:       bus,
			Logger:    logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
}

func newRuntime(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*runtime, error) {
	rt := &runtime{bus: events.NewGoChannelBus(logger)}
	eng, err := newEngine(cfg, rt.bus, logger)
	if err != nil {
		_ = rt.bus.Close()
		return nil, err
	}
	mcfg := manager.ManagerConfig{
		Engine:        eng,
		Bus:           rt.bus,
		Logger:        logger,
		LlamaBin:      cfg.LlamaBin,
		Deterministic: cfg.DeterministicIDs,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       cfg.MaxWait(),
	}
	if cfg.SessionDB != "" {
		path, err := fsutil.ExpandHome(cfg.SessionDB)
		if err != nil {
			_ = rt.bus.Close()
			return nil, err
		}
		rt.sessions, err = sessionstore.Open(path)
		if err != nil {
			_ = rt.bus.Close()
			return nil, err
		}
		mcfg.Sessions = rt.sessions
	}
	rt.mgr = manager.NewWithConfig(mcfg)
	if cfg.ContextLimit > 0 {
		if err := rt.mgr.SetContextLimit(ctx, cfg.ContextLimit); err != nil {
			rt.close(ctx)
			return nil, err
		}
	}
	return rt, nil
}

// close releases every context, then the catalog and the bus.
func (rt *runtime) close(ctx context.Context) {
	if err := rt.mgr.ReleaseAll(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("release all failed")
	}
	if rt.sessions != nil {
		_ = rt.sessions.Close()
	}
	_ = rt.bus.Close()
}

// resolveModel maps a model id or name in the models dir to its path.
// Unknown references are used as paths.
func resolveModel(cfg config.Config, ref string) string {
	models, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return ref
	}
	if m, ok := registry.Find(models, ref); ok {
		return m.Path
	}
	return ref
}
