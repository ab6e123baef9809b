package manager

import (
	"context"
	"time"

	"llamactx/internal/common/fsutil"
	"llamactx/internal/engine"
	"llamactx/internal/events"
	"llamactx/pkg/types"
)

// InitLlama creates a context. When onProgress is set it receives the
// engine's initialization progress for this context only; the progress
// subscription lives exactly as long as the engine call. Engine failures are
// returned unchanged.
func (m *Manager) InitLlama(ctx context.Context, p types.ContextParams, onProgress func(float64)) (*LlamaContext, error) {
	modelPath := fsutil.LocalPath(p.Model)
	ip := engine.InitParams{
		ModelPath:           modelPath,
		IsModelAsset:        p.IsModelAsset,
		UseProgressCallback: onProgress != nil,
		PoolingType:         poolingCode(p.PoolingType),
		LoraList:            normalizeLoraList(p.LoraList),
		Options:             p.ContextOptions,
	}
	if p.Lora != "" {
		ip.Lora = fsutil.LocalPath(p.Lora)
	}

	id := m.allocateID()
	var created *LlamaContext
	defer func() { m.settle(id, created) }()

	if onProgress != nil {
		sub, err := m.bus.Subscribe(events.TopicInitProgress, func(e events.Event) {
			if e.ContextID == id {
				onProgress(e.Progress)
			}
		})
		if err != nil {
			return nil, err
		}
		activeListeners.Inc()
		defer func() {
			sub.Cancel()
			activeListeners.Dec()
		}()
	}

	m.pub.Publish(Event{Name: EventInitStart, ContextID: id, Fields: map[string]any{"model": modelPath}})
	start := time.Now()
	res, err := m.eng.InitContext(ctx, id, ip)
	dur := time.Since(start)
	initDuration.Observe(dur.Seconds())
	if err != nil {
		m.mu.Lock()
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.logger.Error().Err(err).Int("ctx_id", id).Str("model", modelPath).Int64("dur_ms", dur.Milliseconds()).Msg("manager event=init_error")
		m.pub.Publish(Event{Name: EventInitError, ContextID: id, Fields: map[string]any{"model": modelPath, "error": err.Error()}})
		return nil, err
	}

	created = newLlamaContext(m, id, modelPath, res)
	m.initsTotal.Add(1)
	m.mu.Lock()
	m.lastErr = ""
	m.mu.Unlock()
	m.logger.Info().Int("ctx_id", id).Str("model", modelPath).Bool("gpu", res.GPU).Int64("dur_ms", dur.Milliseconds()).Msg("manager event=init_ready")
	m.pub.Publish(Event{Name: EventInitReady, ContextID: id, Fields: map[string]any{"model": modelPath, "gpu": res.GPU}})
	return created, nil
}
