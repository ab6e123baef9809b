package manager

import (
	"time"

	"llamactx/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	now := time.Now()
	m.mu.RLock()
	resp := types.StatusResponse{
		Engine:           string(m.eng.Kind()),
		ContextLimit:     m.contextLimit,
		LastError:        m.lastErr,
		UptimeSeconds:    int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:   now.Unix(),
		InitsTotal:       m.initsTotal.Load(),
		CompletionsTotal: m.completionsTotal.Load(),
	}
	m.mu.RUnlock()
	live := m.Contexts()
	resp.Contexts = make([]types.ContextStatus, 0, len(live))
	for _, c := range live {
		resp.Contexts = append(resp.Contexts, types.ContextStatus{
			ID:            c.ID,
			Model:         c.ModelPath,
			GPU:           c.GPU,
			CreatedUnix:   c.Created.Unix(),
			LastUsed:      c.lastUsed.Load(),
			QueueLen:      len(c.queueCh),
			Inflight:      len(c.genCh),
			MaxQueueDepth: cap(c.queueCh),
		})
	}
	return resp
}
