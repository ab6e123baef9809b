package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"llamactx/internal/engine"
	"llamactx/internal/events"
	"llamactx/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
)

// SessionCatalog records saved sessions. sessionstore.Store implements it.
type SessionCatalog interface {
	Record(ctx context.Context, rec types.SessionRecord) error
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Engine is the inference boundary. Nil selects the in-process engine.
	Engine engine.Engine
	// Bus carries engine events. Nil selects events.Default().
	Bus       events.Bus
	Logger    zerolog.Logger
	Publisher EventPublisher
	Sessions  SessionCatalog
	// LlamaBin is reported by SanityCheck for the subprocess engine.
	LlamaBin string
	// Deterministic ids are 0, 1, 2, ... without jitter.
	Deterministic bool
	JitterMax     int
	// Per-context completion admission.
	MaxQueueDepth int
	MaxWait       time.Duration
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		bus:       cfg.Bus,
		eng:       cfg.Engine,
		logger:    cfg.Logger,
		pub:       cfg.Publisher,
		sessions:  cfg.Sessions,
		llamaBin:  cfg.LlamaBin,
		ids:       newIDAllocator(cfg.Deterministic, cfg.JitterMax),
		live:      make(map[int]*LlamaContext),
		pending:   make(map[int]struct{}),
		startTime: time.Now(),
	}
	if m.bus == nil {
		m.bus = events.Default()
	}
	if m.eng == nil {
		m.eng = engine.NewInProcessEngine(engine.InProcessConfig{Bus: m.bus, Logger: cfg.Logger})
	}
	if m.pub == nil {
		m.pub = noopPublisher{}
	}
	// Apply defaults if unset
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	return m
}
