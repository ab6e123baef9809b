package registry

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"llamactx/pkg/types"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher keeps a model list current while files in the directory change.
type Watcher struct {
	dir      string
	scanner  *GGUFScanner
	fsw      *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration

	mu     sync.RWMutex
	models []types.Model

	updated chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Watch scans dir once and then rescans it whenever a .gguf file in it is
// created, removed, renamed or written.
func Watch(dir string, logger zerolog.Logger) (*Watcher, error) {
	return watch(dir, logger, defaultDebounce)
}

func watch(dir string, logger zerolog.Logger, debounce time.Duration) (*Watcher, error) {
	abs, err := absDir(dir)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		dir:      abs,
		scanner:  NewGGUFScanner(),
		logger:   logger,
		debounce: debounce,
		updated:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if w.models, err = w.scanner.Scan(abs); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.fsw = fsw
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Models returns a copy of the current model list.
func (w *Watcher) Models() []types.Model {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]types.Model, len(w.models))
	copy(out, w.models)
	return out
}

// Updated receives a value after each rescan. Signals coalesce.
func (w *Watcher) Updated() <-chan struct{} { return w.updated }

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isGGUF(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("dir", w.dir).Msg("registry event=watch_error")
		case <-fire:
			fire = nil
			w.rescan()
		}
	}
}

func (w *Watcher) rescan() {
	models, err := w.scanner.Scan(w.dir)
	if err != nil {
		w.logger.Warn().Err(err).Str("dir", w.dir).Msg("registry event=rescan_error")
		return
	}
	w.mu.Lock()
	w.models = models
	w.mu.Unlock()
	w.logger.Debug().Str("dir", w.dir).Int("models", len(models)).Msg("registry event=rescan")
	select {
	case w.updated <- struct{}{}:
	default:
	}
}
