package engine

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"llamactx/internal/events"
)

const (
	defaultReadyTimeout = 60 * time.Second
	stopGrace           = 2 * time.Second
	stderrTail          = 4096
)

// SubprocessConfig configures a SubprocessEngine.
type SubprocessConfig struct {
	LlamaBin  string
	Host      string
	PortStart int
	PortEnd   int
	// Defaults used when the context options leave them unset.
	CtxSize   int
	GPULayers int
	Threads   int
	ExtraArgs []string
	// SlotSaveDir is passed as --slot-save-path to every process.
	SlotSaveDir  string
	ReadyTimeout time.Duration
	Bus          events.Bus
	Logger       zerolog.Logger
}

// SubprocessEngine spawns one llama-server per context.
type SubprocessEngine struct {
	httpEngine
	cfg SubprocessConfig
	hc  *http.Client
}

var _ Engine = (*SubprocessEngine)(nil)

// NewSubprocessEngine constructs a SubprocessEngine; the llama-server binary
// is located on first use when cfg.LlamaBin is empty.
func NewSubprocessEngine(cfg SubprocessConfig) *SubprocessEngine {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.Default()
	}
	return &SubprocessEngine{
		httpEngine: newHTTPEngine(bus, cfg.Logger, cfg.SlotSaveDir),
		cfg:        cfg,
		hc:         newHTTPClient(0),
	}
}

func (e *SubprocessEngine) Kind() Kind { return KindSubprocess }

// process is a spawned llama-server.
type process struct {
	cmd     *exec.Cmd
	pid     int
	baseURL string
	done    chan struct{}
	exitErr error
	stderr  *lockedBuffer
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}

var poolingNames = []string{"none", "mean", "cls", "last", "rank"}

// Args builds the llama-server command line for a context.
func (e *SubprocessEngine) Args(p InitParams, host string, port int) []string {
	o := p.Options
	args := []string{"-m", p.ModelPath, "--host", host, "--port", strconv.Itoa(port)}
	intFlag := func(flag string, v, def int) {
		if v <= 0 {
			v = def
		}
		if v > 0 {
			args = append(args, flag, strconv.Itoa(v))
		}
	}
	intFlag("-c", o.NCtx, e.cfg.CtxSize)
	intFlag("-b", o.NBatch, 0)
	intFlag("-ub", o.NUbatch, 0)
	intFlag("-t", o.NThreads, e.cfg.Threads)
	intFlag("-ngl", o.NGPULayers, e.cfg.GPULayers)
	if o.UseMlock {
		args = append(args, "--mlock")
	}
	if o.UseMmap != nil && !*o.UseMmap {
		args = append(args, "--no-mmap")
	}
	if o.FlashAttn {
		args = append(args, "-fa")
	}
	if o.CacheTypeK != nil && o.CacheTypeK.String() != "" {
		args = append(args, "-ctk", o.CacheTypeK.String())
	}
	if o.CacheTypeV != nil && o.CacheTypeV.String() != "" {
		args = append(args, "-ctv", o.CacheTypeV.String())
	}
	if o.Embedding {
		args = append(args, "--embedding")
	}
	if p.PoolingType != nil && *p.PoolingType >= 0 && *p.PoolingType < len(poolingNames) {
		args = append(args, "--pooling", poolingNames[*p.PoolingType])
	}
	if o.RopeFreqBase > 0 {
		args = append(args, "--rope-freq-base", strconv.FormatFloat(o.RopeFreqBase, 'f', -1, 64))
	}
	if o.RopeFreqScale > 0 {
		args = append(args, "--rope-freq-scale", strconv.FormatFloat(o.RopeFreqScale, 'f', -1, 64))
	}
	if o.ChatTemplate != "" {
		args = append(args, "--chat-template", o.ChatTemplate)
	}
	if p.Lora != "" {
		args = append(args, "--lora", p.Lora)
	}
	for _, l := range p.LoraList {
		if l.Scaled != 0 {
			args = append(args, "--lora-scaled", l.Path, strconv.FormatFloat(l.Scaled, 'f', -1, 64))
		} else {
			args = append(args, "--lora", l.Path)
		}
	}
	if e.cfg.SlotSaveDir != "" {
		args = append(args, "--slot-save-path", e.cfg.SlotSaveDir)
	}
	return append(args, e.cfg.ExtraArgs...)
}

func (e *SubprocessEngine) InitContext(ctx context.Context, id int, p InitParams) (InitResult, error) {
	if err := e.table.reserve(id); err != nil {
		return InitResult{}, err
	}
	rc, err := e.spawn(ctx, id, p)
	if err != nil {
		e.table.abort(id)
		return InitResult{}, err
	}
	e.table.commit(id, rc)
	res := InitResult{GPU: true, Model: rc.model}
	if p.Options.NGPULayers <= 0 && e.cfg.GPULayers <= 0 {
		res.GPU = false
		res.ReasonNoGPU = "n_gpu_layers is 0"
	}
	return res, nil
}

func (e *SubprocessEngine) binary() (string, error) {
	bin := e.cfg.LlamaBin
	if bin == "" {
		bin = DiscoverLlamaBin()
	}
	if bin == "" {
		return "", ErrDependencyUnavailable("llama-server not found; set llama_bin")
	}
	if fi, err := os.Stat(bin); err != nil || fi.IsDir() {
		if lp, lerr := exec.LookPath(bin); lerr == nil {
			return lp, nil
		}
		return "", ErrDependencyUnavailable("llama-server not usable: " + bin)
	}
	return bin, nil
}

func (e *SubprocessEngine) spawn(ctx context.Context, id int, p InitParams) (*remoteContext, error) {
	if strings.TrimSpace(p.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	bin, err := e.binary()
	if err != nil {
		return nil, err
	}
	var port int
	if e.cfg.PortStart > 0 && e.cfg.PortEnd >= e.cfg.PortStart {
		port, err = pickPortInRange(e.cfg.Host, e.cfg.PortStart, e.cfg.PortEnd)
	} else {
		port, err = pickFreePort(e.cfg.Host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s", net.JoinHostPort(e.cfg.Host, strconv.Itoa(port)))

	cmd := exec.Command(bin, e.Args(p, e.cfg.Host, port)...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start llama-server")
	}
	proc := &process{cmd: cmd, pid: cmd.Process.Pid, baseURL: baseURL, done: make(chan struct{}), stderr: stderr}
	go func() {
		proc.exitErr = cmd.Wait()
		close(proc.done)
	}()
	e.logger.Info().Int("ctx_id", id).Str("model", p.ModelPath).Int("pid", proc.pid).Int("port", port).Msg("engine event=spawn_start")

	client := newLlamaClient(baseURL, "", e.hc)
	if err := e.waitReady(ctx, id, p, proc, client); err != nil {
		e.terminate(proc)
		return nil, err
	}
	props, err := client.props(ctx)
	if err != nil {
		e.terminate(proc)
		return nil, err
	}
	e.publishProgress(id, p, 1)
	e.logger.Info().Int("ctx_id", id).Int("pid", proc.pid).Str("url", baseURL).Msg("engine event=spawn_ready")
	return &remoteContext{client: client, modelPath: p.ModelPath, model: describe(p.ModelPath, props), proc: proc}, nil
}

// waitReady polls /health until the server has loaded the model, publishing
// progress proportional to the elapsed share of the readiness timeout.
func (e *SubprocessEngine) waitReady(ctx context.Context, id int, p InitParams, proc *process, client *llamaClient) error {
	start := time.Now()
	deadline := start.Add(e.cfg.ReadyTimeout)
	e.publishProgress(id, p, 0)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		hctx, cancel := context.WithTimeout(ctx, time.Second)
		err := client.health(hctx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-proc.done:
			e.logger.Warn().Int("ctx_id", id).Int("pid", proc.pid).AnErr("exit", proc.exitErr).Msg("engine event=spawn_exit_early")
			if proc.exitErr != nil {
				return errors.Errorf("llama-server exited early: %v; stderr tail: %s", proc.exitErr, proc.stderr.tail())
			}
			return errors.Errorf("llama-server exited before ready: %s", proc.baseURL)
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			if now.After(deadline) {
				e.logger.Warn().Int("ctx_id", id).Int("pid", proc.pid).Msg("engine event=spawn_timeout")
				return errors.Errorf("llama-server not ready in time: %s", proc.baseURL)
			}
			frac := float64(now.Sub(start)) / float64(e.cfg.ReadyTimeout)
			e.publishProgress(id, p, min(frac, 0.99))
		}
	}
}

// terminate sends SIGTERM and kills the process if it has not exited after stopGrace.
func (e *SubprocessEngine) terminate(proc *process) {
	if proc == nil || proc.cmd.Process == nil {
		return
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-proc.done:
	case <-time.After(stopGrace):
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
	e.logger.Info().Int("pid", proc.pid).Msg("engine event=spawn_stop")
}

func (e *SubprocessEngine) ReleaseContext(_ context.Context, id int) error {
	rc, ok := e.table.remove(id)
	if !ok {
		return ErrUnknownContext(id)
	}
	rc.stop()
	e.terminate(rc.proc)
	return nil
}

// ReleaseAllContexts stops every process concurrently.
func (e *SubprocessEngine) ReleaseAllContexts(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, rc := range e.table.drain() {
		rc := rc
		g.Go(func() error {
			rc.stop()
			e.terminate(rc.proc)
			return nil
		})
	}
	return g.Wait()
}

// DiscoverLlamaBin looks for llama-server in common install locations and PATH.
func DiscoverLlamaBin() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "apps", "llama.cpp", "build", "bin", "llama-server"),
		filepath.Join(home, ".local", "bin", "llama-server"),
		"/usr/local/bin/llama-server",
		"/opt/homebrew/bin/llama-server",
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	return ""
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
