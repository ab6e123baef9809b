package main

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"llamactx/internal/config"
)

// rootOptions holds the persistent flags. They override the config file and
// the environment only when set explicitly.
type rootOptions struct {
	configPath   string
	addr         string
	modelsDir    string
	logLevel     string
	engine       string
	serverURL    string
	llamaBin     string
	sessionDB    string
	contextLimit int
	corsOrigins  string
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "llamactxd",
		Short:         "Manage llama.cpp contexts over HTTP or from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	o.bindFlags(root)

	root.AddCommand(
		newServeCmd(o),
		newModelsCmd(o),
		newInfoCmd(o),
		newCPUCmd(),
		newCompleteCmd(o),
		newBenchCmd(o),
	)
	return root
}

func (o *rootOptions) bindFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&o.configPath, "config", envStr("LLAMACTX_CONFIG", ""), "Config file (.yaml, .json or .toml)")
	pf.StringVar(&o.addr, "addr", "", "HTTP listen address, e.g. :8080")
	pf.StringVar(&o.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	pf.StringVar(&o.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&o.engine, "engine", "", "Engine: server|subprocess|inprocess")
	pf.StringVar(&o.serverURL, "server-url", "", "llama-server base URL for the server engine")
	pf.StringVar(&o.llamaBin, "llama-bin", "", "Path to the llama-server binary for the subprocess engine")
	pf.StringVar(&o.sessionDB, "session-db", "", "SQLite file recording saved sessions")
	pf.IntVar(&o.contextLimit, "context-limit", 0, "Maximum live contexts (0=unlimited)")
	pf.StringVar(&o.corsOrigins, "cors-origins", "", "Comma-separated CORS origins; enables CORS")
}

// loadConfig merges defaults, the config file, LLAMACTX_* variables and
// explicitly set flags, in increasing precedence.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	applyEnv(&cfg)

	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr = o.addr
	}
	if f.Changed("models-dir") {
		cfg.ModelsDir = o.modelsDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if f.Changed("engine") {
		cfg.Engine = o.engine
	}
	if f.Changed("server-url") {
		cfg.ServerURL = o.serverURL
	}
	if f.Changed("llama-bin") {
		cfg.LlamaBin = o.llamaBin
	}
	if f.Changed("session-db") {
		cfg.SessionDB = o.sessionDB
	}
	if f.Changed("context-limit") {
		cfg.ContextLimit = o.contextLimit
	}
	if f.Changed("cors-origins") {
		cfg.CORSAllowedOrigins = splitCSV(o.corsOrigins)
		cfg.CORSEnabled = len(cfg.CORSAllowedOrigins) > 0
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

func applyEnv(cfg *config.Config) {
	if v := os.Getenv("LLAMACTX_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("LLAMACTX_MODELS_DIR"); v != "" {
		cfg.ModelsDir = v
	}
	if v := os.Getenv("LLAMACTX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LLAMACTX_ENGINE"); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv("LLAMACTX_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("LLAMACTX_SERVER_API_KEY"); v != "" {
		cfg.ServerAPIKey = v
	}
	if v := os.Getenv("LLAMACTX_LLAMA_BIN"); v != "" {
		cfg.LlamaBin = v
	}
	if v := os.Getenv("LLAMACTX_SESSION_DB"); v != "" {
		cfg.SessionDB = v
	}
	if v := os.Getenv("LLAMACTX_CORS_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
		cfg.CORSEnabled = true
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitCSV splits a comma-separated list, trimming spaces and dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// newLogger writes human-readable output to terminals and JSON otherwise.
func newLogger(level string, w io.Writer) zerolog.Logger {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05"}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
