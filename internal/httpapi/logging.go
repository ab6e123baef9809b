package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer. Nop until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("LLAMACTX_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLogger returns the logger for r, tagged with the chi request id.
func requestLogger(r *http.Request) zerolog.Logger {
	l := zlog.With().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		l = l.Str("request_id", rid)
	}
	return l.Logger()
}

// logStart and logEnd bracket long-running handlers at the request's log level.
func logStart(r *http.Request, op string, ctxID int) time.Time {
	if requestLogLevel(r) >= LevelInfo {
		l := requestLogger(r)
		l.Info().Int("ctx_id", ctxID).Msg(op + " start")
	}
	return time.Now()
}

func logEnd(r *http.Request, op string, ctxID, status int, start time.Time, err error) {
	lvl := requestLogLevel(r)
	if lvl == LevelOff || (lvl == LevelError && err == nil) {
		return
	}
	l := requestLogger(r)
	ev := l.Info()
	if err != nil {
		ev = l.Error().Err(err)
	}
	ev.Int("ctx_id", ctxID).Int("status", status).Dur("dur", time.Since(start)).Msg(op + " end")
}

// lineLogger logs complete NDJSON lines at debug level.
type lineLogger struct {
	logger zerolog.Logger
	buf    []byte
}

func (lw *lineLogger) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			lw.logger.Debug().Str("line", string(lw.buf[:idx])).Msg("stream>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}
