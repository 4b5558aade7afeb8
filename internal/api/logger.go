package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestLogger logs one zerolog line per request through chi's
// RequestLogger, so Recoverer panics land in the same stream.
func RequestLogger() func(http.Handler) http.Handler {
	return middleware.RequestLogger(&zerologFormatter{})
}

type zerologFormatter struct{}

func (f *zerologFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &zerologEntry{
		logger: log.With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Logger(),
	}
}

type zerologEntry struct {
	logger zerolog.Logger
}

func (e *zerologEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	ev := e.logger.Info()
	if status >= http.StatusInternalServerError {
		ev = e.logger.Error()
	}
	ev.Int("status", status).Int("bytes", bytes).Dur("elapsed", elapsed).Msg("request")
}

func (e *zerologEntry) Panic(v interface{}, stack []byte) {
	e.logger.Error().Interface("panic", v).Bytes("stack", stack).Msg("request panicked")
}
