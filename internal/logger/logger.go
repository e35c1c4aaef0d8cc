package logger

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

var (
	globalLogger *Logger
	once         sync.Once

	defaultConfig = Config{
		Level:      "info",
		Format:     FormatConsole,
		TimeFormat: time.RFC3339,
	}
)

// Logger wraps zerolog.Logger so components can log with a map of fields
// while still reaching the zerolog builder API through the embedded value.
type Logger struct {
	zerolog.Logger
	level zerolog.Level
}

// LogFormat selects the encoder used for log output
type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatConsole LogFormat = "console"
)

func (f LogFormat) String() string {
	return string(f)
}

// ParseLogFormat maps a user supplied format name onto a LogFormat.
// Unknown values fall back to JSON.
func ParseLogFormat(format string) LogFormat {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text", "pretty":
		return FormatConsole
	default:
		return FormatJSON
	}
}

// Config holds the configuration for the logger
type Config struct {
	// Level is the log level (debug, info, warn, error)
	Level string
	// Format is the log format (json, console)
	Format LogFormat
	// Output defaults to os.Stdout
	Output io.Writer
	// TimeFormat defaults to time.RFC3339
	TimeFormat string
}

// Get returns the global logger, creating it with defaults on first use
func Get() *Logger {
	once.Do(func() {
		if globalLogger == nil {
			globalLogger = newLogger(defaultConfig)
		}
	})
	return globalLogger
}

// Setup initializes the global logger. Only the first call has an effect.
func Setup(cfg Config) {
	once.Do(func() {
		globalLogger = newLogger(cfg)
	})
}

// ForceSetup replaces the global logger regardless of earlier Setup calls.
// The CLI uses it once the config file has been read.
func ForceSetup(cfg Config) {
	l := newLogger(cfg)
	once.Do(func() {})
	globalLogger = l
	globalLogger.Debug("Logger re-initialized", map[string]interface{}{
		"format": string(cfg.Format),
		"level":  l.level.String(),
	})
}

// ResetForTesting clears the global logger. Tests only.
func ResetForTesting() {
	globalLogger = nil
	once = sync.Once{}
}

// New builds a standalone logger that is not registered globally.
func New(cfg Config) *Logger {
	return newLogger(cfg)
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), level: zerolog.Disabled}
}

func newLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && parsed != zerolog.NoLevel {
			level = parsed
		}
	}

	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	switch cfg.Format {
	case FormatConsole:
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: cfg.TimeFormat})
	default:
		zl = zerolog.New(output)
	}

	zl = zl.Level(level).With().Timestamp().Logger()
	return &Logger{Logger: zl, level: level}
}

// GetLevel returns the configured level
func (l *Logger) GetLevel() zerolog.Level {
	if l == nil {
		return zerolog.NoLevel
	}
	return l.level
}

// WithFields returns a child logger carrying the given fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	if l == nil {
		return Get()
	}
	if len(fields) == 0 {
		return l
	}
	return &Logger{
		Logger: l.Logger.With().Fields(fields).Logger(),
		level:  l.level,
	}
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) *Logger {
	return l.WithFields(map[string]interface{}{"component": name})
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []map[string]interface{}) {
	for _, f := range fields {
		if len(f) > 0 {
			ev = ev.Fields(normalize(f))
		}
	}
	ev.Msg(msg)
}

// normalize turns error values into strings so JSON output stays readable
func normalize(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok && err != nil {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}

// Info logs at info level with optional fields
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.emit(l.Logger.Info(), msg, fields)
}

// Warn logs at warn level with optional fields
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.emit(l.Logger.Warn(), msg, fields)
}

// Debug logs at debug level with optional fields
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.emit(l.Logger.Debug(), msg, fields)
}

// Error logs at error level with optional fields
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.emit(l.Logger.Error(), msg, fields)
}

// ContextKey is a type for context keys
type ContextKey string

// ContextKeyRequestID holds the per-request id set by HTTPMiddleware
const ContextKeyRequestID ContextKey = "request_id"

type loggerKey struct{}

// WithLogger stores a logger in the context. A nil logger leaves ctx unchanged.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or the global logger
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
			return l
		}
	}
	return Get()
}

// HTTPMiddleware tags each request with an id and logs it on completion
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		reqLog := Get().WithFields(map[string]interface{}{"request_id": requestID})
		ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
		ctx = WithLogger(ctx, reqLog)

		rww := &responseWriterWrapper{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rww, r.WithContext(ctx))

		ip := r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip = r.RemoteAddr
		}

		reqLog.Info("HTTP request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"query":      r.URL.RawQuery,
			"ip":         ip,
			"user_agent": r.UserAgent(),
			"status":     rww.status,
			"duration":   time.Since(start).String(),
		})
	})
}

type responseWriterWrapper struct {
	http.ResponseWriter
	status int
}

func (r *responseWriterWrapper) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers (SSE) flush through the wrapper
func (r *responseWriterWrapper) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController
func (r *responseWriterWrapper) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
