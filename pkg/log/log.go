package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide structured logger. Packages derive child
// loggers from it via WithComponent rather than keeping their own roots.
var Logger zerolog.Logger

// Severity grades a diagnostic event. The agent's core never branches on
// whether a report was recorded; severities exist for the backend's
// filtering, not for control flow.
type Severity uint8

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	// SeverityCritical marks invariant violations — the ErrFatal class.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// EventID names a diagnostic event. Bits 8-15 select the subsystem,
// so backends can filter or count per module without parsing text.
type EventID uint32

const (
	ModulePool    EventID = 0x0100
	ModuleCodec   EventID = 0x0200
	ModuleRouting EventID = 0x0300
	ModuleCache   EventID = 0x0400
	ModuleCLA     EventID = 0x0500
	ModuleOffload EventID = 0x0600
)

// Diagnostic events reported by the core.
const (
	EventPoolExhausted     = ModulePool | 0x01
	EventBlocktypeConflict = ModulePool | 0x02
	EventDecodeFailed      = ModuleCodec | 0x01
	EventBundleDropped     = ModuleRouting | 0x01
	EventStoreRefused      = ModuleCache | 0x01
	EventCustodyFault      = ModuleCache | 0x02
	EventClaFault          = ModuleCLA | 0x01
	EventRestoreCorrupt    = ModuleOffload | 0x01
)

// Module extracts the subsystem group of an event ID.
func (id EventID) Module() EventID {
	return id & 0xFF00
}

// Backend receives every Report call: a severity, the event ID, and a
// printf-style message. The returned status is surfaced to the Report
// caller but nothing in the core depends on it.
type Backend func(sev Severity, id EventID, format string, args ...any) error

// backend holds the active Backend; swapped atomically so Report is safe
// from any goroutine without a lock.
var backend atomic.Value

// Report emits one diagnostic event through the installed backend.
func Report(sev Severity, id EventID, format string, args ...any) error {
	fn, _ := backend.Load().(Backend)
	if fn == nil {
		return nil
	}
	return fn(sev, id, format, args...)
}

// SetBackend installs a replacement event sink and returns the previous
// one. Passing nil restores the zerolog backend.
func SetBackend(fn Backend) Backend {
	prev, _ := backend.Load().(Backend)
	if fn == nil {
		fn = zerologBackend
	}
	backend.Store(fn)
	return prev
}

// zerologBackend renders reports through the global structured logger,
// carrying the event ID and subsystem as fields.
func zerologBackend(sev Severity, id EventID, format string, args ...any) error {
	var ev *zerolog.Event
	switch sev {
	case SeverityDebug:
		ev = Logger.Debug()
	case SeverityInfo:
		ev = Logger.Info()
	case SeverityWarning:
		ev = Logger.Warn()
	default:
		ev = Logger.Error()
	}
	ev.Uint32("event_id", uint32(id)).
		Str("severity", sev.String()).
		Msg(fmt.Sprintf(format, args...))
	return nil
}

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error");
	// empty or unparseable falls back to info.
	Level string
	// JSONOutput selects machine-readable output over the console form.
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
}

// Init configures the global logger and installs the default report
// backend. Safe to call again to reconfigure.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
	backend.Store(Backend(zerologBackend))
}

// WithComponent derives a child logger tagged with the subsystem name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func init() {
	backend.Store(Backend(zerologBackend))
}
