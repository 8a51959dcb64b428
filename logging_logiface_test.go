package fiberd

import (
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

// testEvent is a minimal logiface.Event implementation, the same shape the
// teacher's coverage_extra_test.go uses to exercise its own logger plumbing.
type testEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	fields map[string]any
}

func (e *testEvent) Level() logiface.Level { return e.level }
func (e *testEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = map[string]any{}
	}
	e.fields[key] = val
}

type testEventFactory struct{}

func (f *testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
}

type testEventWriter struct {
	onWrite func(*testEvent) error
}

func (w *testEventWriter) Write(event *testEvent) error {
	if w.onWrite != nil {
		return w.onWrite(event)
	}
	return nil
}

// logifaceAdapter adapts a logiface.Logger[*testEvent] to this package's
// Logger interface, proving the interface is narrow enough for an embedder
// to bridge to a typed logiface pipeline rather than needing a bespoke sink.
type logifaceAdapter struct {
	l *logiface.Logger[*testEvent]
}

func (a *logifaceAdapter) IsEnabled(level LogLevel) bool {
	return a.l.Build(logifaceLevel(level)).Enabled()
}

func (a *logifaceAdapter) Log(entry LogEntry) {
	a.l.Build(logifaceLevel(entry.Level)).
		Str("category", entry.Category).
		Err(entry.Err).
		Log(entry.Message)
}

func logifaceLevel(l LogLevel) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func TestLogifaceAdapter_RoutesErrorThroughToWriter(t *testing.T) {
	var written *testEvent
	writer := &testEventWriter{
		onWrite: func(event *testEvent) error {
			written = event
			return nil
		},
	}
	factory := &testEventFactory{}

	typed := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](factory),
		logiface.WithWriter[*testEvent](writer),
		logiface.WithLevel[*testEvent](logiface.LevelDebug),
	)

	adapter := &logifaceAdapter{l: typed}
	require.True(t, adapter.IsEnabled(LevelError))

	adapter.Log(LogEntry{
		Level:    LevelError,
		Category: "hook",
		Message:  "poll error",
	})

	require.NotNil(t, written)
	require.Equal(t, logiface.LevelError, written.level)
	require.Equal(t, "hook", written.fields["category"])
}

func TestLogifaceAdapter_PluggableViaSetStructuredLogger(t *testing.T) {
	defer SetStructuredLogger(nil)

	var count int
	writer := &testEventWriter{
		onWrite: func(event *testEvent) error {
			count++
			return nil
		},
	}
	typed := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](&testEventFactory{}),
		logiface.WithWriter[*testEvent](writer),
		logiface.WithLevel[*testEvent](logiface.LevelDebug),
	)

	SetStructuredLogger(&logifaceAdapter{l: typed})
	SError("hook", "boom", nil, nil)

	require.Equal(t, 1, count)
}
