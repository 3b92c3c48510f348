package testutil

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedSlogHandler_Keys(t *testing.T) {
	tests := []struct {
		name  string
		build func(*slog.Logger) *slog.Logger
		want  map[string]any
	}{
		{
			name:  "plain",
			build: func(l *slog.Logger) *slog.Logger { return l },
			want:  map[string]any{"id": "lic-1"},
		},
		{
			name:  "with attrs",
			build: func(l *slog.Logger) *slog.Logger { return l.With("component", "gate") },
			want:  map[string]any{"component": "gate", "id": "lic-1"},
		},
		{
			name:  "group prefixes record attrs",
			build: func(l *slog.Logger) *slog.Logger { return l.WithGroup("license") },
			want:  map[string]any{"license.id": "lic-1"},
		},
		{
			name: "attrs added inside a group",
			build: func(l *slog.Logger) *slog.Logger {
				return l.With("component", "gate").WithGroup("flow").With("kind", "online")
			},
			want: map[string]any{"component": "gate", "flow.kind": "online", "flow.id": "lic-1"},
		},
		{
			name:  "nested groups",
			build: func(l *slog.Logger) *slog.Logger { return l.WithGroup("a").WithGroup("b") },
			want:  map[string]any{"a.b.id": "lic-1"},
		},
		{
			name:  "empty group name is ignored",
			build: func(l *slog.Logger) *slog.Logger { return l.WithGroup("") },
			want:  map[string]any{"id": "lic-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, handler := NewTestLogger(t)
			tt.build(logger).Info("stored", slog.String("id", "lic-1"))

			records := handler.GetRecords()
			require.Len(t, records, 1)
			assert.Equal(t, tt.want, records[0].Attrs)
		})
	}
}

func TestBufferedSlogHandler_DerivedHandlersShareBuffer(t *testing.T) {
	logger, handler := NewTestLogger(t)
	gate := logger.With("component", "gate")
	inbox := logger.WithGroup("inbox")

	gate.Info("awaiting activation")
	inbox.Warn("rejected", slog.String("file", "a.lic"))
	logger.Error("store failed")

	assert.Equal(t, 3, handler.Count())
	assert.True(t, handler.ContainsAttr("component", "gate"))
	assert.True(t, handler.ContainsAttr("inbox.file", "a.lic"))
	assert.Len(t, handler.GetRecordsByLevel(slog.LevelWarn), 1)
	AssertLogContains(t, handler, slog.LevelError, "store failed")

	// the sibling derived from the root does not inherit the gate attrs
	rejected := handler.FindByAttr("inbox.file", "a.lic")
	require.Len(t, rejected, 1)
	assert.NotContains(t, rejected[0].Attrs, "component")

	handler.Clear()
	gate.Info("after clear")
	assert.Equal(t, 1, handler.Count())
}

func TestBufferedSlogHandler_WithAttrsDoesNotAlias(t *testing.T) {
	logger, handler := NewTestLogger(t)
	base := logger.With("component", "gate")
	first := base.With("flow", "online")
	second := base.With("flow", "offline")

	first.Info("one")
	second.Info("two")

	records := handler.GetRecords()
	require.Len(t, records, 2)
	assert.Equal(t, "online", records[0].Attrs["flow"])
	assert.Equal(t, "offline", records[1].Attrs["flow"])
}

func TestBufferedSlogHandler_ConcurrentDerivedLoggers(t *testing.T) {
	logger, handler := NewTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.WithGroup("worker").Info("poll", slog.Int("n", n))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, handler.Count())
	assert.Len(t, handler.FindByAttr("worker.n", int64(3)), 1)
	AssertNoErrors(t, handler)
}
