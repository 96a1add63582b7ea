package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOrNoOp(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, OrNoOp(nil))

	l := NewDefaultSlogLogger()
	assert.Same(t, l, OrNoOp(l))
}

func TestZapAdapter(t *testing.T) {
	zapCore, logs := observer.New(zap.DebugLevel)
	adapter := NewZapAdapter(zap.New(zapCore))

	adapter.Debug("entity.receive", "entity", "solver")
	adapter.Info("primitive.call.success", "capability", "read_file")
	adapter.Warn("bus.persist.failed", "error", "disk full")
	adapter.Error("entity.observer.panic", "panic", "boom")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "entity.receive", entries[0].Message)
	assert.Equal(t, "solver", entries[0].ContextMap()["entity"])
	assert.Equal(t, "read_file", entries[1].ContextMap()["capability"])
}

func TestRuntimeLoggerContext(t *testing.T) {
	l := NewLogger(DefaultLoggerConfig())

	scoped := l.WithComponent("entity").WithThread("solver", "thread-1")
	require.NotSame(t, l, scoped)

	// Derived loggers never mutate the parent.
	another := scoped.WithContext("capability", "read_file")
	require.NotSame(t, scoped, another)

	// Domain helpers must not panic regardless of outcome shape.
	assert.NotPanics(t, func() {
		scoped.LogCapabilityCall("read_file", 0, true, nil)
		scoped.LogCapabilityCall("read_file", 0, false, errors.New("kaput"))
		scoped.LogDelegation("coordinator", "solver", "thread-1", 0, true, nil)
		stop := scoped.StartTimer("receive")
		stop()
	})
}
