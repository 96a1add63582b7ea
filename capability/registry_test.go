package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmesh/capmesh/core"
)

func echoPrimitive(name string) *Primitive {
	return NewPrimitive(name, "Echoes its input", nil,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			return args, nil
		},
	)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(echoPrimitive("echo")))
	assert.True(t, r.Exists("echo"))
	assert.Equal(t, 1, r.Count())

	c, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", c.Descriptor().Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(echoPrimitive("echo")))
	err := r.Register(echoPrimitive("echo"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryReRegisterAfterUnregister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(echoPrimitive("echo")))
	assert.True(t, r.Unregister("echo"))
	assert.False(t, r.Unregister("echo"))
	assert.False(t, r.Exists("echo"))

	replacement := NewPrimitive("echo", "Replacement", nil,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			return "new", nil
		},
	)
	require.NoError(t, r.Register(replacement))

	c, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "Replacement", c.Descriptor().Description)
}

func TestRegistryListByKind(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(echoPrimitive("beta")))
	require.NoError(t, r.Register(echoPrimitive("alpha")))

	primitives := r.List(KindPrimitive)
	require.Len(t, primitives, 2)
	assert.Equal(t, "alpha", primitives[0].Name)
	assert.Equal(t, "beta", primitives[1].Name)

	assert.Empty(t, r.List(KindEntity))
}

func TestRegistryUniversal(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterUniversal(echoPrimitive("ask_human")))
	require.NoError(t, r.Register(echoPrimitive("read_file")))

	assert.Equal(t, []string{"ask_human"}, r.UniversalNames())

	// Unregistering drops universal status too.
	assert.True(t, r.Unregister("ask_human"))
	assert.Empty(t, r.UniversalNames())
}

func TestRegisterLoadersIsolatesFailures(t *testing.T) {
	r := NewRegistry()

	report := r.RegisterLoaders(map[string]Loader{
		"good.md": func() (Capability, error) { return echoPrimitive("good"), nil },
		"bad.md":  func() (Capability, error) { return nil, assert.AnError },
		"nil.md":  func() (Capability, error) { return nil, nil },
	})

	assert.Equal(t, []string{"good"}, report.Loaded)
	assert.Len(t, report.Failures, 2)
	assert.False(t, report.OK())
	assert.True(t, r.Exists("good"))
}
