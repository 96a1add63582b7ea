package capability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/humanq"
	"github.com/capmesh/capmesh/thread"
)

// growable is a minimal DeclaredMutator for add_capability tests.
type growable struct {
	name string

	mu       sync.Mutex
	declared map[string]bool
}

func (g *growable) Descriptor() Descriptor {
	return Descriptor{Name: g.name, Description: "Grows", Kind: KindEntity}
}

func (g *growable) State() State { return StateIdle }

func (g *growable) Receive(ctx context.Context, message string, callCtx *core.Context) (string, error) {
	return "", nil
}

func (g *growable) AddDeclared(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.declared == nil {
		g.declared = make(map[string]bool)
	}
	if g.declared[name] {
		return false
	}
	g.declared[name] = true
	return true
}

func seededStore(t *testing.T) (thread.Store, string) {
	t.Helper()
	store := thread.NewInMemoryStore()
	rootID, err := store.CreateThread(thread.Spec{Owner: "solver"})
	require.NoError(t, err)
	return store, rootID
}

func TestAskHumanBlocksAndResolves(t *testing.T) {
	queue := humanq.New()
	ask := NewAskHuman(queue)

	done := make(chan struct{})
	var out string
	var callErr error
	go func() {
		defer close(done)
		out, callErr = ask.Receive(context.Background(),
			`{"question":"continue?","options":["yes","no"]}`,
			&core.Context{CallingEntity: "solver"},
		)
	}()

	var pending []*humanq.Request
	require.Eventually(t, func() bool {
		pending = queue.AllPending()
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "continue?", pending[0].Question)
	assert.Equal(t, []string{"yes", "no"}, pending[0].Options)
	assert.Equal(t, "solver", pending[0].Capability)

	require.True(t, queue.Respond(pending[0].ID, "yes"))
	<-done

	require.NoError(t, callErr)
	assert.Equal(t, "yes", out)
}

func TestAskHumanHonorsCancellation(t *testing.T) {
	queue := humanq.New()
	ask := NewAskHuman(queue)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ask.Receive(ctx, `{"question":"ever?"}`, &core.Context{CallingEntity: "solver"})
	require.Error(t, err)
}

func TestAddCapability(t *testing.T) {
	r := NewRegistry()
	target := echoPrimitive("read_file")
	require.NoError(t, r.Register(target))

	g := &growable{name: "solver"}
	require.NoError(t, r.Register(g))

	add := NewAddCapability(r)

	out, err := add.Receive(context.Background(), `{"name":"read_file"}`, &core.Context{CallingEntity: "solver"})
	require.NoError(t, err)
	assert.Contains(t, out, "read_file")
	assert.True(t, g.declared["read_file"])

	// Second grant reports the no-op.
	out, err = add.Receive(context.Background(), `{"name":"read_file"}`, &core.Context{CallingEntity: "solver"})
	require.NoError(t, err)
	assert.Contains(t, out, "already")
}

func TestAddCapabilityErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoPrimitive("read_file")))
	require.NoError(t, r.Register(echoPrimitive("rigid")))
	require.NoError(t, r.Register(&growable{name: "solver"}))

	add := NewAddCapability(r)

	// Unknown capability.
	_, err := add.Receive(context.Background(), `{"name":"missing"}`, &core.Context{CallingEntity: "solver"})
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, CodeUnknown, capErr.Code)

	// No calling entity.
	_, err = add.Receive(context.Background(), `{"name":"read_file"}`, &core.Context{})
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, CodeNotAllowed, capErr.Code)

	// Caller cannot grow.
	_, err = add.Receive(context.Background(), `{"name":"read_file"}`, &core.Context{CallingEntity: "rigid"})
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, CodeNotAllowed, capErr.Code)

	// Self-grant is refused even though the caller is registered and growable.
	_, err = add.Receive(context.Background(), `{"name":"solver"}`, &core.Context{CallingEntity: "solver"})
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, CodeNotAllowed, capErr.Code)
	assert.Contains(t, capErr.Message, "itself")
}

func TestEnvDataRoundTrip(t *testing.T) {
	store, rootID := seededStore(t)
	callCtx := &core.Context{CallingEntity: "solver", ThreadID: rootID}

	storeCap := NewStoreEnvData(store)
	getCap := NewGetEnvData(store)
	listCap := NewListEnvData(store)

	_, err := storeCap.Receive(context.Background(),
		`{"key":"plan","short_description":"the plan","value":"step 1: dig"}`, callCtx)
	require.NoError(t, err)

	out, err := getCap.Receive(context.Background(), `{"key":"plan"}`, callCtx)
	require.NoError(t, err)
	assert.Equal(t, "step 1: dig", out)

	listing, err := listCap.Receive(context.Background(), `{}`, callCtx)
	require.NoError(t, err)
	assert.Contains(t, listing, "plan")
	assert.Contains(t, listing, "the plan")
	assert.NotContains(t, listing, "step 1: dig", "values are omitted from listings")
}

func TestEnvDataScopedToRootThread(t *testing.T) {
	store, rootID := seededStore(t)

	// A delegation thread under the root resolves to the same scope.
	childID, err := store.CreateThread(thread.Spec{Owner: "helper", ParentThreadID: rootID, ParentEntity: "solver"})
	require.NoError(t, err)

	// An unrelated root sees nothing.
	otherRoot, err := store.CreateThread(thread.Spec{Owner: "stranger"})
	require.NoError(t, err)

	storeCap := NewStoreEnvData(store)
	getCap := NewGetEnvData(store)

	_, err = storeCap.Receive(context.Background(),
		`{"key":"plan","short_description":"the plan","value":"dig"}`,
		&core.Context{CallingEntity: "solver", ThreadID: rootID})
	require.NoError(t, err)

	out, err := getCap.Receive(context.Background(), `{"key":"plan"}`,
		&core.Context{CallingEntity: "helper", ThreadID: childID})
	require.NoError(t, err)
	assert.Equal(t, "dig", out)

	_, err = getCap.Receive(context.Background(), `{"key":"plan"}`,
		&core.Context{CallingEntity: "stranger", ThreadID: otherRoot})
	require.Error(t, err)
}

func TestEnvDataRequiresThread(t *testing.T) {
	store, _ := seededStore(t)
	getCap := NewGetEnvData(store)

	_, err := getCap.Receive(context.Background(), `{"key":"plan"}`, &core.Context{CallingEntity: "solver"})
	require.Error(t, err)
}

func TestListEnvDataEmpty(t *testing.T) {
	store, rootID := seededStore(t)
	listCap := NewListEnvData(store)

	out, err := listCap.Receive(context.Background(), `{}`, &core.Context{ThreadID: rootID})
	require.NoError(t, err)
	assert.Contains(t, out, "No shared entries")
}
