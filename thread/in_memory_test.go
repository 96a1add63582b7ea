package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmesh/capmesh/core"
)

func TestCreateThreadDefaultsType(t *testing.T) {
	s := NewInMemoryStore()

	rootID, err := s.CreateThread(Spec{Owner: "solver"})
	require.NoError(t, err)

	root, err := s.GetThread(rootID)
	require.NoError(t, err)
	assert.Equal(t, TypeRoot, root.Type)
	assert.Equal(t, "solver", root.Owner)
	assert.Empty(t, root.ParentThreadID)

	childID, err := s.CreateThread(Spec{Owner: "helper", ParentThreadID: rootID, ParentEntity: "solver"})
	require.NoError(t, err)

	child, err := s.GetThread(childID)
	require.NoError(t, err)
	assert.Equal(t, TypeDelegation, child.Type)
	assert.Equal(t, "solver", child.ParentEntity)
}

func TestCreateThreadRequiresExistingParent(t *testing.T) {
	s := NewInMemoryStore()

	_, err := s.CreateThread(Spec{Owner: "helper", ParentThreadID: "ghost"})
	require.ErrorIs(t, err, ErrParentNotFound)
}

func TestGetThreadNotFound(t *testing.T) {
	s := NewInMemoryStore()

	_, err := s.GetThread("missing")
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestListThreadsNewestFirst(t *testing.T) {
	s := NewInMemoryStore()

	first, err := s.CreateThread(Spec{Owner: "solver", Name: "first"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.CreateThread(Spec{Owner: "solver", Name: "second"})
	require.NoError(t, err)
	_, err = s.CreateThread(Spec{Owner: "other"})
	require.NoError(t, err)

	threads, err := s.ListThreads("solver")
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, second, threads[0].ID)
	assert.Equal(t, first, threads[1].ID)
}

func TestRenameThread(t *testing.T) {
	s := NewInMemoryStore()

	id, err := s.CreateThread(Spec{Owner: "solver"})
	require.NoError(t, err)

	require.NoError(t, s.RenameThread(id, "renamed"))
	th, err := s.GetThread(id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", th.Name)

	require.ErrorIs(t, s.RenameThread("missing", "x"), ErrThreadNotFound)
}

func TestMessagesRoundTrip(t *testing.T) {
	s := NewInMemoryStore()

	id, err := s.CreateThread(Spec{Owner: "solver"})
	require.NoError(t, err)

	msgID, err := s.AddMessage(id, core.NewUserMessage("human", "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	_, err = s.AddMessage(id, core.NewToolCallMessage([]core.ToolCall{
		{ID: "call_1", Name: "read_file", Arguments: `{"path":"x"}`},
	}))
	require.NoError(t, err)

	msgs, err := s.Messages(id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "read_file", msgs[1].ToolCalls[0].Name)

	_, err = s.AddMessage("missing", core.NewUserMessage("human", "x"))
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestResolveRootThreadAndLineage(t *testing.T) {
	s := NewInMemoryStore()

	rootID, err := s.CreateThread(Spec{Owner: "coordinator"})
	require.NoError(t, err)
	midID, err := s.CreateThread(Spec{Owner: "solver", ParentThreadID: rootID, ParentEntity: "coordinator"})
	require.NoError(t, err)
	leafID, err := s.CreateThread(Spec{Owner: "helper", ParentThreadID: midID, ParentEntity: "solver"})
	require.NoError(t, err)

	for _, id := range []string{rootID, midID, leafID} {
		got, err := s.ResolveRootThread(id)
		require.NoError(t, err)
		assert.Equal(t, rootID, got)
		// Second call hits the cache.
		got, err = s.ResolveRootThread(id)
		require.NoError(t, err)
		assert.Equal(t, rootID, got)
	}

	lineage, err := s.Lineage(leafID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, rootID, lineage[0].ID)
	assert.Equal(t, midID, lineage[1].ID)
	assert.Equal(t, leafID, lineage[2].ID)

	_, err = s.ResolveRootThread("missing")
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestEnvDataLifecycle(t *testing.T) {
	s := NewInMemoryStore()

	rootID, err := s.CreateThread(Spec{Owner: "solver"})
	require.NoError(t, err)

	require.NoError(t, s.StoreEnvData(rootID, "plan", "the plan", "dig here", "solver"))

	v, err := s.GetEnvData(rootID, "plan")
	require.NoError(t, err)
	assert.Equal(t, "dig here", v)

	require.NoError(t, s.StoreEnvData(rootID, "plan", "revised plan", "dig there", "solver"))
	v, err = s.GetEnvData(rootID, "plan")
	require.NoError(t, err)
	assert.Equal(t, "dig there", v)

	require.NoError(t, s.UpdateEnvData(rootID, "plan", "final plan", "stop digging", "coordinator"))
	v, err = s.GetEnvData(rootID, "plan")
	require.NoError(t, err)
	assert.Equal(t, "stop digging", v)

	require.ErrorIs(t, s.UpdateEnvData(rootID, "ghost", "d", "v", "x"), ErrEnvDataNotFound)

	require.NoError(t, s.DeleteEnvData(rootID, "plan"))
	_, err = s.GetEnvData(rootID, "plan")
	require.ErrorIs(t, err, ErrEnvDataNotFound)
	require.ErrorIs(t, s.DeleteEnvData(rootID, "plan"), ErrEnvDataNotFound)
}

func TestListEnvDataOmitsValues(t *testing.T) {
	s := NewInMemoryStore()

	rootID, err := s.CreateThread(Spec{Owner: "solver"})
	require.NoError(t, err)

	require.NoError(t, s.StoreEnvData(rootID, "b", "second", "v2", "solver"))
	require.NoError(t, s.StoreEnvData(rootID, "a", "first", "v1", "solver"))

	entries, err := s.ListEnvData(rootID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, "b", entries[1].Key)
	for _, e := range entries {
		assert.Empty(t, e.Value)
		assert.Equal(t, "solver", e.StoredBy)
	}
}

func TestEnvDataIsolatedPerRoot(t *testing.T) {
	s := NewInMemoryStore()

	rootA, err := s.CreateThread(Spec{Owner: "a"})
	require.NoError(t, err)
	rootB, err := s.CreateThread(Spec{Owner: "b"})
	require.NoError(t, err)

	require.NoError(t, s.StoreEnvData(rootA, "plan", "d", "secret", "a"))

	_, err = s.GetEnvData(rootB, "plan")
	require.ErrorIs(t, err, ErrEnvDataNotFound)

	entries, err := s.ListEnvData(rootB)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
