package entity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/chat"
	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/humanq"
	"github.com/capmesh/capmesh/thread"
)

func humanCtx() *core.Context {
	return &core.Context{Mode: core.ModeBlocking}
}

func TestReceivePlainAnswer(t *testing.T) {
	registry := capability.NewRegistry()
	completer := chat.NewScriptedCompleter(chat.TextTurn("Hi there!"))

	solver := New(Config{Name: "solver", Description: "Solves tasks."}, "You are solver.", registry, completer)

	resp, err := solver.Receive(context.Background(), "hello", humanCtx())
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", resp)
	assert.Equal(t, 1, completer.CallCount())

	history := solver.History()
	require.Len(t, history, 2)
	assert.Equal(t, core.RoleUser, history[0].Role)
	assert.Equal(t, "human", history[0].From)
	assert.Equal(t, core.RoleAssistant, history[1].Role)
	assert.Equal(t, capability.StateIdle, solver.State())
}

func TestReceiveWithToolCall(t *testing.T) {
	registry := capability.NewRegistry()
	readFile := capability.NewPrimitive(
		"read_file",
		"Read a file",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		},
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			return "file contents of " + args["path"].(string), nil
		},
	)
	require.NoError(t, registry.Register(readFile))

	completer := chat.NewScriptedCompleter(
		chat.ToolCallTurn(core.ToolCall{ID: "call_1", Name: "read_file", Arguments: `{"path":"notes.txt"}`}),
		chat.TextTurn("The file says hello."),
	)

	solver := New(Config{Name: "solver", Capabilities: []string{"read_file"}}, "You are solver.", registry, completer)

	resp, err := solver.Receive(context.Background(), "what does notes.txt say?", humanCtx())
	require.NoError(t, err)
	assert.Equal(t, "The file says hello.", resp)

	history := solver.History()
	require.Len(t, history, 4)
	assert.Equal(t, core.RoleUser, history[0].Role)
	assert.Equal(t, core.RoleAssistant, history[1].Role)
	assert.Empty(t, history[1].Content, "tool-calling turns carry no prose")
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, core.RoleTool, history[2].Role)
	require.Len(t, history[2].ToolResults, 1)
	assert.Equal(t, "file contents of notes.txt", history[2].ToolResults[0].Content)
	assert.Equal(t, core.RoleAssistant, history[3].Role)
	assert.Equal(t, capability.StateIdle, solver.State())
}

func TestGuardBlocksUndeclaredCapability(t *testing.T) {
	registry := capability.NewRegistry()
	executed := false
	secret := capability.NewPrimitive("secret_tool", "Hidden", nil,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			executed = true
			return "should never run", nil
		},
	)
	require.NoError(t, registry.Register(secret))

	completer := chat.NewScriptedCompleter(
		chat.ToolCallTurn(core.ToolCall{ID: "call_1", Name: "secret_tool", Arguments: `{}`}),
		chat.TextTurn("Understood, I cannot do that."),
	)

	solver := New(Config{Name: "solver"}, "You are solver.", registry, completer)

	resp, err := solver.Receive(context.Background(), "use the secret tool", humanCtx())
	require.NoError(t, err)
	assert.Equal(t, "Understood, I cannot do that.", resp)
	assert.False(t, executed, "guarded capability must never execute")

	history := solver.History()
	require.Len(t, history, 4)
	result := history[2].ToolResults[0].Content
	assert.Contains(t, result, "not allowed")
	assert.Contains(t, result, "add_capability")
}

func TestSelfCallIsRejectedWithoutDeadlock(t *testing.T) {
	registry := capability.NewRegistry()

	completer := chat.NewScriptedCompleter(
		chat.ToolCallTurn(core.ToolCall{ID: "call_1", Name: "loopy", Arguments: `{"message":"hi"}`}),
		chat.TextTurn("I will answer directly."),
	)

	loopy := New(Config{Name: "loopy", Capabilities: []string{"loopy"}}, "You are loopy.", registry, completer)
	require.NoError(t, registry.Register(loopy))

	type outcome struct {
		resp string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := loopy.Receive(context.Background(), "call yourself", humanCtx())
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "I will answer directly.", out.resp)
	case <-time.After(3 * time.Second):
		t.Fatal("Receive did not return; a self-call must never re-enter the entity")
	}

	history := loopy.History()
	require.Len(t, history, 4)
	result := history[2].ToolResults[0].Content
	assert.Contains(t, result, "that is you")
	assert.Equal(t, capability.StateIdle, loopy.State())
}

func TestUnknownCapabilityContinuesLoop(t *testing.T) {
	registry := capability.NewRegistry()

	completer := chat.NewScriptedCompleter(
		chat.ToolCallTurn(core.ToolCall{ID: "call_1", Name: "missing", Arguments: `{}`}),
		chat.TextTurn("Never mind."),
	)

	solver := New(Config{Name: "solver", Capabilities: []string{"missing"}}, "You are solver.", registry, completer)

	resp, err := solver.Receive(context.Background(), "go", humanCtx())
	require.NoError(t, err)
	assert.Equal(t, "Never mind.", resp)

	history := solver.History()
	assert.Contains(t, history[2].ToolResults[0].Content, "missing")
}

func TestCompleterErrorLeavesNonIdleState(t *testing.T) {
	registry := capability.NewRegistry()
	completer := chat.NewScriptedCompleter()
	completer.FailWith(errors.New("provider down"))

	solver := New(Config{Name: "solver"}, "You are solver.", registry, completer)

	_, err := solver.Receive(context.Background(), "hello", humanCtx())
	require.Error(t, err)
	assert.Equal(t, capability.StateWorking, solver.State())

	solver.ResetIdle()
	assert.Equal(t, capability.StateIdle, solver.State())
}

func TestAddDeclared(t *testing.T) {
	registry := capability.NewRegistry()
	solver := New(Config{Name: "solver", Capabilities: []string{"a"}}, "", registry, chat.NewScriptedCompleter())

	assert.True(t, solver.AddDeclared("b"))
	assert.False(t, solver.AddDeclared("b"))
	assert.ElementsMatch(t, []string{"a", "b"}, solver.Declared())
}

func TestSystemPromptListsCapabilities(t *testing.T) {
	registry := capability.NewRegistry()
	readFile := capability.NewPrimitive("read_file", "Read a file", nil,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) { return "", nil },
	)
	require.NoError(t, registry.Register(readFile))
	queue := humanq.New()
	require.NoError(t, registry.RegisterUniversal(capability.NewAskHuman(queue)))

	completer := chat.NewScriptedCompleter(chat.TextTurn("ok"))
	solver := New(Config{Name: "solver", Capabilities: []string{"read_file"}}, "You are solver.", registry, completer)

	_, err := solver.Receive(context.Background(), "hi", humanCtx())
	require.NoError(t, err)

	reqs := completer.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "You are solver.")
	assert.Contains(t, reqs[0].System, "read_file: Read a file")
	assert.Contains(t, reqs[0].System, "ask_human")

	names := make([]string, 0, len(reqs[0].Tools))
	for _, td := range reqs[0].Tools {
		names = append(names, td.Name)
	}
	assert.ElementsMatch(t, []string{"read_file", "ask_human"}, names)
}

func TestReceivePersistsMessages(t *testing.T) {
	registry := capability.NewRegistry()
	store := thread.NewInMemoryStore()
	completer := chat.NewScriptedCompleter(chat.TextTurn("hello back"))

	solver := New(Config{Name: "solver"}, "You are solver.", registry, completer, WithStore(store))

	_, err := solver.Receive(context.Background(), "hello", humanCtx())
	require.NoError(t, err)

	threadID := solver.CurrentThreadID()
	require.NotEmpty(t, threadID)

	msgs, err := store.Messages(threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "hello back", msgs[1].Content)
}

func TestNewThreadAndSwitchThread(t *testing.T) {
	registry := capability.NewRegistry()
	store := thread.NewInMemoryStore()
	completer := chat.NewScriptedCompleter(chat.TextTurn("first"), chat.TextTurn("second"))

	solver := New(Config{Name: "solver"}, "You are solver.", registry, completer, WithStore(store))

	_, err := solver.Receive(context.Background(), "one", humanCtx())
	require.NoError(t, err)
	firstThread := solver.CurrentThreadID()

	secondThread, err := solver.NewThread("fresh start")
	require.NoError(t, err)
	assert.NotEqual(t, firstThread, secondThread)
	assert.Empty(t, solver.History())

	_, err = solver.Receive(context.Background(), "two", humanCtx())
	require.NoError(t, err)
	assert.Len(t, solver.History(), 2)

	require.True(t, solver.SwitchThread(firstThread))
	assert.Equal(t, firstThread, solver.CurrentThreadID())
	history := solver.History()
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Content)

	assert.False(t, solver.SwitchThread("no-such-thread"))

	threads, err := solver.ListThreads()
	require.NoError(t, err)
	assert.Len(t, threads, 2)
}

func TestAskHumanBlocksUntilResponse(t *testing.T) {
	registry := capability.NewRegistry()
	queue := humanq.New()
	require.NoError(t, registry.RegisterUniversal(capability.NewAskHuman(queue)))

	completer := chat.NewScriptedCompleter(
		chat.ToolCallTurn(core.ToolCall{ID: "call_1", Name: "ask_human", Arguments: `{"question":"continue?"}`}),
		chat.TextTurn("Continuing."),
	)

	solver := New(Config{Name: "solver"}, "You are solver.", registry, completer)

	done := make(chan struct{})
	var resp string
	var recvErr error
	go func() {
		defer close(done)
		resp, recvErr = solver.Receive(context.Background(), "start", humanCtx())
	}()

	var pending []*humanq.Request
	require.Eventually(t, func() bool {
		pending = queue.AllPending()
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "continue?", pending[0].Question)
	assert.Equal(t, "solver", pending[0].Capability)

	require.True(t, queue.Respond(pending[0].ID, "yes"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not unblock after respond")
	}

	require.NoError(t, recvErr)
	assert.Equal(t, "Continuing.", resp)
	assert.Empty(t, queue.AllPending())

	history := solver.History()
	require.Len(t, history, 4)
	assert.Equal(t, "yes", history[2].ToolResults[0].Content)
}
