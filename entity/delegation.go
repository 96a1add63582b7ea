package entity

import (
	"context"
	"fmt"
	"strings"

	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/thread"
)

// delegate runs a tool call whose target is another entity.
//
// The call is isolated in a fresh delegation thread parented under the
// caller's active thread, so the target's own conversations stay untouched:
// its active thread and history are saved, swapped for the new thread and
// restored afterwards whether the call succeeds or fails. The message is
// enriched with a derived preamble (caller identity, lineage chain, shared
// data flag) without mutating the original arguments. Without a store the
// call falls back to a direct, unisolated Receive.
func (e *Entity) delegate(ctx context.Context, target *Entity, call core.ToolCall, callCtx *core.Context) (string, error) {
	message := delegationMessage(call)

	if e.store == nil {
		e.logger.Debug("entity.delegate.direct", "caller", e.config.Name, "target", target.Name())
		return target.Receive(ctx, message, callCtx)
	}

	threadID, err := e.store.CreateThread(thread.Spec{
		Owner:          target.Name(),
		Name:           fmt.Sprintf("delegation from %s", e.config.Name),
		ParentThreadID: callCtx.ThreadID,
		ParentEntity:   e.config.Name,
		Type:           thread.TypeDelegation,
	})
	if err != nil {
		return "", fmt.Errorf("create delegation thread: %w", err)
	}

	preamble, err := e.delegationPreamble(target, threadID)
	if err != nil {
		return "", err
	}
	enriched := preamble + "\n\n" + message

	e.logger.Info("entity.delegate.start",
		"caller", e.config.Name, "target", target.Name(), "thread_id", threadID, "tool_call_id", call.ID)
	for _, obs := range e.observers {
		e.safeNotify(func() { obs.DelegationStarted(target.Name(), e.config.Name, threadID, call.ID) })
	}

	var result string
	var callErr error
	defer func() {
		for _, obs := range e.observers {
			e.safeNotify(func() { obs.DelegationFinished(target.Name(), e.config.Name, threadID, call.ID, callErr) })
		}
		e.logger.Info("entity.delegate.done",
			"caller", e.config.Name, "target", target.Name(), "thread_id", threadID, "success", callErr == nil)
	}()

	delegatedCtx := callCtx.Clone()
	delegatedCtx.ThreadID = threadID

	result, callErr = target.receiveDelegated(ctx, enriched, threadID, delegatedCtx)
	return result, callErr
}

// receiveDelegated runs one conversation turn on a dedicated thread, saving
// and restoring the entity's active thread and history around it. The
// restore runs even when the loop errors out.
func (e *Entity) receiveDelegated(ctx context.Context, message, threadID string, callCtx *core.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prevThreadID := e.currentThreadID
	prevHistory := e.history
	e.currentThreadID = threadID
	e.history = nil
	defer func() {
		e.currentThreadID = prevThreadID
		e.history = prevHistory
	}()

	return e.converse(ctx, message, callCtx)
}

// delegationMessage extracts the free-text message from the tool call's
// arguments, tolerating both the schema-shaped {"message": ...} payload and
// a bare string.
func delegationMessage(call core.ToolCall) string {
	if args, err := call.Args(); err == nil {
		if msg, ok := args["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return call.Arguments
}

// delegationPreamble derives the context block prepended to a delegated
// message: who is calling, the human-rooted lineage chain of the new thread
// and whether shared data exists under the resolved root. Everything here is
// computed from stored state, never hand-maintained.
func (e *Entity) delegationPreamble(target *Entity, threadID string) (string, error) {
	lineage, err := e.store.Lineage(threadID)
	if err != nil {
		return "", fmt.Errorf("resolve delegation lineage: %w", err)
	}

	chain := make([]string, 0, len(lineage)+1)
	chain = append(chain, core.HumanSender)
	for _, t := range lineage {
		chain = append(chain, t.Owner)
	}

	rootID, err := e.store.ResolveRootThread(threadID)
	if err != nil {
		return "", fmt.Errorf("resolve root thread: %w", err)
	}
	entries, err := e.store.ListEnvData(rootID)
	if err != nil {
		return "", fmt.Errorf("list env data: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Called by: %s (%s)\n", e.config.Name, e.config.Description))
	sb.WriteString(fmt.Sprintf("Lineage: %s\n", strings.Join(chain, " > ")))
	if len(entries) > 0 {
		sb.WriteString(fmt.Sprintf("Shared data: %d entries exist for this conversation; use list_env_data to inspect them.", len(entries)))
	} else {
		sb.WriteString("Shared data: none stored yet.")
	}
	return sb.String(), nil
}
