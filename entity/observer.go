package entity

import "github.com/capmesh/capmesh/core"

// Observer receives real-time notifications about an entity's activity.
// Callbacks run synchronously on the conversation loop's goroutine; keep
// them fast or hand off internally. Panics are contained per callback.
type Observer interface {
	// HistoryUpdated fires after a message is appended to the active
	// thread's history.
	HistoryUpdated(entity, threadID string, msg core.Message)

	// DelegationStarted fires just before a delegated conversation begins.
	DelegationStarted(target, caller, threadID, toolCallID string)

	// DelegationFinished always fires after a delegated conversation ends,
	// whether it succeeded or not. err is nil on success.
	DelegationFinished(target, caller, threadID, toolCallID string, err error)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the callbacks you care about.
type NopObserver struct{}

func (NopObserver) HistoryUpdated(string, string, core.Message) {}

func (NopObserver) DelegationStarted(string, string, string, string) {}

func (NopObserver) DelegationFinished(string, string, string, string, error) {}

var _ Observer = NopObserver{}
