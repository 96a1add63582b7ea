// Package core defines the shared data model of the runtime: conversation
// messages, tool calls and their persisted forms, and the call Context value
// threaded through every capability invocation.
package core
