// Package protocol defines the messages exchanged between the front-end, the
// manager and the worker, and their newline-delimited JSON encoding.
//
// Messages are decoded once, at the queue boundary, into a Message whose Kind
// says which of Command or Status is set. Anything that matches neither shape
// is rejected there.
package protocol

import (
	"encoding/json"

	"github.com/ormasoftchile/tankapi/pkg/stage"
)

// CommandKind is the verb of a front-end command.
type CommandKind string

const (
	CmdNewSession CommandKind = "new_session"
	CmdRun        CommandKind = "run"
	CmdStop       CommandKind = "stop"
)

// StatusValue is the lifecycle value carried by a status report.
type StatusValue string

const (
	StatusRunning StatusValue = "running"
	StatusSuccess StatusValue = "success"
	StatusFailed  StatusValue = "failed"
)

// Terminal reports whether v ends a session.
func (v StatusValue) Terminal() bool {
	return v == StatusSuccess || v == StatusFailed
}

// Command is sent by the front-end into the manager's inbound queue.
type Command struct {
	Cmd     CommandKind `json:"cmd"               jsonschema:"enum=new_session,enum=run,enum=stop"`
	Session string      `json:"session"           jsonschema:"minLength=1"`
	Config  string      `json:"config,omitempty"  jsonschema:"description=Test configuration (ini text) for a new session"`
	Break   string      `json:"break,omitempty"   jsonschema:"description=Stage the worker may reach without further authorization"`
}

// Failure records one stage failure.
type Failure struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Status is reported by the worker after every transition and failure, relayed
// verbatim to the front-end, and persisted as status.json.
type Status struct {
	Status       StatusValue `json:"status"                  jsonschema:"enum=running,enum=success,enum=failed"`
	Session      string      `json:"session,omitempty"`
	CurrentStage string      `json:"current_stage,omitempty"`
	Break        string      `json:"break,omitempty"`
	Failures     []Failure   `json:"failures"`
	Retcode      *int        `json:"retcode,omitempty"`
	Reason       string      `json:"reason,omitempty"        jsonschema:"description=Set on statuses synthesized by the manager"`
}

// MarshalJSON keeps "failures" an array even when no failure was recorded.
func (s Status) MarshalJSON() ([]byte, error) {
	type plain Status
	p := plain(s)
	if p.Failures == nil {
		p.Failures = []Failure{}
	}
	return json.Marshal(p)
}

// Breakpoint is the only message on a worker's dedicated queue.
type Breakpoint struct {
	Break string `json:"break"`
}

// Stage returns the breakpoint as a stage; unknown names yield an error.
func (b Breakpoint) Stage() (stage.Stage, error) {
	return stage.Parse(b.Break)
}

// Kind discriminates the two message shapes accepted by the manager.
type Kind int

const (
	KindCommand Kind = iota + 1
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound message. Exactly one of Command or Status is
// set, as named by Kind.
type Message struct {
	Kind    Kind
	Command *Command
	Status  *Status
}

// CommandMessage wraps c as an inbound message.
func CommandMessage(c Command) Message {
	return Message{Kind: KindCommand, Command: &c}
}

// StatusMessage wraps s as an inbound message.
func StatusMessage(s Status) Message {
	return Message{Kind: KindStatus, Status: &s}
}

// IntPtr is a convenience for Status.Retcode.
func IntPtr(v int) *int { return &v }
