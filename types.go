package leanrepl

import (
	"encoding/json"
)

// Request is one unit of work for the Lean REPL. Implementations are the
// command family (Command, FileCommand, PickleEnvironment,
// UnpickleEnvironment), which elaborate against environments, and the proof
// family (ProofStep, PickleProofState, UnpickleProofState), which advance
// proof states.
//
// The interface is sealed; requests are plain values marshalled to the
// REPL's JSON shape via their struct tags.
type Request interface {
	// kind names the request family for response decoding.
	kind() requestKind

	// parent returns the environment or proof state id the request builds
	// on, if any. Negative ids refer to the session cache.
	parent() (int64, bool)

	// withParent returns a copy with the parent id replaced. Called on
	// requests whose parent is a session id, after it has been resolved to
	// the live REPL id.
	withParent(id int64) Request
}

type requestKind int

const (
	kindCommand requestKind = iota
	kindProofStep
)

// Command elaborates a Lean code snippet, optionally against a parent
// environment.
type Command struct {
	// Cmd is the Lean code to elaborate.
	Cmd string `json:"cmd"`

	// Env is the parent environment id. Nil starts from a fresh
	// environment. Negative values refer to pinned session states.
	Env *int64 `json:"env,omitempty"`

	// Options are elaborator option overrides, merged over the server's
	// defaults (request entries win).
	Options Options `json:"options,omitempty"`

	// AllTactics requests tactic data for every tactic invocation.
	AllTactics bool `json:"allTactics,omitempty"`

	// RootGoals requests the root goals of each declaration.
	RootGoals bool `json:"rootGoals,omitempty"`

	// InfoTree selects info-tree output ("full", "tactics", "original",
	// "substantive"). Empty requests none.
	InfoTree string `json:"infotree,omitempty"`

	// GC asks the REPL to run a garbage collection pass after the command.
	GC bool `json:"gc,omitempty"`
}

func (Command) kind() requestKind { return kindCommand }

func (c Command) parent() (int64, bool) {
	if c.Env == nil {
		return 0, false
	}

	return *c.Env, true
}

func (c Command) withParent(id int64) Request {
	c.Env = &id

	return c
}

// FileCommand elaborates a whole Lean file, with the same extra-data flags
// as Command.
type FileCommand struct {
	// Path is the Lean file to elaborate, relative to the project root.
	Path string `json:"path"`

	// Env is the parent environment id, as in Command.
	Env *int64 `json:"env,omitempty"`

	// Options are elaborator option overrides, as in Command.
	Options Options `json:"options,omitempty"`

	AllTactics bool   `json:"allTactics,omitempty"`
	RootGoals  bool   `json:"rootGoals,omitempty"`
	InfoTree   string `json:"infotree,omitempty"`
	GC         bool   `json:"gc,omitempty"`
}

func (FileCommand) kind() requestKind { return kindCommand }

func (c FileCommand) parent() (int64, bool) {
	if c.Env == nil {
		return 0, false
	}

	return *c.Env, true
}

func (c FileCommand) withParent(id int64) Request {
	c.Env = &id

	return c
}

// ProofStep applies one tactic to an in-progress proof state.
type ProofStep struct {
	// ProofState is the proof state to advance. Negative values refer to
	// pinned session states.
	ProofState int64 `json:"proofState"`

	// Tactic is the tactic text to apply.
	Tactic string `json:"tactic"`
}

func (ProofStep) kind() requestKind { return kindProofStep }

func (p ProofStep) parent() (int64, bool) { return p.ProofState, true }

func (p ProofStep) withParent(id int64) Request {
	p.ProofState = id

	return p
}

// PickleEnvironment serializes an environment to a file.
type PickleEnvironment struct {
	Env      int64  `json:"env"`
	PickleTo string `json:"pickleTo"`
}

func (PickleEnvironment) kind() requestKind { return kindCommand }

func (p PickleEnvironment) parent() (int64, bool) { return p.Env, true }

func (p PickleEnvironment) withParent(id int64) Request {
	p.Env = id

	return p
}

// UnpickleEnvironment restores a pickled environment into the running
// process, minting a fresh environment id.
type UnpickleEnvironment struct {
	UnpickleEnvFrom string `json:"unpickleEnvFrom"`
}

func (UnpickleEnvironment) kind() requestKind { return kindCommand }

func (UnpickleEnvironment) parent() (int64, bool) { return 0, false }

func (u UnpickleEnvironment) withParent(int64) Request { return u }

// PickleProofState serializes a proof state to a file.
type PickleProofState struct {
	ProofState int64  `json:"proofState"`
	PickleTo   string `json:"pickleTo"`
}

func (PickleProofState) kind() requestKind { return kindProofStep }

func (p PickleProofState) parent() (int64, bool) { return p.ProofState, true }

func (p PickleProofState) withParent(id int64) Request {
	p.ProofState = id

	return p
}

// UnpickleProofState restores a pickled proof state, minting a fresh proof
// state id. Env optionally names the environment to restore into.
type UnpickleProofState struct {
	UnpickleProofStateFrom string `json:"unpickleProofStateFrom"`
	Env                    *int64 `json:"env,omitempty"`
}

func (UnpickleProofState) kind() requestKind { return kindProofStep }

func (u UnpickleProofState) parent() (int64, bool) {
	if u.Env == nil {
		return 0, false
	}

	return *u.Env, true
}

func (u UnpickleProofState) withParent(id int64) Request {
	u.Env = &id

	return u
}

// Position is a location in the elaborated source.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Message is one diagnostic emitted by the prover.
type Message struct {
	// Severity is "info", "warning", or "error".
	Severity string    `json:"severity"`
	Pos      Position  `json:"pos"`
	EndPos   *Position `json:"endPos,omitempty"`
	Data     string    `json:"data"`
}

// Sorry records an incomplete proof obligation left in the elaborated code.
type Sorry struct {
	Pos    Position  `json:"pos"`
	EndPos *Position `json:"endPos,omitempty"`
	Goal   string    `json:"goal"`

	// ProofState is minted only when the REPL can resume the obligation.
	ProofState *int64 `json:"proofState,omitempty"`
}

// Tactic records one tactic invocation, populated when AllTactics was set.
type Tactic struct {
	Pos        Position  `json:"pos"`
	EndPos     *Position `json:"endPos,omitempty"`
	Goals      string    `json:"goals"`
	Tactic     string    `json:"tactic"`
	ProofState *int64    `json:"proofState,omitempty"`
}

// ReplayWarning reports a pinned session state that was dropped because it
// could not be rebuilt after a restart.
type ReplayWarning struct {
	// SessionID is the dropped state's (negative) session id.
	SessionID int64

	// Key names the state's artifact in the session store.
	Key string

	// Reason describes the replay failure.
	Reason string
}

// Response is the prover's answer to one Request: a CommandResponse, a
// ProofStepResponse, or a LeanError. A LeanError means the prover rejected
// the input; transport-level failures are returned as Go errors instead.
type Response interface {
	respKind() requestKind

	// Warnings returns replay warnings attached after a restart.
	Warnings() []ReplayWarning
}

// CommandResponse is the result of a command-family request. The optional
// slices are populated only when the corresponding request flag was set.
type CommandResponse struct {
	// Env is the newly minted environment id. Rewritten to a negative
	// session id when the request was pinned.
	Env int64 `json:"env"`

	Messages []Message `json:"messages,omitempty"`
	Sorries  []Sorry   `json:"sorries,omitempty"`
	Tactics  []Tactic  `json:"tactics,omitempty"`

	// InfoTree is the raw info tree, kept opaque.
	InfoTree json.RawMessage `json:"infotree,omitempty"`

	// RootGoals holds the root goals of each declaration when requested.
	RootGoals []Sorry `json:"rootGoals,omitempty"`

	replayWarnings []ReplayWarning
}

func (*CommandResponse) respKind() requestKind { return kindCommand }

// Warnings implements Response.
func (r *CommandResponse) Warnings() []ReplayWarning { return r.replayWarnings }

// ProofStepResponse is the result of a proof-family request.
type ProofStepResponse struct {
	// ProofState is the newly minted proof state id. Rewritten to a
	// negative session id when the request was pinned.
	ProofState int64 `json:"proofState"`

	// Goals are the remaining goals after the step.
	Goals []string `json:"goals"`

	Messages []Message `json:"messages,omitempty"`
	Sorries  []Sorry   `json:"sorries,omitempty"`

	// Traces holds trace output produced by the tactic.
	Traces []string `json:"traces,omitempty"`

	// ProofStatus reports completion ("Completed", "Incomplete", ...).
	ProofStatus string `json:"proofStatus,omitempty"`

	replayWarnings []ReplayWarning
}

func (*ProofStepResponse) respKind() requestKind { return kindProofStep }

// Warnings implements Response.
func (r *ProofStepResponse) Warnings() []ReplayWarning { return r.replayWarnings }

// LeanError is a prover-level rejection: the process is healthy, the input
// was not. It satisfies Response, not error, since the exchange itself
// succeeded.
type LeanError struct {
	Message string `json:"message"`

	replayWarnings []ReplayWarning
}

func (*LeanError) respKind() requestKind { return kindCommand }

// Warnings implements Response.
func (e *LeanError) Warnings() []ReplayWarning { return e.replayWarnings }

// attachWarnings sets replay warnings on a decoded response.
func attachWarnings(resp Response, warnings []ReplayWarning) {
	if len(warnings) == 0 {
		return
	}

	switch r := resp.(type) {
	case *CommandResponse:
		r.replayWarnings = warnings
	case *ProofStepResponse:
		r.replayWarnings = warnings
	case *LeanError:
		r.replayWarnings = warnings
	}
}

// mintedID returns the fresh id a successful response carries.
func mintedID(resp Response) (int64, bool) {
	switch r := resp.(type) {
	case *CommandResponse:
		return r.Env, true
	case *ProofStepResponse:
		return r.ProofState, true
	default:
		return 0, false
	}
}

// rewriteMintedID replaces the response's fresh id, used when pinning maps
// it to a session id.
func rewriteMintedID(resp Response, id int64) {
	switch r := resp.(type) {
	case *CommandResponse:
		r.Env = id
	case *ProofStepResponse:
		r.ProofState = id
	}
}
