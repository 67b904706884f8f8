// Package rsp holds the wire-level data model for the GDB Remote Serial
// Protocol conversation between a client and this adapter: request/reply
// shapes, thread ids, register values, connection feature flags, and the
// magic-address constants. The wire codec itself (packet framing,
// checksums, retransmission) is an external collaborator; this package
// only names the data that codec produces and consumes.
package rsp

import "github.com/rr-go/rrgdbadapter/pkg/replay"

// ThreadID names a task the way the wire protocol does: a (group, task)
// pair where either half may be zero or negative to mean "any".
type ThreadID struct {
	PID int32
	TID int32
}

// Matches reports whether the thread (pid, tid) is identified by target,
// using the wire protocol's "<=0 means wildcard" convention.
func (target ThreadID) Matches(pid, tid int32) bool {
	return (target.PID <= 0 || target.PID == pid) && (target.TID <= 0 || target.TID == tid)
}

// RequestType enumerates every request the client may send, split into
// query, mutate, and control families. Resume requests (Continue/Step,
// either direction) are not dispatched: DispatchRequest returns them to
// its caller as DispatchResume.
type RequestType int

const (
	ReqNone RequestType = iota

	// No-target-required.
	ReqGetCurrentThread
	ReqGetOffsets
	ReqGetThreadList
	ReqInterrupt
	ReqRestart

	// Target-optional.
	ReqIsThreadAlive
	ReqThreadExtraInfo
	ReqSetContinueThread
	ReqSetQueryThread

	// Target-required queries.
	ReqGetAuxv
	ReqGetMem
	ReqGetReg
	ReqGetRegs
	ReqGetStopReason

	// Target-required mutations.
	ReqSetMem
	ReqSetReg
	ReqSetSWBreak
	ReqSetHWBreak
	ReqSetRDWatch
	ReqSetWRWatch
	ReqSetRDWRWatch
	ReqRemoveSWBreak
	ReqRemoveHWBreak
	ReqRemoveRDWatch
	ReqRemoveWRWatch
	ReqRemoveRDWRWatch
	ReqReadSiginfo
	ReqWriteSiginfo

	// Control.
	ReqDetach
	ReqCont
)

// IsWatchpointSet reports whether r is one of the four watchpoint/hw-break
// install request types.
func (r RequestType) IsWatchpointSet() bool {
	switch r {
	case ReqSetHWBreak, ReqSetRDWatch, ReqSetWRWatch, ReqSetRDWRWatch:
		return true
	}
	return false
}

// IsWatchpointRemove reports whether r is one of the four watchpoint/hw-break
// remove request types.
func (r RequestType) IsWatchpointRemove() bool {
	switch r {
	case ReqRemoveHWBreak, ReqRemoveRDWatch, ReqRemoveWRWatch, ReqRemoveRDWRWatch:
		return true
	}
	return false
}

// RestartType names which of the three restart variants the client
// requested.
type RestartType int

const (
	RestartFromEvent RestartType = iota
	RestartFromCheckpoint
	RestartFromPrevious
)

// ContAction is one element of a DREQ_CONT action list: "resume this
// thread this way, delivering this signal".
type ContAction struct {
	Type            ActionType
	Target          ThreadID
	SignalToDeliver int
}

// ActionType distinguishes stepping from continuing within a ContAction.
type ActionType int

const (
	ActionContinue ActionType = iota
	ActionStep
)

// ContRequest is the payload of a DREQ_CONT resume request.
type ContRequest struct {
	RunDirection int // a replay.RunDirection value, stored as an int
	Actions      []ContAction
}

// MemRequest is the payload of get/set-memory requests, and also how the
// Magic Channel's opcode writes and event-number reads arrive.
type MemRequest struct {
	Addr uint64
	Len  int
	Data []byte // populated for SetMem
}

// RegRequest is the payload of get/set-register requests.
type RegRequest struct {
	Name    int
	Value   []byte
	Size    int
	Defined bool
}

// WatchRequest is the payload of breakpoint/watchpoint install/remove
// requests, including the opaque condition byte-code programs.
type WatchRequest struct {
	Addr uint64
	// Kind is the wire protocol's overloaded "kind" field: for software
	// breakpoints it is the trap instruction width the client expects; for
	// watchpoints it is the byte length of the watched region.
	Kind       int
	Conditions []ConditionExpr
}

// RestartRequest is the payload of a DREQ_RESTART request.
type RestartRequest struct {
	Type     RestartType
	Param    int64
	ParamStr string
}

// ConditionExpr is a single opaque byte-coded condition expression. The
// byte-code interpreter that can evaluate one is an external
// collaborator; this is only the contract the condition-checking code
// needs.
type ConditionExpr interface {
	// Evaluate returns the expression's integer result and true on
	// success, or ok=false if evaluation failed. A failed evaluation
	// counts the same as a nonzero result: break. t is the task that hit
	// the trap, so register-reading conditions like "$rax > 5" have
	// something to read from.
	Evaluate(t replay.Task) (value int64, ok bool)
}

// Request is one client request, tagged by Type with exactly one payload
// field populated.
type Request struct {
	Type RequestType
	// SuppressDebuggerStop is set when the driver rewrites a resume
	// request into a forced instruction step for the target's
	// instruction-tracing hook; the stop that step produces is then not
	// notified to the client.
	SuppressDebuggerStop bool

	Target ThreadID

	Cont    ContRequest
	Mem     MemRequest
	Reg     RegRequest
	Watch   WatchRequest
	Restart RestartRequest
}

// IsResumeRequest reports whether r is a DREQ_CONT.
func (r Request) IsResumeRequest() bool { return r.Type == ReqCont }
