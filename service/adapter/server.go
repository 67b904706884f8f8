// Package adapter bridges a GDB Remote Serial Protocol client connection
// (pkg/rsp) to a deterministic record/replay timeline (pkg/replay). It
// owns no global state: every Server is constructed with the timeline
// and connection it drives, rather than reaching for one via a package
// global.
package adapter

import (
	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// ReportState tells the dispatcher whether any task is currently alive,
// so it can answer no-target-required queries correctly at end-of-trace.
type ReportState int

const (
	// ThreadsAlive is the normal state: the driver has a current session
	// with at least the possibility of live tasks.
	ThreadsAlive ReportState = iota
	// ThreadsDead is entered once REPLAY_EXITED has been observed; only
	// detach/restart are legal requests in this state.
	ThreadsDead
)

// StepOutcome is what debug_one_step returns to the top-level Serve loop.
type StepOutcome int

const (
	StepContinue StepOutcome = iota
	StepStop
)

// Server aggregates the timeline, the client connection, the checkpoint
// table, the restart mark, the fixed debuggee task group, the current
// target and the stop-replaying-to-target flag.
type Server struct {
	Timeline replay.Timeline
	Conn     rsp.Connection

	checkpoints *CheckpointTable
	condCache   *conditionCache

	// debuggerRestartMark is the explicit mark taken when the debugger
	// first activates at the target event. It is exclusively owned by
	// the server, never shared with a checkpoint table entry.
	debuggerRestartMark replay.Mark

	debuggeeTGUID replay.TaskGroupID
	tguidSet      bool

	target replay.Target

	// stopReplayingToTarget, once set, tells atTarget that any current
	// frame is an acceptable attach point.
	stopReplayingToTarget bool

	// lastDirection is threaded through debugOneStep so a no-current-task
	// iteration keeps stepping in the direction the client last chose.
	lastDirection replay.RunDirection

	// diversion, when non-nil, is the active sandbox session; requests
	// are routed through it instead of the canonical timeline.
	diversion *diversionState

	// reverseCache memoizes the reverse-step fast path's now->previous
	// mark relation across separate fast-path engagements.
	reverseCache *reverseStepCache
}

// NewServer constructs a Server around a not-yet-activated timeline and
// connection. Activation happens in Serve once the client attaches.
func NewServer(timeline replay.Timeline, conn rsp.Connection, target replay.Target) *Server {
	return &Server{
		Timeline:     timeline,
		Conn:         conn,
		checkpoints:  NewCheckpointTable(),
		condCache:    newConditionCache(),
		reverseCache: newReverseStepCache(),
		target:       target,
	}
}

// DebuggeeTaskGroup returns the task group all stop notifications are
// scoped to, once activation has fixed it.
func (s *Server) DebuggeeTaskGroup() (replay.TaskGroupID, bool) {
	return s.debuggeeTGUID, s.tguidSet
}

// activeSession returns the diversion's session if one is active, else the
// canonical timeline's current session.
func (s *Server) activeSession() replay.Session {
	if s.diversion != nil {
		return s.diversion.session
	}
	return s.Timeline.CurrentSession()
}
