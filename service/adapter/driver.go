package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/rr-go/rrgdbadapter/pkg/logflags"
	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// Serve drives the top-level state machine: advance the timeline to the
// configured target, wait for a client, take the initial restart
// checkpoint, then run the step loop until it stops.
func (s *Server) Serve(ctx context.Context, flags rsp.ConnectionFlags, exeImage string) error {
	if err := s.advanceToTarget(ctx); err != nil {
		return err
	}
	if err := s.awaitClient(flags, exeImage); err != nil {
		return err
	}
	s.activateDebugger()

	for s.debugOneStep(ctx) == StepContinue {
	}
	return nil
}

// advanceToTarget repeatedly steps the canonical timeline forward until
// atTarget holds.
func (s *Server) advanceToTarget(ctx context.Context) error {
	for !s.atTarget() {
		result, err := s.Timeline.ReplayStep(ctx, replay.RunContinue, replay.RunForward, s.target.Event, nil)
		if err != nil {
			return err
		}
		if result.Exited {
			return fmt.Errorf("adapter: trace exited before reaching target event %d", s.target.Event)
		}
	}
	return nil
}

// atTarget reports whether the timeline has reached a valid attach
// point: a live, validated task at or past the target event, in the
// target task group, past its exec if one is required.
func (s *Server) atTarget() bool {
	session := s.Timeline.CurrentSession()
	if !session.CanValidate() {
		return false
	}
	current, ok := session.CurrentTask()
	if !ok {
		return false
	}
	if !s.Timeline.CanAddCheckpoint() {
		return false
	}
	if !s.stopReplayingToTarget && s.Timeline.CurrentEvent() < s.target.Event {
		return false
	}
	if s.target.PID != 0 && current.TaskGroup() != s.target.PID {
		return false
	}
	if s.target.RequireExec && !current.HasExeced() {
		return false
	}
	return true
}

// awaitClient accepts a connection, captures
// the debuggee task group, and sets the reverse-execution barrier to the
// current task's first run event (its event at attach time — nothing has
// run under the debugger yet).
func (s *Server) awaitClient(flags rsp.ConnectionFlags, exeImage string) error {
	session := s.Timeline.CurrentSession()
	current, ok := session.CurrentTask()
	if !ok {
		fatalf("awaitClient: no current task at attach time")
	}

	if err := s.Conn.AwaitClientConnection(flags, int32(current.TaskGroup()), exeImage, true); err != nil {
		return err
	}

	s.debuggeeTGUID = current.TaskGroup()
	s.tguidSet = true
	s.Timeline.SetReverseExecutionBarrierEvent(s.Timeline.CurrentEvent())
	return nil
}

// activateDebugger takes the initial restart checkpoint and freezes the
// target event and task group the debugger will operate against.
func (s *Server) activateDebugger() {
	if s.Timeline.CanAddCheckpoint() {
		s.debuggerRestartMark = s.Timeline.AddExplicitCheckpoint()
	}
	s.target.Event = s.Timeline.CurrentEvent()
	s.target.PID = s.debuggeeTGUID
}

// belongsToDebuggee reports whether t is a member of the fixed debuggee
// task group.
func (s *Server) belongsToDebuggee(t replay.Task) bool {
	return s.tguidSet && t.TaskGroup() == s.debuggeeTGUID
}

// debugOneStep processes exactly one iteration of the debug loop: replay
// forward with no client attention if no current task belongs to the
// debuggee, else read and dispatch requests until one demands a resume,
// detach, or restart.
func (s *Server) debugOneStep(ctx context.Context) StepOutcome {
	session := s.activeSession()
	current, hasCurrent := session.CurrentTask()

	if !hasCurrent || !s.belongsToDebuggee(current) {
		if _, err := s.Timeline.ReplayStep(ctx, replay.RunContinue, s.lastDirection, s.target.Event, s.Conn.SniffPacket); err != nil {
			fatalf("replay step failed: %v", err)
		}
		return StepContinue
	}

	for {
		req := s.Conn.GetRequest()

		if fastReq, engaged := s.tryReverseStepFastPath(current, req); engaged {
			req = fastReq
		}

		wasDiverting := s.diversion != nil
		outcome := s.DispatchRequest(session, current, req, ThreadsAlive)

		if !wasDiverting && s.diversion != nil {
			// req was the read_siginfo that just forked a diversion;
			// drive the sandbox to completion before returning to the
			// canonical dispatcher.
			next := s.RunDiversionLoop(ctx)
			if next.Type == rsp.ReqNone {
				continue
			}
			req = next
			outcome = s.DispatchRequest(session, current, req, ThreadsAlive)
		}

		switch outcome {
		case DispatchDetach:
			s.Conn.ReplyDetach()
			return StepStop
		case DispatchRestart:
			s.performRestart(ctx, req.Restart)
			return StepContinue
		case DispatchResume:
			req = s.maybeSingleStepForEvent(current, req)
			return s.handleResume(ctx, current, req)
		}
	}
}

// maybeSingleStepForEvent consults the target's instruction-tracing hook
// and, if it fires, rewrites req into a forced single instruction step on
// current with the stop notification suppressed. It never changes what
// the dispatcher does with a resume request already headed to
// ReplayStep, only how that request is shaped beforehand.
func (s *Server) maybeSingleStepForEvent(current replay.Task, req rsp.Request) rsp.Request {
	hook := s.target.TraceInstructionsUpToEvent
	if hook == nil || !hook(s.Timeline.CurrentEvent()) {
		return req
	}

	if logflags.Replay() {
		logflags.ReplayLogger().Debugf("forcing instruction step for %v: %s", current.UID(), registerSummary(current))
	}

	req.Cont.Actions = []rsp.ContAction{{
		Type:   rsp.ActionStep,
		Target: rsp.ThreadID{PID: int32(current.TaskGroup()), TID: int32(current.UID().Task)},
	}}
	req.Cont.RunDirection = int(replay.RunForward)
	req.SuppressDebuggerStop = true
	return req
}

// registerSummary renders a task's defined general-purpose registers as a
// compact "name=hex" list, for debug logging only.
func registerSummary(t replay.Task) string {
	regs := t.Registers()
	names := regs.Names()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		value, size, defined := regs.ReadRegister(n)
		if !defined {
			continue
		}
		parts = append(parts, fmt.Sprintf("r%d=%x", n, value[:size]))
	}
	return strings.Join(parts, " ")
}

// handleResume translates a resume request into one ReplayStep call and
// reports the outcome, applying the direction-dependent edge cases below.
func (s *Server) handleResume(ctx context.Context, current replay.Task, req rsp.Request) StepOutcome {
	cmd, signal := commandForTask(req.Cont.Actions, current.UID())
	direction := replay.RunDirection(req.Cont.RunDirection)
	s.lastDirection = direction

	if signal != 0 && logflags.Replay() {
		logflags.ReplayLogger().Debugf("signal %d requested on resume; delivery is the replay backend's concern", signal)
	}

	result, err := s.Timeline.ReplayStep(ctx, cmd, direction, s.target.Event, s.Conn.SniffPacket)
	if err != nil {
		fatalf("replay step failed: %v", err)
	}

	if result.Exited {
		return s.handleReplayExited(ctx)
	}

	bs := result.BreakStatus

	if direction == replay.RunBackward && bs.TaskExit {
		// A backward-direction task exit means we've stepped past the
		// origin of a forward exit; rewrite it into an ordinary stop at
		// that point rather than reporting an exit.
		bs.TaskExit = false
		if cmd == replay.RunSingleStep {
			bs.SingleStepDone = true
		} else {
			bs.BreakpointHit = true
		}
	}

	lastThreadExiting := bs.TaskExit && s.isLastThreadOfDebuggee(bs.Task)
	n := reportStop(bs, lastThreadExiting, s.Conn.Features().ReverseExecution)
	if !req.SuppressDebuggerStop {
		n.notify(s.Conn)
	}

	if direction == replay.RunForward && lastThreadExiting {
		return s.pumpAfterLastThreadExit(ctx, current)
	}
	return StepContinue
}

// pumpAfterLastThreadExit implements the forward-direction last-thread-exit
// edge case: immediately after notifying the exit, process exactly one
// more request against the still-current (now-exited) task's session
// context. A client asking to continue forward is treated as accepting
// the exit and gets the fake-exit treatment; anything else (reverse
// resume, restart, detach) is processed the ordinary way.
func (s *Server) pumpAfterLastThreadExit(ctx context.Context, current replay.Task) StepOutcome {
	session := s.activeSession()
	req := s.Conn.GetRequest()

	switch s.DispatchRequest(session, current, req, ThreadsAlive) {
	case DispatchDetach:
		s.Conn.ReplyDetach()
		return StepStop
	case DispatchRestart:
		s.performRestart(ctx, req.Restart)
		return StepContinue
	case DispatchResume:
		if replay.RunDirection(req.Cont.RunDirection) == replay.RunForward {
			return s.handleReplayExited(ctx)
		}
		return s.handleResume(ctx, current, req)
	}
	return StepContinue
}

// isLastThreadOfDebuggee reports whether t was the only task left in the
// debuggee task group when it exited.
func (s *Server) isLastThreadOfDebuggee(t replay.Task) bool {
	if t == nil || !s.belongsToDebuggee(t) {
		return false
	}
	session := s.Timeline.CurrentSession()
	for uid, other := range session.Tasks() {
		if uid != t.UID() && other.TaskGroup() == s.debuggeeTGUID {
			return false
		}
	}
	return true
}

// handleReplayExited notifies the client of the exit, then accepts only
// detach/restart until one arrives.
func (s *Server) handleReplayExited(ctx context.Context) StepOutcome {
	s.Conn.NotifyExitCode(0)

	for {
		req := s.Conn.GetRequest()
		session := s.activeSession()
		current, _ := session.CurrentTask()

		switch s.DispatchRequest(session, current, req, ThreadsDead) {
		case DispatchDetach:
			s.Conn.ReplyDetach()
			return StepStop
		case DispatchRestart:
			s.performRestart(ctx, req.Restart)
			return StepContinue
		case DispatchResume:
			fatalf("request %v after end-of-trace: only detach/restart are legal", req.Type)
		}
	}
}
