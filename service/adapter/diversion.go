package adapter

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/rr-go/rrgdbadapter/pkg/logflags"
	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// diversionState holds the bookkeeping for one forked sandbox session:
// its cloned task, and how many nested inferior calls are still open.
type diversionState struct {
	session  replay.DiversionSession
	task     replay.Task
	refcount int
}

// enterDiversion forks a sandbox from the current replay session and
// enters it. Called from dispatchReadSiginfo when an inferior call
// begins. Pending breakpoint/watchpoint state is flushed first so the
// fork inherits a consistent view.
func (s *Server) enterDiversion(target replay.Task) {
	if s.Timeline.IsRunning() {
		s.Timeline.ApplyBreakpointsAndWatchpoints()
	}
	div := s.Timeline.CloneDiversion()
	divTask, ok := div.FindTask(target.UID())
	if !ok {
		fatalf("diversion: forked session missing task %v", target.UID())
	}
	s.diversion = &diversionState{session: div, task: divTask, refcount: 1}
	if logflags.Diversion() {
		logflags.DiversionLogger().Debugf("entered diversion for %v", target.UID())
	}
}

// RunDiversionLoop drives requests against the active diversion until its
// refcount reaches zero and a resume request arrives.
// It returns the request that should be handed back to the canonical
// session's dispatcher (the "last-seen-non-handled request"), which may be
// the zero Request when the diversion ended because all its tasks died.
func (s *Server) RunDiversionLoop(ctx context.Context) rsp.Request {
	div := s.diversion
	defer func() {
		div.session.KillAllTasks()
		s.diversion = nil
		if logflags.Diversion() {
			logflags.DiversionLogger().Debug("diversion torn down")
		}
	}()

	for {
		req := s.Conn.GetRequest()

		switch req.Type {
		case rsp.ReqRestart, rsp.ReqDetach:
			// Abandon the diversion immediately.
			div.refcount = 0
			return req

		case rsp.ReqCont:
			if replay.RunDirection(req.Cont.RunDirection) == replay.RunBackward {
				// Reverse execution is unsupported inside a diversion:
				// fake a trap and keep looping rather than erroring the
				// client.
				s.Conn.NotifyStop(threadIDOf(div.task), int(unix.SIGTRAP), 0)
				continue
			}
			if div.refcount > 0 {
				if outcome := s.diversionStep(ctx, req); outcome {
					return rsp.Request{}
				}
				continue
			}
			// refcount is zero: the diversion is done, hand this resume
			// request back to the canonical session.
			return req

		default:
			s.DispatchRequest(div.session, div.task, req, ThreadsAlive)
		}
	}
}

// diversionStep translates a resume action list into a single-thread
// (continue|step, signal) call to DiversionSession.Step and reports the
// outcome. It returns true if the diversion exited (all tasks dead), in
// which case the caller must end the loop with refcount 0.
func (s *Server) diversionStep(ctx context.Context, req rsp.Request) bool {
	div := s.diversion
	cmd, signal := commandForTask(req.Cont.Actions, div.task.UID())

	result, err := div.session.Step(ctx, div.task, cmd, signal)
	if err != nil {
		if logflags.Diversion() {
			logflags.DiversionLogger().Warnf("diversion step error: %v", err)
		}
		div.refcount = 0
		return true
	}
	if result.Exited {
		div.refcount = 0
		return true
	}

	n := reportStop(result.BreakStatus, false, false)
	n.notify(s.Conn)
	return false
}

// commandForTask finds the action targeting uid in a resume action list
// and returns the (command, signal) pair to execute against that single
// thread.
func commandForTask(actions []rsp.ContAction, uid replay.TaskUID) (replay.RunCommand, int) {
	for _, a := range actions {
		if a.Target.Matches(int32(uid.Group), int32(uid.Task)) {
			return actionCommand(a.Type), a.SignalToDeliver
		}
	}
	if len(actions) > 0 {
		return actionCommand(actions[0].Type), actions[0].SignalToDeliver
	}
	return replay.RunContinue, 0
}

func actionCommand(t rsp.ActionType) replay.RunCommand {
	if t == rsp.ActionStep {
		return replay.RunSingleStep
	}
	return replay.RunContinue
}
