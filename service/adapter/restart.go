package adapter

import (
	"context"
	"fmt"

	"github.com/rr-go/rrgdbadapter/pkg/logflags"
	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// performRestart clears all breakpoints and watchpoints, then dispatches
// to the requested restart variant.
func (s *Server) performRestart(ctx context.Context, req rsp.RestartRequest) {
	s.Timeline.RemoveBreakpointsAndWatchpoints()

	switch req.Type {
	case rsp.RestartFromCheckpoint:
		s.restartFromCheckpoint(req)
	case rsp.RestartFromPrevious:
		s.restartFromPrevious()
	case rsp.RestartFromEvent:
		s.restartFromEvent(ctx, req)
	default:
		fatalf("restart: unknown restart type %v", req.Type)
	}
}

// releaseRestartMark releases the currently held restart mark, if any:
// an explicit mark is exclusively owned and must be released on
// replacement.
func (s *Server) releaseRestartMark() {
	if s.debuggerRestartMark != nil {
		s.Timeline.RemoveExplicitCheckpoint(s.debuggerRestartMark)
		s.debuggerRestartMark = nil
	}
}

// restartFromCheckpoint implements the "restart N" variant. On a missing
// index it prints the diagnostic listing to standard output and notifies
// failure.
func (s *Server) restartFromCheckpoint(req rsp.RestartRequest) {
	idx := uint32(req.Param)
	mark, ok := s.checkpoints.Lookup(idx)
	if !ok {
		fmt.Printf("Restart requested for checkpoint %d, but valid checkpoints are: %s\n", idx, s.checkpoints)
		s.Conn.NotifyRestartFailed()
		return
	}
	if err := s.Timeline.SeekToMark(mark); err != nil {
		fatalf("restart: seek to checkpoint %d failed: %v", idx, err)
	}

	// mark is owned by the checkpoint table entry; the restart mark must
	// be a distinct explicit mark, never owned by both.
	s.releaseRestartMark()
	if s.Timeline.CanAddCheckpoint() {
		s.debuggerRestartMark = s.Timeline.AddExplicitCheckpoint()
	}
	s.target.Event = s.Timeline.CurrentEvent()
}

// restartFromPrevious implements the plain "restart" variant: return to
// where the debugger was first activated (or last restarted-and-
// re-armed).
func (s *Server) restartFromPrevious() {
	if s.debuggerRestartMark == nil {
		s.Conn.NotifyRestartFailed()
		return
	}
	if err := s.Timeline.SeekToMark(s.debuggerRestartMark); err != nil {
		fatalf("restart: seek to previous restart mark failed: %v", err)
	}
	s.target.Event = s.Timeline.CurrentEvent()
}

// restartFromEvent implements "restart event = E": it sets the new
// target event, keeping pid, seeks to just before E, steps forward
// until atTarget holds, the trace ends, or the debuggee exits, then
// activates.
func (s *Server) restartFromEvent(ctx context.Context, req rsp.RestartRequest) {
	s.target.Event = req.Param

	if err := s.Timeline.SeekToBeforeEvent(s.target.Event); err != nil {
		fatalf("restart: seek before event %d failed: %v", s.target.Event, err)
	}

	for !s.atTarget() {
		result, err := s.Timeline.ReplayStep(ctx, replay.RunContinue, replay.RunForward, s.target.Event, nil)
		if err != nil {
			fatalf("restart: replay step failed: %v", err)
		}
		if result.Exited {
			if logflags.Replay() {
				logflags.ReplayLogger().Infof("restart target event %d exceeds trace end; reseeking to closest reachable state", s.target.Event)
			}
			if err := s.Timeline.SeekToBeforeEvent(s.target.Event); err != nil {
				fatalf("restart: reseek before event %d failed: %v", s.target.Event, err)
			}
			break
		}
		if result.BreakStatus.TaskExit && s.isLastThreadOfDebuggee(result.BreakStatus.Task) {
			break
		}
	}
	s.activateDebugger()
}
