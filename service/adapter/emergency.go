package adapter

import (
	"github.com/rr-go/rrgdbadapter/pkg/logflags"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// EmergencyServe is a post-mortem entry point for hard failures. It
// removes all breakpoints (covering over any internal traps left
// installed), advertises no reverse execution, waits for a client, and
// runs the dispatcher against the given task's session without ever
// driving the timeline. A resume or restart request here is fatal:
// there is no driven timeline to resume or restart.
func (s *Server) EmergencyServe(flags rsp.ConnectionFlags, exeImage string) {
	s.Timeline.RemoveBreakpointsAndWatchpoints()

	session := s.Timeline.CurrentSession()
	var tgid int32
	if current, ok := session.CurrentTask(); ok {
		s.debuggeeTGUID = current.TaskGroup()
		s.tguidSet = true
		tgid = int32(current.TaskGroup())
	}

	if err := s.Conn.AwaitClientConnection(flags, tgid, exeImage, false); err != nil {
		if logflags.Adapter() {
			logflags.AdapterLogger().Errorf("emergency mode: client connection failed: %v", err)
		}
		return
	}

	for {
		req := s.Conn.GetRequest()
		session := s.Timeline.CurrentSession()
		current, _ := session.CurrentTask()

		switch s.DispatchRequest(session, current, req, ThreadsAlive) {
		case DispatchDetach:
			s.Conn.ReplyDetach()
			return
		case DispatchRestart:
			fatalf("emergency mode: restart requested without a driven timeline")
		case DispatchResume:
			fatalf("emergency mode: resume requested without a driven timeline")
		}
	}
}
