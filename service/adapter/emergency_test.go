package adapter

import (
	"testing"

	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

func TestEmergencyServeDetachesCleanly(t *testing.T) {
	s, _, conn, task := newTestServer()
	conn.requests = []rsp.Request{{Type: rsp.ReqDetach}}

	s.EmergencyServe(rsp.ConnectionFlags{}, "")

	if !conn.detached {
		t.Fatal("expected a detach reply")
	}
	if !s.tguidSet || s.debuggeeTGUID != task.uid.Group {
		t.Fatal("expected the debuggee task group to be captured from the current task")
	}
}

func TestEmergencyServeDispatchesOrdinaryRequestsBeforeDetach(t *testing.T) {
	s, _, conn, _ := newTestServer()
	conn.requests = []rsp.Request{
		{Type: rsp.ReqGetCurrentThread},
		{Type: rsp.ReqDetach},
	}

	s.EmergencyServe(rsp.ConnectionFlags{}, "")

	if !conn.detached {
		t.Fatal("expected emergency mode to keep serving ordinary requests up to the detach")
	}
}

func expectFatal(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic")
		}
		if _, ok := r.(adapterFault); !ok {
			t.Fatalf("expected an adapterFault panic, got %T: %v", r, r)
		}
	}()
	f()
}

func TestEmergencyServeRestartIsFatal(t *testing.T) {
	s, _, conn, _ := newTestServer()
	conn.requests = []rsp.Request{{Type: rsp.ReqRestart}}
	expectFatal(t, func() { s.EmergencyServe(rsp.ConnectionFlags{}, "") })
}

func TestEmergencyServeResumeIsFatal(t *testing.T) {
	s, _, conn, _ := newTestServer()
	conn.requests = []rsp.Request{{Type: rsp.ReqCont}}
	expectFatal(t, func() { s.EmergencyServe(rsp.ConnectionFlags{}, "") })
}
