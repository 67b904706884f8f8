package adapter

import (
	"golang.org/x/sys/unix"

	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// stopNotification is the result of applying the stop-reporting policy
// to a BreakStatus: which thread, which signal, and the watch address to
// report, or ok=false if no notification should be sent at all.
type stopNotification struct {
	Thread    rsp.ThreadID
	Signal    int
	WatchAddr uint64
	ok        bool
}

// reportStop applies the stop-reporting rules in order, later rules
// overriding earlier ones. lastThreadOfDebuggeeExiting and
// reverseExecutionAdvertised together gate the SIGKILL override for the
// last-thread-exits-under-reverse-execution case.
func reportStop(bs replay.BreakStatus, lastThreadOfDebuggeeExiting, reverseExecutionAdvertised bool) stopNotification {
	var n stopNotification

	if len(bs.WatchpointsHit) > 0 {
		n.Signal = int(unix.SIGTRAP)
		n.WatchAddr = bs.WatchpointsHit[0].Addr
		n.ok = true
	}
	if bs.BreakpointHit || bs.SingleStepDone {
		n.Signal = int(unix.SIGTRAP)
		n.ok = true
	}
	if bs.Signal != 0 {
		n.Signal = bs.Signal
		n.ok = true
	}
	if lastThreadOfDebuggeeExiting && reverseExecutionAdvertised {
		n.Signal = int(unix.SIGKILL)
		n.ok = true
	}

	if bs.Task != nil {
		uid := bs.Task.UID()
		n.Thread = rsp.ThreadID{PID: int32(uid.Group), TID: int32(uid.Task)}
	}
	return n
}

// notify sends n to the connection if it carries a signal, else does
// nothing and lets the driver keep going.
func (n stopNotification) notify(conn rsp.Connection) {
	if !n.ok {
		return
	}
	conn.NotifyStop(n.Thread, n.Signal, n.WatchAddr)
}
