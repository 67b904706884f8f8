package rsp

import "os"

// Features are the capabilities the client advertised during the
// handshake. Only ReverseExecution is consulted by this module, to gate
// the last-thread-exit SIGKILL override.
type Features struct {
	ReverseExecution bool
}

// ProbeMode selects how await_client_connection picks a TCP port.
type ProbeMode int

const (
	DontProbe ProbeMode = iota
	ProbePort
)

// ConnectionFlags configures how the adapter waits for a client.
type ConnectionFlags struct {
	// DbgPort, if non-zero, is the exact port to bind; probing is disabled.
	DbgPort uint16
	// DebuggerParamsWritePipe, if set, receives the connection parameters
	// (host, port, tgid, exe path) once bound, then is closed.
	DebuggerParamsWritePipe *os.File
}

// Connection is everything the adapter needs from the client's transport
// and the wire codec. The codec implementation (packet framing,
// checksums, retransmission) is external; this is the contract.
type Connection interface {
	// AwaitClientConnection blocks until a client attaches, binding to
	// flags.DbgPort if set (else probing starting from the adapter's own
	// process id), and writes connection parameters (host, port, tgid,
	// exe path) to flags.DebuggerParamsWritePipe if given, then closes
	// it. advertiseReverseExecution is sent to the client during the
	// handshake as this adapter's own capability, distinct from
	// Features() which reports what the client asked for; the
	// post-mortem entry point passes false since it never drives the
	// timeline.
	AwaitClientConnection(flags ConnectionFlags, tgid int32, exeImage string, advertiseReverseExecution bool) error

	// GetRequest blocks until a full client request has been decoded.
	GetRequest() Request
	Features() Features

	// SniffPacket reports whether the client has sent data that a
	// blocking replay step should be interrupted for.
	SniffPacket() bool

	ReplySetMem(ok bool)
	ReplyGetMem(data []byte)
	ReplyGetOffsets()
	ReplyGetCurrentThread(t ThreadID)
	ReplyGetThreadList(tids []ThreadID)
	ReplyGetIsThreadAlive(alive bool)
	ReplyGetThreadExtraInfo(name string)
	ReplySelectThread(ok bool)
	ReplyGetAuxv(pairs []AuxvPair)
	ReplyGetReg(reg RegRequest)
	ReplyGetRegs(regs []RegRequest)
	ReplySetReg(ok bool)
	ReplyGetStopReason(t ThreadID, signal int)
	ReplyWatchpointRequest(ok bool)
	ReplyReadSiginfo(data []byte)
	ReplyWriteSiginfo()
	ReplyDetach()

	NotifyStop(t ThreadID, signal int, watchAddr uint64)
	NotifyNoSuchThread(req Request)
	NotifyExitCode(code int)
	NotifyRestartFailed()
}

// AuxvPair is one (type, value) pair from a process's auxiliary vector.
type AuxvPair struct {
	Type  uint64
	Value uint64
}
