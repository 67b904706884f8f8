package adapter

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rr-go/rrgdbadapter/pkg/logflags"
	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// DispatchOutcome tells the driver's request-processing loop whether req
// was fully handled by DispatchRequest or must be handled by the caller.
// Resume, detach, and restart requests always short-circuit upstream.
type DispatchOutcome int

const (
	DispatchHandled DispatchOutcome = iota
	DispatchResume
	DispatchDetach
	DispatchRestart
)

// fatalf panics with an adapterFault, for protocol invariant violations
// that indicate the adapter (not the client) has gone wrong.
type adapterFault struct{ msg string }

func (f adapterFault) Error() string { return f.msg }

func fatalf(format string, args ...interface{}) {
	panic(adapterFault{msg: fmt.Sprintf(format, args...)})
}

// DispatchRequest dispatches a single request: given
// the active session, the current task (possibly nil), a request and the
// current report state, it produces exactly one reply on s.Conn and
// applies the appropriate session/timeline effect, unless req is one of
// the three types that must be handled by the caller.
func (s *Server) DispatchRequest(session replay.Session, current replay.Task, req rsp.Request, reportState ReportState) DispatchOutcome {
	switch req.Type {
	case rsp.ReqCont:
		return DispatchResume
	case rsp.ReqDetach:
		return DispatchDetach
	case rsp.ReqRestart:
		return DispatchRestart
	}

	if outcome, handled := s.dispatchNoTarget(session, current, req, reportState); handled {
		return outcome
	}
	if handled := s.dispatchTargetOptional(session, current, req); handled {
		return DispatchHandled
	}

	target, ok := resolveTarget(session, current, req.Target)
	if !ok {
		s.Conn.NotifyNoSuchThread(req)
		return DispatchHandled
	}
	s.dispatchTargetRequired(session, target, req)
	return DispatchHandled
}

// resolveTarget applies the target resolution rule shared by the
// target-optional and target-required request families: an unset
// ThreadID means "use current", otherwise look the target up in
// session.
func resolveTarget(session replay.Session, current replay.Task, target rsp.ThreadID) (replay.Task, bool) {
	if target.PID <= 0 && target.TID <= 0 {
		if current == nil {
			return nil, false
		}
		return current, true
	}
	for uid, t := range session.Tasks() {
		if target.Matches(int32(uid.Group), int32(uid.Task)) {
			return t, true
		}
	}
	return nil, false
}

// dispatchNoTarget handles the requests that must be answered even with
// no live thread.
func (s *Server) dispatchNoTarget(session replay.Session, current replay.Task, req rsp.Request, reportState ReportState) (DispatchOutcome, bool) {
	switch req.Type {
	case rsp.ReqGetCurrentThread:
		s.Conn.ReplyGetCurrentThread(threadIDOf(current))
		return DispatchHandled, true

	case rsp.ReqGetOffsets:
		s.Conn.ReplyGetOffsets()
		return DispatchHandled, true

	case rsp.ReqGetThreadList:
		if reportState == ThreadsDead {
			s.Conn.ReplyGetThreadList(nil)
			return DispatchHandled, true
		}
		tids := make([]rsp.ThreadID, 0, len(session.Tasks()))
		for uid := range session.Tasks() {
			tids = append(tids, rsp.ThreadID{PID: int32(uid.Group), TID: int32(uid.Task)})
		}
		s.Conn.ReplyGetThreadList(tids)
		return DispatchHandled, true

	case rsp.ReqInterrupt:
		s.Conn.NotifyStop(threadIDOf(current), 0, 0)
		return DispatchHandled, true
	}
	return DispatchHandled, false
}

// dispatchTargetOptional handles requests that resolve to current when no
// explicit target is given.
func (s *Server) dispatchTargetOptional(session replay.Session, current replay.Task, req rsp.Request) bool {
	switch req.Type {
	case rsp.ReqIsThreadAlive:
		target, ok := resolveTarget(session, current, req.Target)
		s.Conn.ReplyGetIsThreadAlive(ok && target != nil)
		return true

	case rsp.ReqThreadExtraInfo:
		target, ok := resolveTarget(session, current, req.Target)
		if !ok {
			s.Conn.ReplyGetThreadExtraInfo("")
			return true
		}
		s.Conn.ReplyGetThreadExtraInfo(target.Name())
		return true

	case rsp.ReqSetContinueThread, rsp.ReqSetQueryThread:
		_, ok := resolveTarget(session, current, req.Target)
		s.Conn.ReplySelectThread(ok)
		return true
	}
	return false
}

// dispatchTargetRequired handles every request that needs a resolved
// target. Called only once target has already been resolved; an
// unresolved target is answered with no_such_thread by DispatchRequest.
func (s *Server) dispatchTargetRequired(session replay.Session, target replay.Task, req rsp.Request) {
	switch req.Type {
	case rsp.ReqGetAuxv:
		s.dispatchGetAuxv(target)
	case rsp.ReqGetMem:
		s.dispatchGetMem(target, req.Mem)
	case rsp.ReqSetMem:
		s.dispatchSetMem(session, target, req.Mem)
	case rsp.ReqGetReg:
		s.dispatchGetReg(target, req.Reg)
	case rsp.ReqGetRegs:
		s.dispatchGetRegs(target)
	case rsp.ReqSetReg:
		s.dispatchSetReg(session, target, req.Reg)
	case rsp.ReqGetStopReason:
		s.Conn.ReplyGetStopReason(threadIDOf(target), target.LastSignal())

	case rsp.ReqSetSWBreak:
		s.dispatchSetBreak(session, target, req.Watch, true)
	case rsp.ReqSetHWBreak:
		s.dispatchSetBreak(session, target, req.Watch, false)
	case rsp.ReqRemoveSWBreak, rsp.ReqRemoveHWBreak:
		s.dispatchRemoveBreak(session, target, req.Watch)

	case rsp.ReqSetRDWatch, rsp.ReqSetWRWatch, rsp.ReqSetRDWRWatch:
		s.dispatchSetWatch(session, target, req.Type, req.Watch)
	case rsp.ReqRemoveRDWatch, rsp.ReqRemoveWRWatch, rsp.ReqRemoveRDWRWatch:
		s.dispatchRemoveWatch(session, target, req.Type, req.Watch)

	case rsp.ReqReadSiginfo:
		s.dispatchReadSiginfo(session, target)
	case rsp.ReqWriteSiginfo:
		s.dispatchWriteSiginfo(session, target)

	default:
		fatalf("dispatch: unknown request type %v", req.Type)
	}
}

func threadIDOf(t replay.Task) rsp.ThreadID {
	if t == nil {
		return rsp.ThreadID{}
	}
	uid := t.UID()
	return rsp.ThreadID{PID: int32(uid.Group), TID: int32(uid.Task)}
}

// dispatchGetAuxv reads /proc/<real-tgid>/auxv, replying with an empty
// vector on any I/O error rather than failing the request. The buffer is
// sized for auxvMaxPairs entries; a process exposing more silently has
// the extras dropped.
const auxvMaxPairs = 4096

func (s *Server) dispatchGetAuxv(target replay.Task) {
	raw, err := readAuxv(target.RealTaskGroupID())
	if err != nil {
		s.Conn.ReplyGetAuxv(nil)
		return
	}
	pairs := decodeAuxv(raw, auxvMaxPairs)
	s.Conn.ReplyGetAuxv(pairs)
}

// readAuxv reads /proc/<tgid>/auxv via golang.org/x/sys/unix rather than
// os/io/ioutil.
func readAuxv(tgid int) ([]byte, error) {
	path := fmt.Sprintf("/proc/%d/auxv", tgid)
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

func decodeAuxv(raw []byte, max int) []rsp.AuxvPair {
	const entrySize = 16 // two uint64s per (type, value) pair
	n := len(raw) / entrySize
	if n > max {
		n = max
	}
	pairs := make([]rsp.AuxvPair, 0, n)
	for i := 0; i < n; i++ {
		off := i * entrySize
		typ := leUint64(raw[off : off+8])
		val := leUint64(raw[off+8 : off+16])
		if typ == 0 {
			break // AT_NULL terminator
		}
		pairs = append(pairs, rsp.AuxvPair{Type: typ, Value: val})
	}
	return pairs
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// dispatchGetMem offers the read first to the magic channel, then falls
// back to the target's memory, overlaying software-breakpoint traps with
// the original bytes so the client sees the program's own bytes.
func (s *Server) dispatchGetMem(target replay.Task, req rsp.MemRequest) {
	if data, handled := s.magicRead(req.Addr, req.Len); handled {
		s.Conn.ReplyGetMem(data)
		return
	}
	buf := make([]byte, req.Len)
	n, err := target.ReadMemory(req.Addr, buf)
	if err != nil {
		n = 0
	}
	buf = buf[:n]
	target.AddressSpace().ReplaceBreakpointsWithOriginalValues(buf, req.Addr)
	s.Conn.ReplyGetMem(buf)
}

// dispatchSetMem: a zero-length write is a no-op success (client fence);
// else offer to the magic channel; else allow only in a diversion.
func (s *Server) dispatchSetMem(session replay.Session, target replay.Task, req rsp.MemRequest) {
	if req.Len == 0 {
		s.Conn.ReplySetMem(true)
		return
	}
	if s.magicWrite(req.Addr, req.Data) {
		s.Conn.ReplySetMem(true)
		return
	}
	if !session.IsDiversion() {
		if logflags.Adapter() {
			logflags.AdapterLogger().Warnf("set_mem outside diversion at 0x%x refused", req.Addr)
		}
		s.Conn.ReplySetMem(false)
		return
	}
	err := target.WriteMemory(req.Addr, req.Data)
	s.Conn.ReplySetMem(err == nil)
}

func (s *Server) dispatchGetReg(target replay.Task, req rsp.RegRequest) {
	reg := readOneRegister(target, req.Name)
	s.Conn.ReplyGetReg(reg)
}

// regSource is satisfied by both replay.Task and replay.Mark: both expose
// registers the same way, which lets the reverse-step fast path serve
// get_reg/get_regs from a stored mark using the same code that serves
// them from a live task.
type regSource interface {
	Registers() replay.Registers
	ExtraRegisters() replay.ExtraRegisters
}

func readOneRegister(src regSource, name int) rsp.RegRequest {
	value, size, defined := src.Registers().ReadRegister(name)
	if !defined {
		if extra := src.ExtraRegisters(); extra != nil {
			if v, sz, ok := extra.ReadExtraRegister(name); ok {
				value, size, defined = v, sz, ok
			}
		}
	}
	return rsp.RegRequest{Name: name, Value: value[:size], Size: size, Defined: defined}
}

func allRegisters(src regSource) []rsp.RegRequest {
	var regs []rsp.RegRequest
	for _, name := range src.Registers().Names() {
		regs = append(regs, readOneRegister(src, name))
	}
	if extra := src.ExtraRegisters(); extra != nil {
		for _, name := range extra.Names() {
			regs = append(regs, readOneRegister(src, name))
		}
	}
	return regs
}

func (s *Server) dispatchGetRegs(target replay.Task) {
	s.Conn.ReplyGetRegs(allRegisters(target))
}

// dispatchSetReg: only legal in a diversion, except the architecture's
// "original syscall return" register which is silently acknowledged
// everywhere because a spurious -1 write arrives on restart and must not
// corrupt replay state.
func (s *Server) dispatchSetReg(session replay.Session, target replay.Task, req rsp.RegRequest) {
	if orig, ok := target.Arch().OrigSyscallReturnRegister(); ok && req.Name == orig {
		s.Conn.ReplySetReg(true)
		return
	}
	if !session.IsDiversion() {
		if logflags.Adapter() {
			logflags.AdapterLogger().Warnf("set_reg %d outside diversion refused", req.Name)
		}
		s.Conn.ReplySetReg(false)
		return
	}
	err := target.Registers().WriteRegister(req.Name, req.Value)
	s.Conn.ReplySetReg(err == nil)
}

// canonicalTask resolves target's task-and-thread identity against the
// canonical timeline's current session, so breakpoint/watchpoint
// installation always lands in the canonical breakpoint set even when the
// active session is a diversion. Falls back to target
// itself if the diversion forked a task the canonical session no longer
// carries under that identity (best-effort, since inferior calls can spin
// up transient tasks).
func (s *Server) canonicalTask(target replay.Task) replay.Task {
	if t, ok := s.Timeline.CurrentSession().FindTask(target.UID()); ok {
		return t
	}
	return target
}

// dispatchSetBreak installs a software or hardware breakpoint in the
// canonical timeline and, if a diversion is active, mirrors it into the
// diversion's address space. Software breakpoints verify the client's
// requested trap width against the architecture.
func (s *Server) dispatchSetBreak(session replay.Session, target replay.Task, req rsp.WatchRequest, software bool) {
	if software && req.Kind != target.Arch().BreakpointInsnSize() {
		s.Conn.ReplyWatchpointRequest(false)
		return
	}
	cond := s.condCache.getOrBuild(req.Addr, req.Conditions)
	ok := s.Timeline.AddBreakpoint(s.canonicalTask(target), req.Addr, cond)
	if ok && s.diversion != nil {
		if err := s.diversion.task.AddressSpace().AddBreakpoint(req.Addr); err != nil && logflags.Diversion() {
			logflags.DiversionLogger().Warnf("mirror breakpoint at 0x%x failed: %v", req.Addr, err)
		}
	}
	s.Conn.ReplyWatchpointRequest(ok)
}

func (s *Server) dispatchRemoveBreak(session replay.Session, target replay.Task, req rsp.WatchRequest) {
	s.Timeline.RemoveBreakpoint(s.canonicalTask(target), req.Addr)
	if s.diversion != nil {
		if err := s.diversion.task.AddressSpace().RemoveBreakpoint(req.Addr); err != nil && logflags.Diversion() {
			logflags.DiversionLogger().Warnf("unmirror breakpoint at 0x%x failed: %v", req.Addr, err)
		}
	}
	s.Conn.ReplyWatchpointRequest(true)
}

// watchTypeFor collapses the four wire watchpoint request families to the
// three hardware watch types a platform implements, widening read-only to
// read-write: an x86 platform concession, not a bug.
func watchTypeFor(reqType rsp.RequestType) replay.WatchType {
	switch reqType {
	case rsp.ReqSetHWBreak, rsp.ReqRemoveHWBreak:
		return replay.WatchExec
	case rsp.ReqSetWRWatch, rsp.ReqRemoveWRWatch:
		return replay.WatchWrite
	default: // ReqSetRDWatch / ReqSetRDWRWatch and their removals
		return replay.WatchReadWrite
	}
}

func (s *Server) dispatchSetWatch(session replay.Session, target replay.Task, reqType rsp.RequestType, req rsp.WatchRequest) {
	watch := watchTypeFor(reqType)
	cond := s.condCache.getOrBuild(req.Addr, req.Conditions)
	ok := s.Timeline.AddWatchpoint(s.canonicalTask(target), req.Addr, req.Kind, watch, cond)
	if ok && s.diversion != nil {
		if err := s.diversion.task.AddressSpace().AddWatchpoint(req.Addr, req.Kind, watch); err != nil && logflags.Diversion() {
			logflags.DiversionLogger().Warnf("mirror watchpoint at 0x%x failed: %v", req.Addr, err)
		}
	}
	s.Conn.ReplyWatchpointRequest(ok)
}

func (s *Server) dispatchRemoveWatch(session replay.Session, target replay.Task, reqType rsp.RequestType, req rsp.WatchRequest) {
	watch := watchTypeFor(reqType)
	s.Timeline.RemoveWatchpoint(s.canonicalTask(target), req.Addr, req.Kind, watch)
	if s.diversion != nil {
		if err := s.diversion.task.AddressSpace().RemoveWatchpoint(req.Addr, req.Kind, watch); err != nil && logflags.Diversion() {
			logflags.DiversionLogger().Warnf("unmirror watchpoint at 0x%x failed: %v", req.Addr, err)
		}
	}
	s.Conn.ReplyWatchpointRequest(true)
}

// dispatchReadSiginfo, outside a diversion, triggers entry into one: it
// synthesizes a dummy reply and forks. Inside a diversion it increments
// the refcount.
func (s *Server) dispatchReadSiginfo(session replay.Session, target replay.Task) {
	if s.diversion == nil {
		s.Conn.ReplyReadSiginfo(make([]byte, 16))
		s.enterDiversion(target)
		return
	}
	s.diversion.refcount++
	s.Conn.ReplyReadSiginfo(make([]byte, 16))
}

func (s *Server) dispatchWriteSiginfo(session replay.Session, target replay.Task) {
	if s.diversion == nil {
		if logflags.Diversion() {
			logflags.DiversionLogger().Warn("write_siginfo outside diversion")
		}
		s.Conn.ReplyWriteSiginfo()
		return
	}
	s.diversion.refcount--
	s.Conn.ReplyWriteSiginfo()
}
