package adapter

import (
	"context"
	"errors"

	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// fakeRegisters is a minimal replay.Registers/ExtraRegisters backed by a
// map, enough to exercise get_reg/get_regs/set_reg and the reverse-step
// fast path without a real ptrace backend.
type fakeRegisters struct {
	values map[int][16]byte
	sizes  map[int]int
	names  []int
}

func newFakeRegisters(names ...int) *fakeRegisters {
	r := &fakeRegisters{values: map[int][16]byte{}, sizes: map[int]int{}, names: names}
	for _, n := range names {
		r.sizes[n] = 8
	}
	return r
}

func (r *fakeRegisters) ReadRegister(name int) ([16]byte, int, bool) {
	v, ok := r.values[name]
	if !ok {
		return [16]byte{}, 0, false
	}
	return v, r.sizes[name], true
}

func (r *fakeRegisters) WriteRegister(name int, value []byte) error {
	var v [16]byte
	copy(v[:], value)
	r.values[name] = v
	r.sizes[name] = len(value)
	return nil
}

func (r *fakeRegisters) ReadExtraRegister(name int) ([16]byte, int, bool) {
	return r.ReadRegister(name)
}

func (r *fakeRegisters) Names() []int { return r.names }

func (r *fakeRegisters) clone() *fakeRegisters {
	c := newFakeRegisters(r.names...)
	for k, v := range r.values {
		c.values[k] = v
	}
	for k, v := range r.sizes {
		c.sizes[k] = v
	}
	return c
}

// fakeAddressSpace records mirrored breakpoint/watchpoint installs so
// tests can assert that they were mirrored into a diversion.
type fakeAddressSpace struct {
	breakpoints map[uint64]bool
	watchpoints map[uint64]replay.WatchType
	origBytes   map[uint64]byte
}

func newFakeAddressSpace() *fakeAddressSpace {
	return &fakeAddressSpace{
		breakpoints: map[uint64]bool{},
		watchpoints: map[uint64]replay.WatchType{},
		origBytes:   map[uint64]byte{},
	}
}

func (a *fakeAddressSpace) ReplaceBreakpointsWithOriginalValues(buf []byte, addr uint64) {
	for i := range buf {
		if orig, ok := a.origBytes[addr+uint64(i)]; ok {
			buf[i] = orig
		}
	}
}

func (a *fakeAddressSpace) AddBreakpoint(addr uint64) error {
	a.breakpoints[addr] = true
	return nil
}

func (a *fakeAddressSpace) RemoveBreakpoint(addr uint64) error {
	delete(a.breakpoints, addr)
	return nil
}

func (a *fakeAddressSpace) AddWatchpoint(addr uint64, length int, watch replay.WatchType) error {
	a.watchpoints[addr] = watch
	return nil
}

func (a *fakeAddressSpace) RemoveWatchpoint(addr uint64, length int, watch replay.WatchType) error {
	delete(a.watchpoints, addr)
	return nil
}

// fakeTask is a minimal replay.Task.
type fakeTask struct {
	uid     replay.TaskUID
	name    string
	arch    replay.Arch
	regs    *fakeRegisters
	extra   *fakeRegisters
	mem     map[uint64]byte
	as      *fakeAddressSpace
	signal  int
	execed  bool
	session replay.Session
}

func newFakeTask(uid replay.TaskUID) *fakeTask {
	return &fakeTask{
		uid:    uid,
		arch:   replay.ArchX86_64,
		regs:   newFakeRegisters(1, 2, replay.RegOrigRAX),
		extra:  newFakeRegisters(100),
		mem:    map[uint64]byte{},
		as:     newFakeAddressSpace(),
		execed: true,
	}
}

func (t *fakeTask) UID() replay.TaskUID          { return t.uid }
func (t *fakeTask) TaskGroup() replay.TaskGroupID { return t.uid.Group }
func (t *fakeTask) RealTaskGroupID() int         { return int(t.uid.Group) }
func (t *fakeTask) Name() string                 { return t.name }
func (t *fakeTask) Arch() replay.Arch            { return t.arch }
func (t *fakeTask) Registers() replay.Registers            { return t.regs }
func (t *fakeTask) ExtraRegisters() replay.ExtraRegisters   { return t.extra }
func (t *fakeTask) AddressSpace() replay.AddressSpace       { return t.as }
func (t *fakeTask) LastSignal() int                          { return t.signal }
func (t *fakeTask) HasExeced() bool                          { return t.execed }
func (t *fakeTask) Session() replay.Session                  { return t.session }

func (t *fakeTask) ReadMemory(addr uint64, buf []byte) (int, error) {
	n := 0
	for i := range buf {
		b, ok := t.mem[addr+uint64(i)]
		if !ok {
			break
		}
		buf[i] = b
		n++
	}
	return n, nil
}

func (t *fakeTask) WriteMemory(addr uint64, data []byte) error {
	for i, b := range data {
		t.mem[addr+uint64(i)] = b
	}
	return nil
}

// fakeSession is a replay.Session and, when isDivert is true, a
// replay.DiversionSession.
type fakeSession struct {
	isDivert bool
	tasks    map[replay.TaskUID]replay.Task
	current  replay.TaskUID
	hasCur   bool
	killed   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{tasks: map[replay.TaskUID]replay.Task{}}
}

func (s *fakeSession) IsDiversion() bool { return s.isDivert }

func (s *fakeSession) Tasks() map[replay.TaskUID]replay.Task { return s.tasks }

func (s *fakeSession) FindTask(uid replay.TaskUID) (replay.Task, bool) {
	t, ok := s.tasks[uid]
	return t, ok
}

func (s *fakeSession) CanValidate() bool { return true }

func (s *fakeSession) CurrentTask() (replay.Task, bool) {
	if !s.hasCur {
		return nil, false
	}
	t, ok := s.tasks[s.current]
	return t, ok
}

func (s *fakeSession) Step(ctx context.Context, t replay.Task, cmd replay.RunCommand, signal int) (replay.DiversionResult, error) {
	ft := t.(*fakeTask)
	if signal != 0 {
		ft.signal = signal
	}
	return replay.DiversionResult{BreakStatus: replay.BreakStatus{SingleStepDone: cmd == replay.RunSingleStep, Task: t}}, nil
}

func (s *fakeSession) KillAllTasks() { s.killed = true }

// fakeMark is a replay.Mark snapshot of one task's registers at a point in
// time, plus the event number, used by the reverse-step fast path tests.
type fakeMark struct {
	event    int64
	regs     *fakeRegisters
	extra    *fakeRegisters
	explicit bool
}

func (m *fakeMark) Explicit() bool                       { return m.explicit }
func (m *fakeMark) Registers() replay.Registers           { return m.regs }
func (m *fakeMark) ExtraRegisters() replay.ExtraRegisters { return m.extra }
func (m *fakeMark) Equal(other replay.Mark) bool {
	o, ok := other.(*fakeMark)
	return ok && o.event == m.event
}

// fakeTimeline is a minimal, in-memory replay.Timeline good enough to
// drive the adapter core end to end in tests: it keeps a single
// canonical session with a linear "event counter" and a lazy-reverse
// cache the tests can pre-seed.
type fakeTimeline struct {
	session       *fakeSession
	event         int64
	canCheckpoint bool
	checkpoints   map[*fakeMark]bool
	lazyPrev      map[int64]*fakeMark // event -> cached immediately-preceding mark
	breakpoints   map[uint64]bool
	watchpoints   map[uint64]replay.WatchType
	barrierEvent  int64
	running       bool
	seekErr       error
}

func newFakeTimeline() *fakeTimeline {
	return &fakeTimeline{
		session:       newFakeSession(),
		canCheckpoint: true,
		checkpoints:   map[*fakeMark]bool{},
		lazyPrev:      map[int64]*fakeMark{},
		breakpoints:   map[uint64]bool{},
		watchpoints:   map[uint64]replay.WatchType{},
	}
}

func (tl *fakeTimeline) CurrentSession() replay.Session { return tl.session }

func (tl *fakeTimeline) ReplayStep(ctx context.Context, cmd replay.RunCommand, direction replay.RunDirection, stopAtEvent int64, sniff func() bool) (replay.ReplayResult, error) {
	tl.running = true
	if direction == replay.RunForward {
		tl.event++
	} else {
		tl.event--
	}
	current, _ := tl.session.CurrentTask()
	return replay.ReplayResult{BreakStatus: replay.BreakStatus{SingleStepDone: cmd == replay.RunSingleStep, Task: current}}, nil
}

func (tl *fakeTimeline) Mark() replay.Mark {
	current, _ := tl.session.CurrentTask()
	m := &fakeMark{event: tl.event}
	if current != nil {
		ft := current.(*fakeTask)
		m.regs = ft.regs.clone()
		m.extra = ft.extra.clone()
	}
	return m
}

func (tl *fakeTimeline) SeekToMark(mk replay.Mark) error {
	if tl.seekErr != nil {
		return tl.seekErr
	}
	m := mk.(*fakeMark)
	tl.event = m.event
	if current, ok := tl.session.CurrentTask(); ok && m.regs != nil {
		ft := current.(*fakeTask)
		ft.regs = m.regs.clone()
		ft.extra = m.extra.clone()
	}
	return nil
}

func (tl *fakeTimeline) SeekToBeforeEvent(event int64) error {
	tl.event = event - 1
	return nil
}

func (tl *fakeTimeline) CurrentEvent() int64 { return tl.event }

func (tl *fakeTimeline) CanAddCheckpoint() bool { return tl.canCheckpoint }

func (tl *fakeTimeline) AddExplicitCheckpoint() replay.Mark {
	m := &fakeMark{event: tl.event, explicit: true}
	if current, ok := tl.session.CurrentTask(); ok {
		ft := current.(*fakeTask)
		m.regs = ft.regs.clone()
		m.extra = ft.extra.clone()
	}
	tl.checkpoints[m] = true
	return m
}

func (tl *fakeTimeline) RemoveExplicitCheckpoint(mk replay.Mark) {
	m := mk.(*fakeMark)
	delete(tl.checkpoints, m)
}

func (tl *fakeTimeline) AddBreakpoint(t replay.Task, addr uint64, cond replay.ConditionSet) bool {
	tl.breakpoints[addr] = true
	return true
}

func (tl *fakeTimeline) RemoveBreakpoint(t replay.Task, addr uint64) {
	delete(tl.breakpoints, addr)
}

func (tl *fakeTimeline) AddWatchpoint(t replay.Task, addr uint64, length int, watch replay.WatchType, cond replay.ConditionSet) bool {
	tl.watchpoints[addr] = watch
	return true
}

func (tl *fakeTimeline) RemoveWatchpoint(t replay.Task, addr uint64, length int, watch replay.WatchType) {
	delete(tl.watchpoints, addr)
}

func (tl *fakeTimeline) RemoveBreakpointsAndWatchpoints() {
	tl.breakpoints = map[uint64]bool{}
	tl.watchpoints = map[uint64]replay.WatchType{}
}

func (tl *fakeTimeline) ApplyBreakpointsAndWatchpoints() {}

func (tl *fakeTimeline) LazyReverseSinglestep(now replay.Mark, t replay.Task) (replay.Mark, bool) {
	m := now.(*fakeMark)
	prev, ok := tl.lazyPrev[m.event]
	if !ok {
		return nil, false
	}
	return prev, true
}

func (tl *fakeTimeline) SetReverseExecutionBarrierEvent(event int64) { tl.barrierEvent = event }

func (tl *fakeTimeline) CloneDiversion() replay.DiversionSession {
	div := newFakeSession()
	div.isDivert = true
	for uid, t := range tl.session.tasks {
		ft := t.(*fakeTask)
		clone := &fakeTask{
			uid: uid, name: ft.name, arch: ft.arch,
			regs: ft.regs.clone(), extra: ft.extra.clone(),
			mem: map[uint64]byte{}, as: newFakeAddressSpace(), execed: ft.execed,
		}
		for k, v := range ft.mem {
			clone.mem[k] = v
		}
		div.tasks[uid] = clone
	}
	div.current = tl.session.current
	div.hasCur = tl.session.hasCur
	return div
}

func (tl *fakeTimeline) IsRunning() bool { return tl.running }

// fakeConn is a minimal rsp.Connection driven by a queue of canned
// requests and recording every reply/notification for assertions.
type fakeConn struct {
	requests  []rsp.Request
	pos       int
	features  rsp.Features
	notifies  []rsp.ThreadID
	signals   []int
	watchAddr []uint64
	getMemReplies    [][]byte
	getRegsReplies   [][]rsp.RegRequest
	getRegReplies    []rsp.RegRequest
	setMemReplies    []bool
	setRegReplies    []bool
	watchReplies     []bool
	noSuchThread     int
	exitCodes        []int
	restartFailed    int
	detached         bool
	auxv             [][]rsp.AuxvPair
	threadLists      [][]rsp.ThreadID
}

func (c *fakeConn) AwaitClientConnection(flags rsp.ConnectionFlags, tgid int32, exeImage string, advertiseReverse bool) error {
	return nil
}

func (c *fakeConn) GetRequest() rsp.Request {
	if c.pos >= len(c.requests) {
		panic(errors.New("fakeConn: request queue exhausted"))
	}
	r := c.requests[c.pos]
	c.pos++
	return r
}

func (c *fakeConn) Features() rsp.Features { return c.features }
func (c *fakeConn) SniffPacket() bool      { return false }

func (c *fakeConn) ReplySetMem(ok bool)             { c.setMemReplies = append(c.setMemReplies, ok) }
func (c *fakeConn) ReplyGetMem(data []byte)         { c.getMemReplies = append(c.getMemReplies, data) }
func (c *fakeConn) ReplyGetOffsets()                {}
func (c *fakeConn) ReplyGetCurrentThread(t rsp.ThreadID) {}
func (c *fakeConn) ReplyGetThreadList(tids []rsp.ThreadID) { c.threadLists = append(c.threadLists, tids) }
func (c *fakeConn) ReplyGetIsThreadAlive(alive bool) {}
func (c *fakeConn) ReplyGetThreadExtraInfo(name string) {}
func (c *fakeConn) ReplySelectThread(ok bool) {}
func (c *fakeConn) ReplyGetAuxv(pairs []rsp.AuxvPair) { c.auxv = append(c.auxv, pairs) }
func (c *fakeConn) ReplyGetReg(reg rsp.RegRequest)  { c.getRegReplies = append(c.getRegReplies, reg) }
func (c *fakeConn) ReplyGetRegs(regs []rsp.RegRequest) {
	c.getRegsReplies = append(c.getRegsReplies, regs)
}
func (c *fakeConn) ReplySetReg(ok bool)                     { c.setRegReplies = append(c.setRegReplies, ok) }
func (c *fakeConn) ReplyGetStopReason(t rsp.ThreadID, signal int) {}
func (c *fakeConn) ReplyWatchpointRequest(ok bool)          { c.watchReplies = append(c.watchReplies, ok) }
func (c *fakeConn) ReplyReadSiginfo(data []byte)            {}
func (c *fakeConn) ReplyWriteSiginfo()                      {}
func (c *fakeConn) ReplyDetach()                            { c.detached = true }

func (c *fakeConn) NotifyStop(t rsp.ThreadID, signal int, watchAddr uint64) {
	c.notifies = append(c.notifies, t)
	c.signals = append(c.signals, signal)
	c.watchAddr = append(c.watchAddr, watchAddr)
}
func (c *fakeConn) NotifyNoSuchThread(req rsp.Request) { c.noSuchThread++ }
func (c *fakeConn) NotifyExitCode(code int)            { c.exitCodes = append(c.exitCodes, code) }
func (c *fakeConn) NotifyRestartFailed()               { c.restartFailed++ }

// fakeCondition is a rsp.ConditionExpr with a canned result.
type fakeCondition struct {
	value int64
	ok    bool
}

func (f fakeCondition) Evaluate(t replay.Task) (int64, bool) { return f.value, f.ok }
