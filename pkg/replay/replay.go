// Package replay declares the interfaces the debug-adapter core expects
// from a deterministic record/replay engine and the ptrace-style task
// primitive it drives. Neither is implemented here: both are external
// collaborators owned by a different subsystem. This package exists so
// that service/adapter can depend on narrow, testable contracts instead of
// a concrete backend.
package replay

import (
	"context"
	"fmt"
)

// TaskGroupID identifies a task group (the debuggee's process, in the
// client's mental model) the way a tgid identifies one under Linux.
type TaskGroupID int32

// TaskID identifies a single task (thread) within a task group.
type TaskID int32

// TaskUID is a stable identity for a task across the lifetime of a single
// session, even if the underlying TaskID is reused by the kernel.
type TaskUID struct {
	Group TaskGroupID
	Task  TaskID
}

func (u TaskUID) String() string { return fmt.Sprintf("%d.%d", u.Group, u.Task) }

// Arch tags the instruction-set architecture of a task, which determines
// register layouts and the software-breakpoint trap instruction width.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchX86_64
	ArchARM64
)

// BreakpointInsnSize returns the length in bytes of the trap instruction
// this architecture uses for software breakpoints (e.g. 1 for x86's INT3).
func (a Arch) BreakpointInsnSize() int {
	switch a {
	case ArchX86, ArchX86_64:
		return 1
	case ArchARM64:
		return 4
	default:
		return 0
	}
}

// Wire register-name numbering for the "original syscall return value"
// register, ORIG_EAX/ORIG_RAX in gdb's x86/x86-64 target descriptions.
// The dispatcher special-cases writes to this register: the client
// sends a spurious -1 write to it on restart, and it must be silently
// acknowledged even outside a diversion.
const (
	RegOrigEAX = 41
	RegOrigRAX = 41
)

// OrigSyscallReturnRegister returns the wire register-name number of this
// architecture's "original syscall return value" register, if it has one.
func (a Arch) OrigSyscallReturnRegister() (name int, ok bool) {
	switch a {
	case ArchX86:
		return RegOrigEAX, true
	case ArchX86_64:
		return RegOrigRAX, true
	default:
		return 0, false
	}
}

// RegisterValue is the value (or definedness) of a single named register,
// as reported to the client. A register that is not defined for the
// current architecture/mode carries Defined == false and Value is
// meaningless.
type RegisterValue struct {
	Name    int
	Value   [16]byte
	Size    int
	Defined bool
}

// Registers exposes the general-purpose and extra (e.g. FP/vector) register
// state of a task, addressed by the wire protocol's numeric register name.
type Registers interface {
	ReadRegister(name int) (value [16]byte, size int, defined bool)
	WriteRegister(name int, value []byte) error
	// Names returns every general-purpose register name this architecture
	// defines, in wire order, for building a get_regs reply.
	Names() []int
}

// ExtraRegisters exposes registers that live outside the general-purpose
// set (e.g. floating point). Looked up only when Registers doesn't
// define the requested name, forming a two-tier get_reg lookup.
type ExtraRegisters interface {
	ReadExtraRegister(name int) (value [16]byte, size int, defined bool)
	Names() []int
}

// AddressSpace is the per-task-group view of breakpoint/watchpoint traps
// installed directly in a task's memory, used to mirror
// canonical-timeline breakpoints into a diversion.
type AddressSpace interface {
	// ReplaceBreakpointsWithOriginalValues overlays buf (read starting at
	// addr) with the bytes a software breakpoint trap is hiding, so reads
	// observe the program's own bytes rather than the trap instruction.
	ReplaceBreakpointsWithOriginalValues(buf []byte, addr uint64)

	AddBreakpoint(addr uint64) error
	RemoveBreakpoint(addr uint64) error
	AddWatchpoint(addr uint64, length int, watch WatchType) error
	RemoveWatchpoint(addr uint64, length int, watch WatchType) error
}

// WatchType is the hardware watchpoint flavor, collapsed from the wire
// protocol's four watch request families to the three a platform
// actually implements: read-only widens to read-write.
type WatchType int

const (
	WatchExec WatchType = iota
	WatchWrite
	WatchReadWrite
)

// Task is a single thread of execution as exposed by the task primitive.
type Task interface {
	UID() TaskUID
	TaskGroup() TaskGroupID
	RealTaskGroupID() int // the OS-level tgid, for /proc/<tgid>/auxv
	Name() string
	Arch() Arch

	Registers() Registers
	ExtraRegisters() ExtraRegisters
	AddressSpace() AddressSpace

	// ReadMemory reads up to len(buf) bytes starting at addr, returning
	// the number of bytes actually read. A short read is not an error:
	// the reply truncates to the bytes actually read.
	ReadMemory(addr uint64, buf []byte) (n int, err error)
	// WriteMemory writes data at addr. Only ever called against a
	// diversion task; callers enforce that, not this interface.
	WriteMemory(addr uint64, data []byte) error

	// LastSignal is the signal most recently delivered to this task by
	// the replay engine.
	LastSignal() int

	// HasExeced reports whether this task has completed its initial
	// exec(), used by the attach-point predicate's require-exec
	// constraint.
	HasExeced() bool

	// Session returns the owning session.
	Session() Session
}

// Session is a snapshot of one or more tasks: either an immutable replay
// session or a mutable diversion session forked from one.
type Session interface {
	IsDiversion() bool
	Tasks() map[TaskUID]Task
	FindTask(uid TaskUID) (Task, bool)
	// CanValidate reports whether this session is far enough along to be
	// a legitimate attach point: the debugger must not launch against
	// the initial fork child.
	CanValidate() bool
	// CurrentTask returns the task the replay engine most recently
	// stopped, if any.
	CurrentTask() (Task, bool)
}

// DiversionSession is a Session that additionally supports stepping and
// teardown, used exclusively by the Diversion Controller.
type DiversionSession interface {
	Session
	// Step executes one continue-or-singlestep of the given task, optionally
	// delivering a signal first.
	Step(ctx context.Context, t Task, cmd RunCommand, signal int) (DiversionResult, error)
	KillAllTasks()
}

// DiversionResult reports the outcome of one DiversionSession.Step call.
type DiversionResult struct {
	Exited      bool
	BreakStatus BreakStatus
}

// RunCommand is an abstract resume verb.
type RunCommand int

const (
	RunContinue RunCommand = iota
	RunSingleStep
)

// RunDirection is the direction execution should proceed.
type RunDirection int

const (
	RunForward RunDirection = iota
	RunBackward
)

// Mark is an opaque, comparable handle to an exact execution point.
// Explicit marks hold a checkpoint and must be released; implicit marks
// are cheap references with no lifecycle obligation.
type Mark interface {
	// Explicit reports whether this mark holds a checkpoint (and so must
	// be released when no longer needed).
	Explicit() bool
	// Registers/ExtraRegisters let the reverse-step fast path serve
	// get_regs straight from the mark without seeking the timeline.
	Registers() Registers
	ExtraRegisters() ExtraRegisters
	// Equal reports whether two marks denote the same execution point.
	Equal(other Mark) bool
}

// ConditionSet is the narrow contract the timeline needs from a
// breakpoint/watchpoint's attached condition: evaluate it against the
// task that hit the trap. A nil ConditionSet means "always break".
type ConditionSet interface {
	ShouldBreak(t Task) bool
}

// BreakStatus describes why a replay/diversion step returned control.
type BreakStatus struct {
	WatchpointsHit []WatchpointHit
	BreakpointHit  bool
	SingleStepDone bool
	Signal         int
	TaskExit       bool
	Task           Task
}

// WatchpointHit names one watchpoint that fired during a step.
type WatchpointHit struct {
	Addr uint64
}

// Target is the user's chosen attach point.
type Target struct {
	Event       int64
	PID         TaskGroupID // zero means "unconstrained"
	RequireExec bool

	// TraceInstructionsUpToEvent, if set, is consulted before every resume
	// request: if it returns true, the driver forces the request into a
	// single instruction step instead of whatever the client asked for,
	// and suppresses the stop notification that step would otherwise
	// produce. Used for per-instruction tracing builds; nil disables it.
	TraceInstructionsUpToEvent func(current int64) bool
}

// ReplayResult reports the outcome of one Timeline.ReplayStep call.
type ReplayResult struct {
	Exited      bool
	BreakStatus BreakStatus
}

// Timeline is the ordered, scrubbable view over the replay engine that the
// Session Driver advances and the Diversion Controller forks from.
type Timeline interface {
	CurrentSession() Session

	// ReplayStep advances (or rewinds) the timeline by one command.
	// stopAtEvent is only consulted when direction is RunForward; 0 means
	// "no target, stop at the next natural break". sniff is polled
	// periodically so a long step can be interrupted by client input; it
	// may be nil.
	ReplayStep(ctx context.Context, cmd RunCommand, direction RunDirection, stopAtEvent int64, sniff func() bool) (ReplayResult, error)

	Mark() Mark
	SeekToMark(m Mark) error
	SeekToBeforeEvent(event int64) error

	// CurrentEvent returns the current trace frame's event number, used
	// by the magic channel's WHEN_ADDR read.
	CurrentEvent() int64

	CanAddCheckpoint() bool
	AddExplicitCheckpoint() Mark
	RemoveExplicitCheckpoint(m Mark)

	AddBreakpoint(t Task, addr uint64, cond ConditionSet) bool
	RemoveBreakpoint(t Task, addr uint64)
	AddWatchpoint(t Task, addr uint64, length int, watch WatchType, cond ConditionSet) bool
	RemoveWatchpoint(t Task, addr uint64, length int, watch WatchType)
	RemoveBreakpointsAndWatchpoints()
	ApplyBreakpointsAndWatchpoints()

	// LazyReverseSinglestep returns the mark immediately preceding now,
	// iff the timeline already has it cached; otherwise it returns
	// (nil, false) and the caller must fall back to a real reverse step.
	LazyReverseSinglestep(now Mark, t Task) (Mark, bool)

	SetReverseExecutionBarrierEvent(event int64)

	// CloneDiversion forks a mutable sandbox from the current session.
	CloneDiversion() DiversionSession

	// IsRunning reports whether the timeline has advanced at least once,
	// i.e. whether ApplyBreakpointsAndWatchpoints is meaningful to call
	// before a fork.
	IsRunning() bool
}
