package trap

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/icd3sim/mmiotrap/decode"
)

// Tracer runs a driver process under ptrace and feeds every SIGSEGV stop
// through an Engine, playing the role driver_interface.c's in-process
// segv_handler played for a single address space. ptrace is the idiomatic
// cgo-free way to reach and rewrite another thread's saved registers from
// pure Go: an in-process signal handler can observe a synchronous SIGSEGV
// through os/signal, but cannot resume the faulting instruction stream
// afterward without a hand-written assembly trampoline splicing into the
// kernel-delivered sigreturn frame. Running the driver as a traced child
// and mutating its registers between PTRACE_GETREGS/PTRACE_SETREGS avoids
// that trampoline entirely, at the cost of requiring the driver to run as
// a separate OS process rather than a goroutine in the same binary.
type Tracer struct {
	Engine *Engine
	Pid    int
	cmd    *exec.Cmd
}

// StartTraced launches name under ptrace (PTRACE_TRACEME, matching the
// standard os/exec + SysProcAttr pattern debuggers use) and returns a Tracer
// stopped at its first instruction.
func StartTraced(engine *Engine, name string, args ...string) (*Tracer, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("trap: starting traced driver: %w", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("trap: waiting for initial stop: %w", err)
	}
	return &Tracer{Engine: engine, Pid: cmd.Process.Pid, cmd: cmd}, nil
}

// AttachTracer attaches to an already-running process by pid.
func AttachTracer(engine *Engine, pid int) (*Tracer, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("trap: PTRACE_ATTACH %d: %w", pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("trap: waiting for attach stop: %w", err)
	}
	return &Tracer{Engine: engine, Pid: pid}, nil
}

// Run resumes the traced process and handles SIGSEGV stops through the
// engine until it exits. Any other stop signal is delivered through
// unmodified; Run only intercepts the faults this package exists to trap.
func (t *Tracer) Run() error {
	sig := 0
	for {
		if err := unix.PtraceCont(t.Pid, sig); err != nil {
			return fmt.Errorf("trap: PTRACE_CONT: %w", err)
		}
		sig = 0
		var ws unix.WaitStatus
		if _, err := unix.Wait4(t.Pid, &ws, 0, nil); err != nil {
			return fmt.Errorf("trap: wait4: %w", err)
		}
		if ws.Exited() {
			return nil
		}
		if !ws.Stopped() {
			continue
		}
		if ws.StopSignal() != unix.SIGSEGV {
			sig = int(ws.StopSignal())
			continue
		}
		if err := t.handleStop(); err != nil {
			return err
		}
	}
}

func (t *Tracer) handleStop() error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.Pid, &regs); err != nil {
		return fmt.Errorf("trap: PTRACE_GETREGS: %w", err)
	}
	ctx := fromPtraceRegs(&regs)

	faultAddr, err := ptraceFaultAddr(t.Pid)
	if err != nil {
		return fmt.Errorf("trap: PTRACE_GETSIGINFO: %w", err)
	}

	insnBytes := make([]byte, 16)
	if _, err := unix.PtracePeekText(t.Pid, uintptr(ctx.RIP), insnBytes); err != nil {
		return fmt.Errorf("trap: reading instruction bytes at %#x: %w", ctx.RIP, err)
	}

	if err := t.Engine.HandleFault(faultAddr, insnBytes, ctx); err != nil {
		return fmt.Errorf("trap: unrecoverable fault at %#x (rip %#x): %w", faultAddr, ctx.RIP, err)
	}

	toPtraceRegs(ctx, &regs)
	if err := unix.PtraceSetRegs(t.Pid, &regs); err != nil {
		return fmt.Errorf("trap: PTRACE_SETREGS: %w", err)
	}
	return nil
}

// Detach stops tracing, leaving the driver process to run free.
func (t *Tracer) Detach() error {
	return unix.PtraceDetach(t.Pid)
}

// ptraceGetSigInfo is PTRACE_GETSIGINFO, not exported by x/sys/unix on every
// platform build; the numeric value is stable across Linux architectures.
const ptraceGetSigInfo = 0x4202

// linuxSigInfo mirrors the leading fields of glibc's siginfo_t on
// linux/amd64: signo/errno/code, then the si_addr union member at offset
// 16, which is where SIGSEGV reports the faulting address.
type linuxSigInfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
}

func ptraceFaultAddr(pid int) (uint64, error) {
	var si linuxSigInfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetSigInfo, uintptr(pid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return si.Addr, nil
}

func fromPtraceRegs(regs *unix.PtraceRegs) *Context {
	ctx := &Context{RIP: regs.Rip}
	ctx.Regs[decode.RAX] = regs.Rax
	ctx.Regs[decode.RCX] = regs.Rcx
	ctx.Regs[decode.RDX] = regs.Rdx
	ctx.Regs[decode.RBX] = regs.Rbx
	ctx.Regs[decode.RSP] = regs.Rsp
	ctx.Regs[decode.RBP] = regs.Rbp
	ctx.Regs[decode.RSI] = regs.Rsi
	ctx.Regs[decode.RDI] = regs.Rdi
	ctx.Regs[decode.R8] = regs.R8
	ctx.Regs[decode.R9] = regs.R9
	ctx.Regs[decode.R10] = regs.R10
	ctx.Regs[decode.R11] = regs.R11
	ctx.Regs[decode.R12] = regs.R12
	ctx.Regs[decode.R13] = regs.R13
	ctx.Regs[decode.R14] = regs.R14
	ctx.Regs[decode.R15] = regs.R15
	return ctx
}

func toPtraceRegs(ctx *Context, regs *unix.PtraceRegs) {
	regs.Rip = ctx.RIP
	regs.Rax = ctx.Regs[decode.RAX]
	regs.Rcx = ctx.Regs[decode.RCX]
	regs.Rdx = ctx.Regs[decode.RDX]
	regs.Rbx = ctx.Regs[decode.RBX]
	regs.Rsp = ctx.Regs[decode.RSP]
	regs.Rbp = ctx.Regs[decode.RBP]
	regs.Rsi = ctx.Regs[decode.RSI]
	regs.Rdi = ctx.Regs[decode.RDI]
	regs.R8 = ctx.Regs[decode.R8]
	regs.R9 = ctx.Regs[decode.R9]
	regs.R10 = ctx.Regs[decode.R10]
	regs.R11 = ctx.Regs[decode.R11]
	regs.R12 = ctx.Regs[decode.R12]
	regs.R13 = ctx.Regs[decode.R13]
	regs.R14 = ctx.Regs[decode.R14]
	regs.R15 = ctx.Regs[decode.R15]
}
