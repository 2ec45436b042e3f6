// Package trap implements the fault-handling core: given the address that
// faulted, the raw bytes of the instruction that touched it, and the
// trapping thread's saved register file, it decodes the instruction,
// resolves the owning device, exchanges a request/response frame with that
// device's model, and writes the result back into the saved registers
// before advancing the saved program counter (spec.md section 4.D).
//
// Engine never talks to the kernel directly; the OS-specific bridge that
// reads a Context from a traced process's registers at a SIGSEGV stop and
// writes it back afterward lives in tracer_linux_amd64.go and calls
// Engine.HandleFault as a pure function, which is what keeps this package
// testable without ever raising a real SIGSEGV.
package trap

import (
	"errors"
	"fmt"
	"log"

	"github.com/icd3sim/mmiotrap/decode"
	"github.com/icd3sim/mmiotrap/protocol"
	"github.com/icd3sim/mmiotrap/registry"
	"github.com/icd3sim/mmiotrap/transport"
)

// ErrUnmappedAddress reports a fault at an address no registered device
// owns. The engine treats this as fatal, the same way the original driver
// re-raises SIGSEGV for an address it does not recognize (spec.md section
// 4.D, "Unmapped fault").
var ErrUnmappedAddress = errors.New("trap: address is not owned by any registered device")

// maxRepStosStride caps how many iterations a single REP STOS dispatch will
// perform, independent of the window-bound clamp below. It exists so a
// corrupted or adversarial RCX can never turn one fault into an unbounded
// loop inside signal-handler context.
const maxRepStosStride = 1 << 20

// Engine dispatches faults against a shared device registry.
type Engine struct {
	Registry *registry.Registry
}

// NewEngine returns an Engine bound to reg.
func NewEngine(reg *registry.Registry) *Engine {
	return &Engine{Registry: reg}
}

// HandleFault decodes the instruction at instrBytes, resolves the device
// owning addr, performs the access against that device's model (or its
// fallback responder), writes any result back into ctx, and advances
// ctx.RIP past the instruction. A returned error is fatal: the caller
// should not retry the faulting instruction and should terminate the
// driver thread the way an unhandled SIGSEGV would.
func (e *Engine) HandleFault(addr uint64, instrBytes []byte, ctx *Context) error {
	insn, err := decode.Decode(instrBytes)
	if err != nil {
		return err
	}

	entry, ok := e.Registry.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnmappedAddress, addr)
	}
	offset := addr - entry.GuestBase
	tr := transport.New(string(entry.Model))

	switch insn.Category {
	case decode.Load:
		if err := e.dispatchLoad(tr, entry, offset, insn, ctx); err != nil {
			return err
		}
	case decode.StoreReg:
		value := maskToSize(ctx.Get(insn.RegIndex), insn.OperandSize)
		if err := e.dispatchStore(tr, entry, offset, insn.OperandSize, value); err != nil {
			return err
		}
	case decode.StoreImm:
		if err := e.dispatchStore(tr, entry, offset, insn.OperandSize, insn.Imm); err != nil {
			return err
		}
	case decode.RepStos:
		if err := e.dispatchRepStos(tr, entry, offset, insn, ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: category %v has no dispatch", decode.ErrDecodeFailed, insn.Category)
	}

	ctx.AdvancePC(insn.Length)
	return nil
}

func (e *Engine) dispatchLoad(tr *transport.Transport, entry registry.Entry, offset uint64, insn decode.Insn, ctx *Context) error {
	req := &protocol.Frame{DeviceID: entry.DeviceID, Command: protocol.CmdRead, Address: offset, Length: insn.OperandSize}
	resp, err := tr.Send(req)
	if err != nil {
		return fmt.Errorf("trap: load at device %d offset %#x: %w", entry.DeviceID, offset, err)
	}
	if resp.Result != protocol.ResultSuccess {
		return fmt.Errorf("trap: model rejected load at device %d offset %#x: result %v", entry.DeviceID, offset, resp.Result)
	}
	value := resp.Value(insn.OperandSize)
	if insn.Extend != decode.ExtendNone {
		ctx.WriteBackExtended(insn.RegIndex, value, insn.OperandSize, insn.Extend)
	} else {
		ctx.WriteBack(insn.RegIndex, value, insn.OperandSize)
	}
	return nil
}

func (e *Engine) dispatchStore(tr *transport.Transport, entry registry.Entry, offset uint64, size uint32, value uint64) error {
	req := &protocol.Frame{DeviceID: entry.DeviceID, Command: protocol.CmdWrite, Address: offset, Length: size}
	req.PutValue(value, size)
	resp, err := tr.Send(req)
	if err != nil {
		return fmt.Errorf("trap: store at device %d offset %#x: %w", entry.DeviceID, offset, err)
	}
	if resp.Result != protocol.ResultSuccess {
		return fmt.Errorf("trap: model rejected store at device %d offset %#x: result %v", entry.DeviceID, offset, resp.Result)
	}
	return nil
}

// dispatchRepStos performs the REP STOS fill one element at a time against
// the model, clamping the element count to both the implicit RCX count and
// the number of elements that still fit inside the device's window — the
// instruction never touches memory past the window it faulted in, matching
// the original driver's truncation behaviour for a pattern fill that would
// otherwise run off a device's registers (spec.md section 4.C, "REP STOS
// past end of window").
func (e *Engine) dispatchRepStos(tr *transport.Transport, entry registry.Entry, offset uint64, insn decode.Insn, ctx *Context) error {
	count := ctx.Get(insn.RepCountReg)
	if count == 0 {
		return nil
	}
	requested := count
	if count > maxRepStosStride {
		count = maxRepStosStride
	}

	remaining := entry.Size - offset
	maxElems := remaining / uint64(insn.OperandSize)
	if count > maxElems {
		count = maxElems
	}
	if count < requested {
		log.Printf("[trap] REP_STOS truncated at device %d offset %#x: requested %d, emitting %d", entry.DeviceID, offset, requested, count)
	}

	value := maskToSize(ctx.Get(insn.ValueReg), insn.OperandSize)
	dest := ctx.Get(insn.DestAddrReg)
	elemOffset := offset

	var i uint64
	for ; i < count; i++ {
		if err := e.dispatchStore(tr, entry, elemOffset, insn.OperandSize, value); err != nil {
			return err
		}
		elemOffset += uint64(insn.OperandSize)
		dest += uint64(insn.OperandSize)
	}

	ctx.Set(insn.DestAddrReg, dest)
	ctx.Set(insn.RepCountReg, 0)
	return nil
}

func maskToSize(v uint64, size uint32) uint64 {
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}
