package trap

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/icd3sim/mmiotrap/decode"
	"github.com/icd3sim/mmiotrap/protocol"
	"github.com/icd3sim/mmiotrap/registry"
	"github.com/icd3sim/mmiotrap/transport"
)

// memoryModel is a tiny in-memory device model used to exercise the engine
// against real READ/WRITE round trips instead of only the fallback
// responder.
type memoryModel struct {
	mu  sync.Mutex
	mem [256]byte
}

func (m *memoryModel) handle(req *protocol.Frame) *protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := *req
	resp.Result = protocol.ResultSuccess
	switch req.Command {
	case protocol.CmdRead:
		var v uint64
		for i := uint32(0); i < req.Length; i++ {
			v |= uint64(m.mem[req.Address+uint64(i)]) << (8 * i)
		}
		resp.PutValue(v, req.Length)
	case protocol.CmdWrite:
		v := req.Value(req.Length)
		for i := uint32(0); i < req.Length; i++ {
			m.mem[req.Address+uint64(i)] = byte(v >> (8 * i))
		}
	}
	return &resp
}

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "model.sock")
	model := &memoryModel{}
	ln, err := transport.Listen(sock)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go ln.Serve(model.handle)

	reg := registry.New()
	if err := reg.Register(1, 0x40000000, 0x1000, registry.ModelEndpoint(sock)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return NewEngine(reg), reg, sock
}

func TestHandleFaultLoad32(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := &Context{}
	// mov eax, [rax]  ->  8B 00
	err := eng.HandleFault(0x40000000, pad([]byte{0x8B, 0x00}), ctx)
	if err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if ctx.RIP != 2 {
		t.Fatalf("RIP = %d, want 2", ctx.RIP)
	}
	// memoryModel starts zeroed, so the load should read back 0.
	if ctx.Get(decode.RAX) != 0 {
		t.Fatalf("RAX = %#x, want 0", ctx.Get(decode.RAX))
	}
}

func TestHandleFaultStoreRegThenLoad(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := &Context{}
	ctx.Set(decode.RCX, 0x12345678)

	// mov [rax], ecx -> 89 08
	if err := eng.HandleFault(0x40000010, pad([]byte{0x89, 0x08}), ctx); err != nil {
		t.Fatalf("store HandleFault: %v", err)
	}

	ctx2 := &Context{}
	if err := eng.HandleFault(0x40000010, pad([]byte{0x8B, 0x00}), ctx2); err != nil {
		t.Fatalf("load HandleFault: %v", err)
	}
	if ctx2.Get(decode.RAX) != 0x12345678 {
		t.Fatalf("readback = %#x, want 0x12345678", ctx2.Get(decode.RAX))
	}
}

func TestHandleFaultStoreImm(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := &Context{}
	// mov byte [rax], 0x42 -> C6 00 42
	if err := eng.HandleFault(0x40000020, pad([]byte{0xC6, 0x00, 0x42}), ctx); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	ctx2 := &Context{}
	if err := eng.HandleFault(0x40000020, pad([]byte{0x8A, 0x00}), ctx2); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if ctx2.Get(decode.RAX)&0xFF != 0x42 {
		t.Fatalf("readback = %#x, want 0x42", ctx2.Get(decode.RAX)&0xFF)
	}
}

func TestHandleFaultMovsx(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := &Context{}
	ctx.Set(decode.RAX, 0xFFFFFFFFFFFFFFFF)
	if err := eng.HandleFault(0x40000030, pad([]byte{0xC6, 0x00, 0x80}), ctx); err != nil {
		t.Fatalf("store HandleFault: %v", err)
	}

	ctx2 := &Context{Regs: [16]uint64{decode.RAX: 0xFFFFFFFFFFFFFFFF}}
	// movsx eax, byte [rax] -> 0F BE 00
	if err := eng.HandleFault(0x40000030, pad([]byte{0x0F, 0xBE, 0x00}), ctx2); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if ctx2.Get(decode.RAX) != 0x00000000FFFFFF80 {
		t.Fatalf("movsx readback = %#x, want 0xFFFFFF80 (upper 32 bits zeroed)", ctx2.Get(decode.RAX))
	}
}

func TestHandleFaultRepStosClampsToWindow(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := &Context{}
	ctx.Set(decode.RAX, 0x000000AA) // fill byte
	ctx.Set(decode.RDI, 0)          // destination (unused by the model, tracked for completeness)
	ctx.Set(decode.RCX, 10000)      // far more than the 0x1000 window holds

	if err := eng.HandleFault(0x40000000, pad([]byte{0xF3, 0xAA}), ctx); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if ctx.Get(decode.RCX) != 0 {
		t.Fatalf("RCX after clamp = %d, want %d", ctx.Get(decode.RCX), 0)
	}
}

func TestHandleFaultUnmappedAddressIsFatal(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := &Context{}
	err := eng.HandleFault(0xDEAD0000, pad([]byte{0x8B, 0x00}), ctx)
	if !errors.Is(err, ErrUnmappedAddress) {
		t.Fatalf("HandleFault on unmapped address = %v, want ErrUnmappedAddress", err)
	}
}

func TestHandleFaultDecodeFailureIsFatal(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := &Context{}
	err := eng.HandleFault(0x40000000, pad([]byte{0x90}), ctx)
	if !errors.Is(err, decode.ErrDecodeFailed) {
		t.Fatalf("HandleFault on NOP = %v, want ErrDecodeFailed", err)
	}
}

func pad(insn []byte) []byte {
	buf := make([]byte, 15)
	copy(buf, insn)
	return buf
}
