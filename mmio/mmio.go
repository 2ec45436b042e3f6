// Package mmio is the public entry point driver code imports: it wires the
// device registry, the trap engine, and interrupt delivery together behind
// the small call surface spec.md section 4 describes (register/unregister a
// device, read/write a register without faulting, install an interrupt
// handler, trigger one, and exchange a message with a model directly).
package mmio

import (
	"fmt"
	"os"

	"github.com/icd3sim/mmiotrap/interrupt"
	"github.com/icd3sim/mmiotrap/protocol"
	"github.com/icd3sim/mmiotrap/registry"
	"github.com/icd3sim/mmiotrap/transport"
	"github.com/icd3sim/mmiotrap/trap"
)

// Session is a process-wide MMIO trap session: one registry, one trap
// engine, and the optional PID file and interrupt listeners set up by New
// and ListenForInterrupts.
// Most programs need exactly one; tests construct several against
// independent registries.
type Session struct {
	Registry *registry.Registry
	Engine   *trap.Engine
	pidFile  string
	irqSig   *interrupt.SignalListener
	irqSock  string
	irqLn    *interrupt.Listener
}

// New returns an initialized, empty Session, configured by opts. When
// WithPIDFile is given, New also installs the primary signal-based
// interrupt path (spec.md section 4.F): it writes the PID file, derives
// the per-PID interrupt sidecar path from it, and starts a
// interrupt.SignalListener so a model can raise an interrupt by writing
// that sidecar and signalling this process, with no further setup.
func New(opts ...Option) *Session {
	cfg := newConfig(opts)
	reg := registry.NewWithCapacity(cfg.maxDevices)
	s := &Session{Registry: reg, Engine: trap.NewEngine(reg)}
	if cfg.pidFile != "" {
		_ = WritePIDFile(cfg.pidFile)
		s.pidFile = cfg.pidFile
		sig := interrupt.ListenSignal(interrupt.SidecarPath(cfg.pidFile, os.Getpid()), reg)
		sig.Start()
		s.irqSig = sig
	}
	return s
}

// RegisterDevice installs a device window backed by an unreadable host
// reservation, with model serving it at endpoint ("" for the deterministic
// fallback responder).
func (s *Session) RegisterDevice(deviceID uint32, guestBase, size uint64, endpoint string) error {
	return s.Registry.Register(deviceID, guestBase, size, registry.ModelEndpoint(endpoint))
}

// UnregisterDevice releases a device's window.
func (s *Session) UnregisterDevice(deviceID uint32) error {
	return s.Registry.Unregister(deviceID)
}

// ReadRegister performs a READ against guestAddr's owning device directly,
// bypassing fault delivery entirely — the programmatic path spec.md section
// 4 describes for driver code that already knows it is talking to a device
// and does not want to pay for a trap.
func (s *Session) ReadRegister(guestAddr uint64, length uint32) (uint64, error) {
	entry, ok := s.Registry.Lookup(guestAddr)
	if !ok {
		return 0, fmt.Errorf("mmio: %#x is not owned by any registered device", guestAddr)
	}
	tr := transport.New(string(entry.Model))
	resp, err := tr.Send(&protocol.Frame{
		DeviceID: entry.DeviceID,
		Command:  protocol.CmdRead,
		Address:  guestAddr - entry.GuestBase,
		Length:   length,
	})
	if err != nil {
		return 0, err
	}
	if resp.Result != protocol.ResultSuccess {
		return 0, fmt.Errorf("mmio: model rejected read: result %v", resp.Result)
	}
	return resp.Value(length), nil
}

// WriteRegister performs a WRITE against guestAddr's owning device directly.
func (s *Session) WriteRegister(guestAddr uint64, value uint64, length uint32) error {
	entry, ok := s.Registry.Lookup(guestAddr)
	if !ok {
		return fmt.Errorf("mmio: %#x is not owned by any registered device", guestAddr)
	}
	tr := transport.New(string(entry.Model))
	req := &protocol.Frame{
		DeviceID: entry.DeviceID,
		Command:  protocol.CmdWrite,
		Address:  guestAddr - entry.GuestBase,
		Length:   length,
	}
	req.PutValue(value, length)
	resp, err := tr.Send(req)
	if err != nil {
		return err
	}
	if resp.Result != protocol.ResultSuccess {
		return fmt.Errorf("mmio: model rejected write: result %v", resp.Result)
	}
	return nil
}

// RegisterHandler installs fn as the handler for interruptID.
func (s *Session) RegisterHandler(interruptID uint32, fn registry.InterruptHandler) error {
	return s.Registry.RegisterInterruptHandler(interruptID, fn)
}

// TriggerInterrupt delivers an interrupt in-process, synchronously.
func (s *Session) TriggerInterrupt(deviceID, interruptID uint32) {
	interrupt.Trigger(s.Registry, deviceID, interruptID)
}

// ListenForInterrupts starts accepting out-of-process interrupt
// notifications on a Unix socket at sockPath, for models that run as a
// separate process and cannot call TriggerInterrupt directly.
func (s *Session) ListenForInterrupts(sockPath string) error {
	ln, err := interrupt.Listen(sockPath, s.Registry)
	if err != nil {
		return err
	}
	ln.Start()
	s.irqSock = sockPath
	s.irqLn = ln
	return nil
}

// SendMessageToModel exchanges req directly with deviceID's model, bypassing
// both the trap engine and the registry's address-based lookup. Useful for
// driver-initiated control-plane messages that do not correspond to any
// single memory access (spec.md section 4.E).
func (s *Session) SendMessageToModel(deviceID uint32, req *protocol.Frame) (*protocol.Frame, error) {
	entry, ok := s.Registry.LookupByDeviceID(deviceID)
	if !ok {
		return nil, fmt.Errorf("mmio: device %d is not registered", deviceID)
	}
	tr := transport.New(string(entry.Model))
	return tr.Send(req)
}

// Close releases every device reservation, stops interrupt delivery, and
// removes the PID file New wrote, per spec.md section 6: "written once at
// init and removed at teardown".
func (s *Session) Close() error {
	if s.irqSig != nil {
		s.irqSig.Stop()
	}
	if s.irqLn != nil {
		s.irqLn.Stop()
	}
	if s.pidFile != "" {
		os.Remove(s.pidFile)
	}
	return s.Registry.Close()
}

// WritePIDFile records the current process id at path, the PID sidecar
// spec.md section 6 describes: models read it to discover the process a
// raised interrupt should be signalled to.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
