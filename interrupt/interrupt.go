// Package interrupt delivers device-initiated interrupts into the handlers
// a driver registered against registry.Registry (spec.md section 4.F).
//
// The primary path is the signal + sidecar-file scheme spec.md section 4.F
// and section 6 describe: a model about to raise an interrupt writes
// "device_id,interrupt_id" into a well-known per-PID sidecar file and then
// sends a user-defined signal to the driver's PID; SignalListener, the
// Go-native counterpart to driver_interface.c's second sigaction handler,
// reads the file off a signal.Notify channel and dispatches through
// Trigger. A Unix-socket/JSON listener supplements that path for
// out-of-process models that would rather speak a socket protocol than
// manage signals directly (SPEC_FULL.md section 12); its accept/JSON/
// stale-socket handling is grounded on this repository's own
// single-instance IPC coordinator.
package interrupt

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/icd3sim/mmiotrap/registry"
)

const maxRequestSize = 4096

// Trigger invokes the handler installed for (deviceID, interruptID)
// synchronously, on the calling goroutine. It is a no-op if no handler is
// installed, matching the original driver's behaviour of silently dropping
// an interrupt nobody asked to hear about.
func Trigger(reg *registry.Registry, deviceID, interruptID uint32) {
	if h := reg.InterruptHandlerFor(interruptID); h != nil {
		h(deviceID, interruptID)
	}
}

// InterruptSignal is the user-defined signal a model sends to wake the
// driver's SignalListener, matching spec.md section 4.F's "second signal
// handler for a user-defined signal".
const InterruptSignal = unix.SIGUSR1

// SidecarPath returns the well-known per-PID interrupt sidecar path for
// pid, following spec.md section 6's "…_interrupt_<pid>" naming. base is
// typically the same path a model already knows from the driver's PID
// file (e.g. base+"_interrupt_"+pid sits next to base itself).
func SidecarPath(base string, pid int) string {
	return base + "_interrupt_" + strconv.Itoa(pid)
}

// WriteSidecarInterrupt writes "device_id,interrupt_id" to path, the
// content format spec.md section 6 requires. It writes to a temp file in
// the same directory and renames into place so a concurrent reader never
// observes a partial write, satisfying section 4.F's "models must write it
// atomically before signalling".
func WriteSidecarInterrupt(path string, deviceID, interruptID uint32) error {
	tmp := path + ".tmp"
	body := strconv.FormatUint(uint64(deviceID), 10) + "," + strconv.FormatUint(uint64(interruptID), 10)
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("interrupt: write sidecar %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("interrupt: install sidecar %s: %w", path, err)
	}
	return nil
}

// Raise is the model-side counterpart to SignalListener: it writes the
// interrupt sidecar at path and then signals pid, the two steps spec.md
// section 4.F requires a model perform in order ((a) write, then (b)
// signal) so the handler never observes a signal before the file it names
// exists.
func Raise(pid int, path string, deviceID, interruptID uint32) error {
	if err := WriteSidecarInterrupt(path, deviceID, interruptID); err != nil {
		return err
	}
	if err := unix.Kill(pid, InterruptSignal); err != nil {
		return fmt.Errorf("interrupt: signal pid %d: %w", pid, err)
	}
	return nil
}

// SignalListener is the primary interrupt-delivery mechanism: it installs
// InterruptSignal via signal.Notify and, on each delivery, reads the
// sidecar file at path, parses "device_id,interrupt_id", dispatches
// through Trigger, and removes the file, matching spec.md section 4.F's
// "the handler reads the file and synchronously invokes the handler... the
// sidecar file... is removed by the model after being consumed" (removal
// is performed here, on the handler side, once the content has been
// consumed).
type SignalListener struct {
	reg  *registry.Registry
	path string
	ch   chan os.Signal
	done chan struct{}
}

// ListenSignal returns a SignalListener that will read deviceID,interruptID
// pairs from the sidecar file at path whenever InterruptSignal arrives.
func ListenSignal(path string, reg *registry.Registry) *SignalListener {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, InterruptSignal)
	return &SignalListener{reg: reg, path: path, ch: ch, done: make(chan struct{})}
}

// Start begins dispatching signals in a background goroutine.
func (l *SignalListener) Start() {
	go l.loop()
}

// Stop stops receiving InterruptSignal and waits for the dispatch loop to
// exit.
func (l *SignalListener) Stop() {
	signal.Stop(l.ch)
	close(l.ch)
	<-l.done
}

func (l *SignalListener) loop() {
	defer close(l.done)
	for range l.ch {
		deviceID, interruptID, err := readSidecarInterrupt(l.path)
		if err != nil {
			continue
		}
		Trigger(l.reg, deviceID, interruptID)
		os.Remove(l.path)
	}
}

// readSidecarInterrupt parses the "device_id,interrupt_id" content spec.md
// section 6 mandates for the interrupt sidecar file.
func readSidecarInterrupt(path string) (deviceID, interruptID uint32, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("interrupt: read sidecar %s: %w", path, err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("interrupt: malformed sidecar content %q", data)
	}
	d, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("interrupt: malformed device_id %q: %w", parts[0], err)
	}
	i, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("interrupt: malformed interrupt_id %q: %w", parts[1], err)
	}
	return uint32(d), uint32(i), nil
}

// notification is the wire shape a model sends to request delivery of an
// interrupt it raised out-of-process.
type notification struct {
	DeviceID    uint32 `json:"device_id"`
	InterruptID uint32 `json:"interrupt_id"`
}

type ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Listener accepts interrupt notifications from device models over a Unix
// domain socket and dispatches each one through Trigger.
type Listener struct {
	ln       net.Listener
	reg      *registry.Registry
	done     chan struct{}
	sockPath string
}

// Listen binds a Unix socket at path, recovering from a stale socket left
// by an uncleanly terminated previous listener the same way the IPC
// coordinator does.
func Listen(path string, reg *registry.Registry) (*Listener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		conn, dialErr := net.DialTimeout("unix", path, 2*time.Second)
		if dialErr != nil {
			os.Remove(path)
			ln, err = net.Listen("unix", path)
			if err != nil {
				return nil, fmt.Errorf("interrupt: bind %s: %w", path, err)
			}
		} else {
			conn.Close()
			return nil, fmt.Errorf("interrupt: a listener is already active at %s", path)
		}
	}
	return &Listener{ln: ln, reg: reg, done: make(chan struct{}), sockPath: path}, nil
}

// Start accepts connections in a background goroutine until Stop is called.
func (l *Listener) Start() {
	go l.acceptLoop()
}

// Stop closes the listener, waits for the accept loop to exit, and removes
// the socket file.
func (l *Listener) Stop() {
	l.ln.Close()
	<-l.done
	os.Remove(l.sockPath)
}

func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	buf := make([]byte, maxRequestSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}

	var note notification
	if err := json.Unmarshal(buf[:n], &note); err != nil {
		l.respond(conn, ack{Status: "err", Message: "invalid json"})
		return
	}

	Trigger(l.reg, note.DeviceID, note.InterruptID)
	l.respond(conn, ack{Status: "ok"})
}

func (l *Listener) respond(conn net.Conn, resp ack) {
	data, _ := json.Marshal(resp)
	conn.Write(data)
}

// Send notifies a listener at sockPath that (deviceID, interruptID) fired.
// It is the model-side counterpart to Listen/Start, used by out-of-process
// models that cannot call Trigger directly.
func Send(sockPath string, deviceID, interruptID uint32) error {
	conn, err := net.DialTimeout("unix", sockPath, 10*time.Second)
	if err != nil {
		return fmt.Errorf("interrupt: connect %s: %w", sockPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	data, _ := json.Marshal(notification{DeviceID: deviceID, InterruptID: interruptID})
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("interrupt: send: %w", err)
	}

	buf := make([]byte, maxRequestSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("interrupt: read ack: %w", err)
	}
	var resp ack
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return fmt.Errorf("interrupt: invalid ack: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("interrupt: remote error: %s", resp.Message)
	}
	return nil
}
