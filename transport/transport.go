// Package transport implements the model transport: a single fixed-size
// frame exchanged over a local stream endpoint per request, with a
// deterministic in-process responder used whenever no model is reachable.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/icd3sim/mmiotrap/protocol"
)

// ErrUnavailable means no model answered; the caller should treat the
// fallback responder's answer as authoritative rather than as an error.
var ErrUnavailable = errors.New("transport: model unavailable")

// dialTimeout bounds how long Send waits to connect to a model before
// falling back. It is short because the fallback exists precisely so a
// driver test suite never blocks on a missing peer.
const dialTimeout = 200 * time.Millisecond

// Transport exchanges one request/response frame at a time with the model
// for a single device.
type Transport struct {
	// Endpoint is the local-stream address the model listens on ("" means
	// always use the fallback responder).
	Endpoint string
}

// New returns a Transport bound to endpoint. An empty endpoint is valid and
// means the device has no attached model.
func New(endpoint string) *Transport {
	return &Transport{Endpoint: endpoint}
}

// Send exchanges req for a response. If Endpoint is empty or the connect
// fails, Send falls back to the deterministic in-process responder
// described in spec.md section 4.E rather than returning an error — the
// fallback is a design feature so driver tests run reproducibly offline.
func (t *Transport) Send(req *protocol.Frame) (*protocol.Frame, error) {
	if t.Endpoint == "" {
		return Fallback(req), nil
	}

	conn, err := net.DialTimeout("unix", t.Endpoint, dialTimeout)
	if err != nil {
		return Fallback(req), nil
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(req.Marshal()); err != nil {
		return Fallback(req), nil
	}

	buf := make([]byte, protocol.FrameSize)
	n, err := readFull(conn, buf)
	if err != nil || n != protocol.FrameSize {
		return Fallback(req), nil
	}

	var resp protocol.Frame
	if !resp.Unmarshal(buf) {
		return Fallback(req), nil
	}
	return &resp, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// statusOffsetMask is the low byte of an address: the fallback responder
// treats an address ending in 0x04 as the conventional STATUS register.
const statusOffsetMask = 0xFF
const statusOffset = 0x04

// Fallback answers req deterministically without any out-of-process model.
// READs at the conventional STATUS offset report ready (1); any other READ
// returns the sentinel 0xDEADBEEF; WRITEs are simply acknowledged.
func Fallback(req *protocol.Frame) *protocol.Frame {
	resp := *req
	resp.Result = protocol.ResultSuccess

	switch req.Command {
	case protocol.CmdRead:
		var v uint32 = 0xDEADBEEF
		if uint32(req.Address)&statusOffsetMask == statusOffset {
			v = 0x00000001
		}
		resp.Data = [protocol.DataSize]byte{}
		resp.PutValue(uint64(v), req.Length)
	case protocol.CmdWrite:
		// echo request, already copied above
	}
	return &resp
}

// Listener accepts device-model connections on a well-known endpoint and
// dispatches each frame to handle, replying with whatever frame handle
// returns. This is the model side of the protocol — used by
// cmd/mmiomodel and by tests that stand in for a real model process;
// the driver side dials it through Transport.Send.
type Listener struct {
	ln   net.Listener
	conn errgroup.Group
}

// Listen binds a Unix-domain socket at path, removing any stale file left
// behind by a previous, uncleanly terminated process.
func Listen(path string) (*Listener, error) {
	if err := removeStale(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}
	return &Listener{ln: ln}, nil
}

func removeStale(path string) error {
	conn, err := net.DialTimeout("unix", path, 50*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("transport: another listener is already active at %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transport: removing stale socket %s: %w", path, err)
	}
	return nil
}

// Serve accepts connections until the listener is closed, handing each
// frame read from a connection to handle. It returns once Close has been
// called and every in-flight connection handler has finished, so a caller
// can rely on handle never running again after Serve returns.
func (l *Listener) Serve(handle func(*protocol.Frame) *protocol.Frame) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			waitErr := l.conn.Wait()
			if waitErr != nil {
				return waitErr
			}
			return err
		}
		l.conn.Go(func() error {
			l.serveOne(conn, handle)
			return nil
		})
	}
}

func (l *Listener) serveOne(conn net.Conn, handle func(*protocol.Frame) *protocol.Frame) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, protocol.FrameSize)
	n, err := readFull(conn, buf)
	if err != nil || n != protocol.FrameSize {
		return
	}
	var req protocol.Frame
	if !req.Unmarshal(buf) {
		return
	}
	resp := handle(&req)
	if resp == nil {
		return
	}
	conn.Write(resp.Marshal())
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
