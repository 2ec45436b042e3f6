// Command mmiomonitor is an interactive console for poking a running
// device model directly, without a driver or a fault in the loop — useful
// while developing a Lua model against mmiomodel. Its line-editing and raw
// terminal handling are adapted from this module's own terminal-host
// adapter pattern, built on golang.org/x/term.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/icd3sim/mmiotrap/interrupt"
	"github.com/icd3sim/mmiotrap/protocol"
	"github.com/icd3sim/mmiotrap/transport"
)

func main() {
	endpoint := flag.String("endpoint", "", "model socket to exchange READ/WRITE frames with")
	irqSock := flag.String("irq", "", "interrupt-listener socket to send notifications to")
	flag.Parse()

	tr := transport.New(*endpoint)

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	rawMode := err == nil
	if rawMode {
		defer term.Restore(fd, oldState)
	}

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "mmio> ")

	fmt.Fprintln(os.Stdout, "mmiomonitor: read <addr> <len> | write <addr> <value> <len> | interrupt <device> <irq> | quit")
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		if !runCommand(t, tr, *irqSock, line) {
			return
		}
	}
}

func runCommand(t *term.Terminal, tr *transport.Transport, irqSock, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "quit", "exit":
		return false

	case "read":
		if len(fields) != 3 {
			fmt.Fprintln(t, "usage: read <addr> <len>")
			return true
		}
		addr, length, ok := parseAddrLen(t, fields[1], fields[2])
		if !ok {
			return true
		}
		resp, err := tr.Send(&protocol.Frame{Command: protocol.CmdRead, Address: addr, Length: length})
		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
			return true
		}
		fmt.Fprintf(t, "%#x\n", resp.Value(length))

	case "write":
		if len(fields) != 4 {
			fmt.Fprintln(t, "usage: write <addr> <value> <len>")
			return true
		}
		addr, length, ok := parseAddrLen(t, fields[1], fields[3])
		if !ok {
			return true
		}
		value, err := strconv.ParseUint(trimHex(fields[2]), 16, 64)
		if err != nil {
			fmt.Fprintf(t, "bad value: %v\n", err)
			return true
		}
		req := &protocol.Frame{Command: protocol.CmdWrite, Address: addr, Length: length}
		req.PutValue(value, length)
		resp, err := tr.Send(req)
		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
			return true
		}
		fmt.Fprintf(t, "result: %v\n", resp.Result)

	case "interrupt":
		if irqSock == "" {
			fmt.Fprintln(t, "no -irq socket configured")
			return true
		}
		if len(fields) != 3 {
			fmt.Fprintln(t, "usage: interrupt <device> <irq>")
			return true
		}
		deviceID, err1 := strconv.ParseUint(fields[1], 10, 32)
		irqID, err2 := strconv.ParseUint(fields[2], 10, 32)
		if err1 != nil || err2 != nil {
			fmt.Fprintln(t, "device and irq must be decimal integers")
			return true
		}
		if err := interrupt.Send(irqSock, uint32(deviceID), uint32(irqID)); err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}

	default:
		fmt.Fprintf(t, "unknown command: %s\n", fields[0])
	}
	return true
}

func parseAddrLen(t *term.Terminal, addrStr, lenStr string) (addr uint64, length uint32, ok bool) {
	addr, err := strconv.ParseUint(trimHex(addrStr), 16, 64)
	if err != nil {
		fmt.Fprintf(t, "bad address: %v\n", err)
		return 0, 0, false
	}
	n, err := strconv.ParseUint(lenStr, 10, 32)
	if err != nil || (n != 1 && n != 2 && n != 4 && n != 8) {
		fmt.Fprintln(t, "length must be 1, 2, 4 or 8")
		return 0, 0, false
	}
	return addr, uint32(n), true
}

func trimHex(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}
