// Command mmiomodel runs a Lua-scriptable device model behind the wire
// protocol the trap engine speaks, so a device's register behaviour can be
// described in a small script instead of compiled Go (SPEC_FULL.md section
// 11/DOMAIN STACK: gopher-lua gives the model process an embeddable,
// sandboxed scripting surface the way the other demo binaries in this
// module embed small command languages).
//
// The script defines two global functions:
//
//	function on_read(address, length) return value end
//	function on_write(address, length, value) end
//
// Either may be omitted; a missing on_read answers 0, a missing on_write is
// a no-op.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/icd3sim/mmiotrap/protocol"
	"github.com/icd3sim/mmiotrap/transport"
)

func main() {
	sock := flag.String("socket", "", "Unix domain socket to listen on")
	script := flag.String("script", "", "Lua script defining on_read/on_write")
	flag.Parse()

	if *sock == "" || *script == "" {
		fmt.Fprintln(os.Stderr, "usage: mmiomodel -socket <path> -script <file.lua>")
		os.Exit(2)
	}

	model, err := newLuaModel(*script)
	if err != nil {
		log.Fatalf("mmiomodel: %v", err)
	}
	defer model.Close()

	ln, err := transport.Listen(*sock)
	if err != nil {
		log.Fatalf("mmiomodel: %v", err)
	}
	defer ln.Close()

	log.Printf("mmiomodel: serving %s on %s", *script, *sock)
	if err := ln.Serve(model.handle); err != nil {
		log.Fatalf("mmiomodel: serve: %v", err)
	}
}

// luaModel evaluates device register accesses against a single Lua state.
// gopher-lua states are not safe for concurrent use, so every request is
// serialized through reqCh onto one goroutine owning the interpreter.
type luaModel struct {
	state  *lua.LState
	reqCh  chan luaRequest
	closed chan struct{}
}

type luaRequest struct {
	frame *protocol.Frame
	resp  chan *protocol.Frame
}

func newLuaModel(scriptPath string) (*luaModel, error) {
	state := lua.NewState()
	if err := state.DoFile(scriptPath); err != nil {
		state.Close()
		return nil, fmt.Errorf("loading %s: %w", scriptPath, err)
	}

	m := &luaModel{
		state:  state,
		reqCh:  make(chan luaRequest),
		closed: make(chan struct{}),
	}
	go m.loop()
	return m, nil
}

func (m *luaModel) loop() {
	defer close(m.closed)
	for req := range m.reqCh {
		req.resp <- m.eval(req.frame)
	}
}

func (m *luaModel) eval(req *protocol.Frame) *protocol.Frame {
	resp := *req
	resp.Result = protocol.ResultSuccess

	switch req.Command {
	case protocol.CmdRead:
		fn := m.state.GetGlobal("on_read")
		if fn.Type() != lua.LTFunction {
			resp.PutValue(0, req.Length)
			return &resp
		}
		if err := m.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
			lua.LNumber(req.Address), lua.LNumber(req.Length)); err != nil {
			resp.Result = protocol.ResultModelError
			return &resp
		}
		ret := m.state.Get(-1)
		m.state.Pop(1)
		resp.PutValue(uint64(lua.LVAsNumber(ret)), req.Length)

	case protocol.CmdWrite:
		fn := m.state.GetGlobal("on_write")
		if fn.Type() != lua.LTFunction {
			return &resp
		}
		value := req.Value(req.Length)
		if err := m.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
			lua.LNumber(req.Address), lua.LNumber(req.Length), lua.LNumber(value)); err != nil {
			resp.Result = protocol.ResultModelError
		}
	}
	return &resp
}

func (m *luaModel) handle(req *protocol.Frame) *protocol.Frame {
	respCh := make(chan *protocol.Frame, 1)
	m.reqCh <- luaRequest{frame: req, resp: respCh}
	return <-respCh
}

func (m *luaModel) Close() {
	close(m.reqCh)
	<-m.closed
	m.state.Close()
}
