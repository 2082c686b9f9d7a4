// Package ctl is the client side of the control plane: small helpers that
// frame one command, send it, and collect the reply where the command has
// one. The CLI and the tests share them.
package ctl

import (
	"bufio"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/batchd/errors"
	"github.com/teranos/batchd/wire"
)

// command frames cmd (with optional meta) and writes it to addr.
// The returned conn is open for an in-line reply.
func command(addr string, cmd, meta []byte, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "ctl: dial %s", addr)
	}
	if meta == nil {
		meta = []byte("{}")
	}
	msg := &wire.Message{
		ClientID: []byte(uuid.NewString()),
		ReqID:    []byte("0"),
		Payload:  cmd,
		Meta:     meta,
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := wire.WriteMessage(conn, msg); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ctl: send command")
	}
	return conn, nil
}

// Terminate sends TERMINATION to a server or router command port.
func Terminate(addr string, timeout time.Duration) error {
	conn, err := command(addr, wire.CmdTerminate, nil, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Idle sends IDLE to a router command port.
func Idle(addr string, timeout time.Duration) error {
	conn, err := command(addr, wire.CmdIdle, nil, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Restart sends RESTART_CLIENT to a router command port.
func Restart(addr string, timeout time.Duration) error {
	conn, err := command(addr, wire.CmdRestart, nil, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ShowConfigInline sends SHOW_CONFIG to a batching server data port and
// reads the reply on the same connection.
func ShowConfigInline(addr string, timeout time.Duration) ([]byte, error) {
	conn, err := command(addr, wire.CmdShowConfig, nil, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(timeout))
	reply, err := wire.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		return nil, errors.Wrap(err, "ctl: read show-config reply")
	}
	return reply.Payload, nil
}

// ShowConfigRouter sends SHOW_CONFIG to a router command port and reads the
// reply from its reply port. The reply connection is opened first so the
// router has somewhere to answer.
func ShowConfigRouter(addr, addrOut string, timeout time.Duration) ([]byte, error) {
	return routerRoundTrip(addr, addrOut, wire.CmdShowConfig, nil, timeout)
}

// SwitchRequest is the SWITCH command body. Zero-valued fields leave the
// router's current config untouched.
type SwitchRequest struct {
	RemoteServers []any `json:"remote_servers"` // [host, portIn, portOut] triples
	NumberClients int   `json:"number_clients"`
}

// Switch sends SWITCH with the given raw JSON body to a router command port
// and reads the acknowledgement from its reply port.
func Switch(addr, addrOut string, body []byte, timeout time.Duration) ([]byte, error) {
	return routerRoundTrip(addr, addrOut, wire.CmdSwitch, body, timeout)
}

func routerRoundTrip(addr, addrOut string, cmd, meta []byte, timeout time.Duration) ([]byte, error) {
	out, err := net.DialTimeout("tcp", addrOut, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "ctl: dial reply port %s", addrOut)
	}
	defer out.Close()

	conn, err := command(addr, cmd, meta, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	out.SetReadDeadline(time.Now().Add(timeout))
	reply, err := wire.ReadMessage(bufio.NewReader(out))
	if err != nil {
		return nil, errors.Wrap(err, "ctl: no response from the server, is it still online?")
	}
	return reply.Payload, nil
}
