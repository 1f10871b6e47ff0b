package gate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/duh17/hostguard/pkg/protocol"
)

// TCPTransport implements GuardTransport over a loopback TCP connection
// using newline-delimited JSON, per §4.3 "TCP mode exposes a loopback-
// bound listener on an OS-assigned port; the agent's gate shim connects
// exactly once".
type TCPTransport struct {
	log  *slog.Logger
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

// NewTCPTransport wraps an already-accepted connection.
func NewTCPTransport(conn net.Conn, log *slog.Logger) *TCPTransport {
	if log == nil {
		log = slog.Default()
	}
	return &TCPTransport{log: log, conn: conn}
}

func (t *TCPTransport) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gate: marshal: %w", err)
	}
	data = append(data, '\n')
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	_, err = t.conn.Write(data)
	return err
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// Listener binds one OS-assigned loopback port per session, accepting
// exactly one connection before it is done.
type Listener struct {
	ln net.Listener
}

// Listen binds a loopback TCP listener on an OS-assigned port.
func Listen() (*Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("gate: listen: %w", err) // listener bind failure aborts activation
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address (host:port).
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the single expected agent connection.
func (l *Listener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

// Close closes the listener; safe to call after Accept.
func (l *Listener) Close() error { return l.ln.Close() }

// ReadLoop reads newline-delimited JSON envelopes from conn, dispatching
// guard_ready/gate_check/heartbeat frames to the supplied handler. A
// single invalid JSON line is logged and skipped without closing the
// connection (§4.3 "Failure model").
func ReadLoop(conn net.Conn, log *slog.Logger, handle func(protocol.GateEnvelope, []byte)) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env protocol.GateEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Warn("gate: invalid json line from agent, skipping", "error", err)
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		handle(env, raw)
	}
}

// VirtualTransport implements GuardTransport for an in-process agent: it
// hands server->agent messages to a Go channel instead of a socket,
// avoiding a TCP round trip when the agent runs in the same process
// (§4.3 "Modes... virtual mode (in-process)").
type VirtualTransport struct {
	mu     sync.Mutex
	closed bool
	out    chan any
}

// NewVirtualTransport returns a transport whose Send pushes onto a
// buffered channel the in-process agent reads from directly.
func NewVirtualTransport(buffer int) *VirtualTransport {
	return &VirtualTransport{out: make(chan any, buffer)}
}

func (v *VirtualTransport) Send(msg any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	select {
	case v.out <- msg:
		return nil
	default:
		return fmt.Errorf("gate: virtual transport buffer full")
	}
}

// Messages returns the channel the in-process agent should drain.
func (v *VirtualTransport) Messages() <-chan any { return v.out }

func (v *VirtualTransport) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	close(v.out)
	return nil
}
