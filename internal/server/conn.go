package server

import (
	"context"
	"net"

	"github.com/empdb/empdb/internal/protocol"
)

type connState int

const (
	stateAwaitingHello connState = iota
	stateReady
	stateClosed
)

// conn is the per-peer state: the socket, the FSM state, and the receive
// buffer with its reassembly cursors. The buffer fields belong to the
// connection's reader goroutine; state belongs to the dispatch loop.
type conn struct {
	sock  net.Conn
	state connState

	buf      []byte // receive buffer, sized for the largest valid frame
	used     int    // write cursor into buf
	expected int    // total length of the in-flight frame, 0 until its header arrives
}

func newConn(sock net.Conn) *conn {
	return &conn{
		sock:  sock,
		state: stateAwaitingHello,
		buf:   make([]byte, protocol.MaxFrameSize),
	}
}

// readLoop reassembles frames from partial reads and hands each complete
// one to the dispatch loop. It exits on read error, peer close, malformed
// input, or context cancellation; the dispatch loop owns the cleanup.
func (c *conn) readLoop(ctx context.Context, events chan<- event) {
	for {
		n, err := c.sock.Read(c.buf[c.used:])
		if n > 0 {
			c.used += n
			// Drain as many complete frames as the buffer holds.
			for {
				if c.expected != 0 && c.used < c.expected {
					// Header parsed, body still in flight.
					break
				}
				fr, consumed, derr := protocol.TryDecode(c.buf[:c.used], len(c.buf))
				if derr != nil {
					sendEvent(ctx, events, event{kind: evMalformed, c: c, err: derr})
					return
				}
				if consumed == 0 {
					if total, ok := protocol.FrameLen(c.buf[:c.used]); ok {
						c.expected = total
					}
					break
				}
				// The dispatch loop outlives this frame's buffer window, so
				// hand it an owned copy of the body.
				body := make([]byte, len(fr.Body))
				copy(body, fr.Body)
				ok := sendEvent(ctx, events, event{
					kind:  evFrame,
					c:     c,
					frame: protocol.Frame{Kind: fr.Kind, Body: body},
				})
				if !ok {
					return
				}
				// Compact residual bytes to the front of the buffer.
				copy(c.buf, c.buf[consumed:c.used])
				c.used -= consumed
				c.expected = 0
			}
		}
		if err != nil {
			sendEvent(ctx, events, event{kind: evClosed, c: c})
			return
		}
	}
}

func sendEvent(ctx context.Context, events chan<- event, ev event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
