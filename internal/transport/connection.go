package transport

import (
	"errors"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/gobwas/ws"
)

var errSendBufferFull = errors.New("transport: send buffer full")

// Connection wraps one upgraded WebSocket and implements both
// session.Subscriber (Deliver, ID) and sync.Conn (Send).
type Connection struct {
	id      string
	conn    net.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn, sendBuffer int, rps float64, burst int) *Connection {
	return &Connection{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Deliver implements session.Subscriber: a non-blocking, best-effort send.
func (c *Connection) Deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Send implements sync.Conn: queues a direct reply for this connection.
// Like Deliver it never blocks — the send buffer is sized generously so a
// direct reply is only dropped if the client has stopped reading entirely,
// at which point the read pump will already be tearing the connection down.
func (c *Connection) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// ID implements session.Subscriber.
func (c *Connection) ID() string { return c.id }

// Allow reports whether the connection's inbound message rate limiter
// currently permits another message.
func (c *Connection) Allow() bool {
	return c.limiter.Allow()
}

func (c *Connection) closeUnderlying() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// closeReason is a human-readable label for each close code this server
// sends, used only for logging.
var closeReason = map[ws.StatusCode]string{
	ws.StatusNormalClosure:       "normal closure",
	ws.StatusUnsupportedData:     "malformed handshake payload",
	ws.StatusPolicyViolation:     "authorization rejected",
	ws.StatusInternalServerError: "internal error",
}
