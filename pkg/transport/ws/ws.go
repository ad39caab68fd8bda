// Package ws implements the WebSocket transport: a server-side handler
// that upgrades incoming HTTP connections and a client that dials out and
// reconnects with backoff, both framing peering.Messages one-per-WebSocket-
// message via peering.EncodeRaw/Decode, per spec.md section 6 "Transport".
package ws

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/ankurah-go/ankurah/pkg/peering"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler is what a connected peer's read loop delivers each decoded
// message to.
type Handler func(ctx context.Context, msg peering.Message) error

// Conn wraps one WebSocket connection as a peering.PeerSender, per
// spec.md section 6's transport-agnostic PeerSender contract. Writes are
// serialized with a mutex since *websocket.Conn forbids concurrent
// writers.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newConn(c *websocket.Conn) *Conn {
	return &Conn{ws: c, closed: make(chan struct{})}
}

// Send implements peering.PeerSender.
func (c *Conn) Send(ctx context.Context, msg peering.Message) error {
	payload, err := peering.EncodeRaw(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

// Close closes the underlying connection, idempotently.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// run reads frames from ws until it errors or closes, handing each
// decoded message to handle. Returns the terminal read error (nil on a
// clean close).
func (c *Conn) run(ctx context.Context, handle Handler) error {
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := peering.Decode(payload)
		if err != nil {
			return fmt.Errorf("ws: decode frame: %w", err)
		}
		if err := handle(ctx, msg); err != nil {
			return fmt.Errorf("ws: handle message: %w", err)
		}
	}
}

// ServeFunc is an http.Handler that upgrades the connection and hands the
// resulting *Conn to onConnect, then runs the read loop until it ends.
// onConnect is expected to register the connection as a peer (typically
// via node.RegisterPeer) and return a Handler bound to that peer's id.
func ServeFunc(onConnect func(*Conn) (Handler, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(conn)
		defer c.Close()

		handle, err := onConnect(c)
		if err != nil {
			return
		}
		_ = c.run(r.Context(), handle)
	}
}

// DialOptions configures Dial's reconnect-with-backoff behavior, per
// spec.md section 6's "clients reconnect with exponential backoff up to
// a ceiling".
type DialOptions struct {
	URL            string
	InitialBackoff time.Duration
	BackoffCeiling time.Duration
	OnConnect      func(*Conn) (Handler, error)
	Log            *logrus.Entry
}

func (o DialOptions) withDefaults() DialOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Dial connects to opts.URL and runs the read loop, reconnecting with
// exponential backoff (full jitter) whenever the connection drops, until
// ctx is canceled. It blocks until ctx is done.
func Dial(ctx context.Context, opts DialOptions) error {
	opts = opts.withDefaults()
	backoff := opts.InitialBackoff

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
		if err != nil {
			opts.Log.WithError(err).WithField("url", opts.URL).Warn("ws dial failed, backing off")
			if !sleepBackoff(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, opts.BackoffCeiling)
			continue
		}

		c := newConn(conn)
		backoff = opts.InitialBackoff // reset once a connection succeeds

		handle, err := opts.OnConnect(c)
		if err != nil {
			c.Close()
			return err
		}
		if runErr := c.run(ctx, handle); runErr != nil && ctx.Err() == nil {
			opts.Log.WithError(runErr).Warn("ws connection lost, reconnecting")
		}
		c.Close()
	}
	return ctx.Err()
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		next = ceiling
	}
	return next
}

// sleepBackoff waits a full-jittered duration in [0, d], returning false
// if ctx is canceled first.
func sleepBackoff(ctx context.Context, d time.Duration) bool {
	jittered := time.Duration(rand.Int63n(int64(d) + 1))
	t := time.NewTimer(jittered)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
