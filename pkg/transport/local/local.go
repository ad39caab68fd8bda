// Package local implements an in-process transport: two nodes exchange
// peering.Message values over buffered Go channels instead of a real
// socket, so tests and single-process demos can exercise the full
// peering protocol without a network, per spec.md section 6's "PeerSender
// is transport-agnostic" contract.
package local

import (
	"context"
	"fmt"

	"github.com/ankurah-go/ankurah/pkg/peering"
)

// defaultQueueDepth bounds how many in-flight messages one direction of a
// Connect pair buffers before Send blocks, mirroring the backpressure a
// real socket's write buffer would apply.
const defaultQueueDepth = 256

// Handler is the callback a connected node's message loop delivers
// incoming messages to -- satisfied directly by (*node.Node).HandleMessage
// bound to the sending peer's id.
type Handler func(ctx context.Context, msg peering.Message) error

// sender is the PeerSender half of one direction of a Connect pair.
type sender struct {
	out    chan peering.Message
	closed chan struct{}
}

func newSender() *sender {
	return &sender{out: make(chan peering.Message, defaultQueueDepth), closed: make(chan struct{})}
}

func (s *sender) Send(ctx context.Context, msg peering.Message) error {
	select {
	case s.out <- msg:
		return nil
	case <-s.closed:
		return fmt.Errorf("send: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sender) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// Pair is one side of a Connect call: a PeerSender for outbound messages
// plus a Run loop that must be started to deliver inbound ones.
type Pair struct {
	send *sender
	recv *sender
	name string
}

// Sender returns the PeerSender to hand to node.RegisterPeer.
func (p *Pair) Sender() peering.PeerSender { return p.send }

// Run delivers every message sent to this side's peer until ctx is
// canceled or the pair is closed. Callers typically run this in its own
// goroutine right after RegisterPeer.
func (p *Pair) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case msg, ok := <-p.recv.out:
			if !ok {
				return nil
			}
			if err := handle(ctx, msg); err != nil {
				return fmt.Errorf("local transport %s: handle message: %w", p.name, err)
			}
		case <-p.recv.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears down both directions of the pair.
func (p *Pair) Close() {
	p.send.close()
	p.recv.close()
}

// Connect builds a pair of linked Pairs: messages sent on a's Sender()
// arrive at b's Run loop and vice versa, per spec.md section 4.6's
// "Register_peer(presence, sender)" contract applied symmetrically to
// two co-resident nodes.
func Connect() (a, b *Pair) {
	ab := newSender()
	ba := newSender()
	a = &Pair{send: ab, recv: ba, name: "a"}
	b = &Pair{send: ba, recv: ab, name: "b"}
	return a, b
}
