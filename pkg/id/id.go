// Package id defines every identifier type that crosses a node boundary:
// content-addressed event ids, ULID-based entity/node/request/update ids,
// and the small helpers used to render them for logs and wire framing.
package id

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newULID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// EventId is the 32-byte content hash of an event's canonical encoding.
type EventId [32]byte

// NewEventId hashes the canonical byte encoding of an event's contents.
func NewEventId(canonical []byte) EventId {
	return EventId(sha256.Sum256(canonical))
}

func (e EventId) Bytes() []byte { return e[:] }

func (e EventId) String() string { return base64.RawURLEncoding.EncodeToString(e[:]) }

// Short renders the last 6 characters of the base64 form, for log lines.
func (e EventId) Short() string {
	s := e.String()
	if len(s) <= 6 {
		return s
	}
	return s[len(s)-6:]
}

func (e EventId) Compare(o EventId) int {
	for i := range e {
		if e[i] != o[i] {
			if e[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func EventIdFromBytes(b []byte) (EventId, error) {
	var e EventId
	if len(b) != 32 {
		return e, fmt.Errorf("event id must be 32 bytes, got %d", len(b))
	}
	copy(e[:], b)
	return e, nil
}

// EntityId is a 16-byte ULID identifying an entity for the lifetime of the system.
type EntityId struct{ ulid ulid.ULID }

func NewEntityId() EntityId { return EntityId{newULID()} }

func (e EntityId) Bytes() []byte { b := e.ulid; return b[:] }

func (e EntityId) String() string { return base64.RawURLEncoding.EncodeToString(e.Bytes()) }

func (e EntityId) Short() string {
	s := e.String()
	if len(s) <= 6 {
		return s
	}
	return s[len(s)-6:]
}

func (e EntityId) Compare(o EntityId) int { return e.ulid.Compare(o.ulid) }

// MarshalBinary/UnmarshalBinary let encoding/gob serialize EntityId
// correctly despite its ulid field being unexported -- gob's default
// struct codec only sees exported fields, so without these every wire
// message carrying an EntityId would decode to the zero value.
func (e EntityId) MarshalBinary() ([]byte, error) { return e.Bytes(), nil }

func (e *EntityId) UnmarshalBinary(b []byte) error {
	decoded, err := EntityIdFromBytes(b)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

func EntityIdFromBytes(b []byte) (EntityId, error) {
	var u ulid.ULID
	if len(b) != 16 {
		return EntityId{}, fmt.Errorf("entity id must be 16 bytes, got %d", len(b))
	}
	copy(u[:], b)
	return EntityId{u}, nil
}

func EntityIdFromString(s string) (EntityId, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return EntityId{}, fmt.Errorf("decode entity id: %w", err)
	}
	return EntityIdFromBytes(b)
}

// CollectionId names a collection. Plain string wrapper so zero value is meaningful.
type CollectionId string

// SystemCollectionId is the well-known catalog collection every collection
// registration entity lives in, rooted at the system root entity.
const SystemCollectionId CollectionId = "ankurah.system"

// NodeId identifies a peer on the network.
type NodeId struct{ ulid ulid.ULID }

func NewNodeId() NodeId { return NodeId{newULID()} }

func (n NodeId) Bytes() []byte { b := n.ulid; return b[:] }

func (n NodeId) String() string { return fmt.Sprintf("N-%s", n.ulid.String()[20:]) }

func (n NodeId) Compare(o NodeId) int { return n.ulid.Compare(o.ulid) }

func (n NodeId) MarshalBinary() ([]byte, error) { return n.Bytes(), nil }

func (n *NodeId) UnmarshalBinary(b []byte) error {
	decoded, err := NodeIdFromBytes(b)
	if err != nil {
		return err
	}
	*n = decoded
	return nil
}

func NodeIdFromBytes(b []byte) (NodeId, error) {
	var u ulid.ULID
	if len(b) != 16 {
		return NodeId{}, fmt.Errorf("node id must be 16 bytes, got %d", len(b))
	}
	copy(u[:], b)
	return NodeId{u}, nil
}

// TransactionId identifies a single commit attempt.
type TransactionId struct{ ulid ulid.ULID }

func NewTransactionId() TransactionId { return TransactionId{newULID()} }
func (t TransactionId) String() string { return fmt.Sprintf("T-%s", t.ulid.String()[20:]) }
func (t TransactionId) Bytes() []byte  { b := t.ulid; return b[:] }

func (t TransactionId) MarshalBinary() ([]byte, error) { return t.Bytes(), nil }
func (t *TransactionId) UnmarshalBinary(b []byte) error {
	var u ulid.ULID
	if err := u.UnmarshalBinary(b); err != nil {
		return err
	}
	t.ulid = u
	return nil
}

// RequestId identifies one outstanding peer request.
type RequestId struct{ ulid ulid.ULID }

func NewRequestId() RequestId  { return RequestId{newULID()} }
func (r RequestId) String() string { return fmt.Sprintf("R-%s", r.ulid.String()[20:]) }
func (r RequestId) Bytes() []byte  { b := r.ulid; return b[:] }

func (r RequestId) MarshalBinary() ([]byte, error) { return r.Bytes(), nil }
func (r *RequestId) UnmarshalBinary(b []byte) error {
	var u ulid.ULID
	if err := u.UnmarshalBinary(b); err != nil {
		return err
	}
	r.ulid = u
	return nil
}

// UpdateId identifies one outbound subscription-update message.
type UpdateId struct{ ulid ulid.ULID }

func NewUpdateId() UpdateId  { return UpdateId{newULID()} }
func (u UpdateId) String() string { return fmt.Sprintf("U-%s", u.ulid.String()[20:]) }
func (u UpdateId) Bytes() []byte  { b := u.ulid; return b[:] }

func (u UpdateId) MarshalBinary() ([]byte, error) { return u.Bytes(), nil }
func (u *UpdateId) UnmarshalBinary(b []byte) error {
	var parsed ulid.ULID
	if err := parsed.UnmarshalBinary(b); err != nil {
		return err
	}
	u.ulid = parsed
	return nil
}

// QueryId identifies one predicate within a reactor subscription. It is
// transportable across the wire (peers must agree on which query a
// SubscriptionUpdate pertains to).
type QueryId struct{ ulid ulid.ULID }

func NewQueryId() QueryId   { return QueryId{newULID()} }
func (q QueryId) String() string { return fmt.Sprintf("Q-%s", q.ulid.String()[20:]) }
func (q QueryId) Bytes() []byte  { b := q.ulid; return b[:] }
func (q QueryId) Compare(o QueryId) int { return q.ulid.Compare(o.ulid) }

func (q QueryId) MarshalBinary() ([]byte, error) { return q.Bytes(), nil }
func (q *QueryId) UnmarshalBinary(b []byte) error {
	var u ulid.ULID
	if err := u.UnmarshalBinary(b); err != nil {
		return err
	}
	q.ulid = u
	return nil
}

// SubscriptionId identifies a wire-level peering subscription (distinct
// from ReactorSubscriptionId, which is purely local to one node's reactor).
type SubscriptionId struct{ ulid ulid.ULID }

func NewSubscriptionId() SubscriptionId { return SubscriptionId{newULID()} }
func (s SubscriptionId) String() string { return fmt.Sprintf("S-%s", s.ulid.String()[20:]) }
func (s SubscriptionId) Bytes() []byte  { b := s.ulid; return b[:] }
func (s SubscriptionId) Compare(o SubscriptionId) int { return s.ulid.Compare(o.ulid) }

func (s SubscriptionId) MarshalBinary() ([]byte, error) { return s.Bytes(), nil }
func (s *SubscriptionId) UnmarshalBinary(b []byte) error {
	var u ulid.ULID
	if err := u.UnmarshalBinary(b); err != nil {
		return err
	}
	s.ulid = u
	return nil
}

// ReactorSubscriptionId is local-only: it never crosses the wire.
type ReactorSubscriptionId struct{ ulid ulid.ULID }

func NewReactorSubscriptionId() ReactorSubscriptionId { return ReactorSubscriptionId{newULID()} }
func (r ReactorSubscriptionId) String() string         { return fmt.Sprintf("RS-%s", r.ulid.String()[20:]) }
func (r ReactorSubscriptionId) Compare(o ReactorSubscriptionId) int { return r.ulid.Compare(o.ulid) }
