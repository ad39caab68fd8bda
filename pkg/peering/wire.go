package peering

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or hostile length prefix causing
// an unbounded allocation.
const maxFrameSize = 64 << 20

func init() {
	gob.Register(Presence{})
	gob.Register(NodeRequest{})
	gob.Register(NodeResponse{})
	gob.Register(NodeUpdate{})
	gob.Register(NodeUpdateAck{})

	gob.Register(CommitTransactionRequest{})
	gob.Register(GetRequest{})
	gob.Register(GetEventsRequest{})
	gob.Register(FetchRequest{})
	gob.Register(SubscribeRequest{})

	gob.Register(CommitCompleteResponse{})
	gob.Register(GetResponse{})
	gob.Register(FetchResponse{})
	gob.Register(GetEventsResponse{})
	gob.Register(SubscribedResponse{})
	gob.Register(SuccessResponse{})
	gob.Register(ErrorResponse{})

	gob.Register(SubscriptionUpdate{})
	gob.Register(UnsubscribeUpdate{})
}

// envelope carries a Message through gob, which needs a concrete,
// registered type at the top level of an interface-holding struct field.
type envelope struct{ Msg Message }

// EncodeRaw serializes msg as a bare gob envelope, with no length prefix
// -- for transports (e.g. a WebSocket) that already frame each message as
// a discrete unit and only need the payload bytes.
func EncodeRaw(msg Message) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(envelope{Msg: msg}); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if payload.Len() > maxFrameSize {
		return nil, fmt.Errorf("encode message: frame of %d bytes exceeds max %d", payload.Len(), maxFrameSize)
	}
	return payload.Bytes(), nil
}

// Encode serializes msg as a length-prefixed gob frame: a uint32
// big-endian byte count followed by the payload, per spec.md section 6
// "Wire" -- the framing every stream-oriented transport (e.g. TCP) shares.
func Encode(msg Message) ([]byte, error) {
	payload, err := EncodeRaw(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// WriteFrame encodes msg and writes it to w.
func WriteFrame(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame from r and decodes it.
func ReadFrame(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("decode message: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("decode message: read payload: %w", err)
	}
	return Decode(payload)
}

// Decode decodes a single gob-encoded payload (without the length prefix)
// back into a Message. Used directly by transports (e.g. a WebSocket)
// that already frame messages themselves.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return env.Msg, nil
}
