// Package lww implements the last-write-wins scalar property backend,
// ported from original_source/core/src/property/backend/lww.rs.
package lww

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/value"
)

const Name = "lww"

// Backend stores raw encoded value bytes per property name. It does not
// compare event ids itself: concurrent writes resolve by the caller's
// apply order (ascending event id), so the greatest id is written last.
type Backend struct {
	mu     sync.RWMutex
	values map[string][]byte
	// dirty tracks properties changed since the last ToOperations call, so
	// ToOperations only emits a genuine diff rather than the whole state.
	dirty map[string]struct{}
}

func New() *Backend {
	return &Backend{values: make(map[string][]byte), dirty: make(map[string]struct{})}
}

// Set stores a property's raw encoded bytes and marks it dirty for the
// next commit's diff.
func (b *Backend) Set(prop string, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[prop] = raw
	b.dirty[prop] = struct{}{}
}

func (b *Backend) Get(prop string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[prop]
	return v, ok
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Fork() property.Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cloned := make(map[string][]byte, len(b.values))
	for k, v := range b.values {
		cloned[k] = append([]byte(nil), v...)
	}
	return &Backend{values: cloned, dirty: make(map[string]struct{})}
}

type wireState struct {
	Values map[string][]byte `json:"values"`
}

func (b *Backend) ToStateBuffer() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return json.Marshal(wireState{Values: b.values})
}

func (b *Backend) FromStateBuffer(buf []byte) error {
	var s wireState
	if err := json.Unmarshal(buf, &s); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.Values == nil {
		s.Values = make(map[string][]byte)
	}
	b.values = s.Values
	b.dirty = make(map[string]struct{})
	return nil
}

type diffPayload struct {
	Values map[string][]byte `json:"values"`
}

// ToOperations emits one Operation carrying every property dirtied since
// the previous ToOperations call (matching the original's whole-map diff
// per commit -- LWW has no smaller granularity because a single commit
// typically touches few properties and the tiebreak is per-property anyway).
func (b *Backend) ToOperations() ([]property.Operation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.dirty) == 0 {
		return nil, nil
	}
	payload := diffPayload{Values: make(map[string][]byte, len(b.dirty))}
	keys := make([]string, 0, len(b.dirty))
	for k := range b.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		payload.Values[k] = b.values[k]
	}
	b.dirty = make(map[string]struct{})
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []property.Operation{{Diff: raw}}, nil
}

// ApplyOperations resolves per spec.md section 4.1: if eventHead strictly
// descends currentHead, overwrite; if concurrent (neither descends the
// other), the caller invokes this for every concurrent event in ascending
// event id order, so the greatest id overwrites last; if eventHead is an ancestor
// of currentHead, the caller must not invoke ApplyOperations at all (the
// event is already subsumed). This backend therefore treats every call as
// "apply" -- ordering/tiebreak policy lives one layer up in the event
// ForwardView / entity Apply path, which is where the full DAG is visible.
func (b *Backend) ApplyOperations(ops []property.Operation, _, _ clock.Clock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range ops {
		var payload diffPayload
		if err := json.Unmarshal(op.Diff, &payload); err != nil {
			return err
		}
		for k, v := range payload.Values {
			b.values[k] = v
		}
	}
	return nil
}

func (b *Backend) PropertyValues() map[string]value.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]value.Value, len(b.values))
	for k, raw := range b.values {
		out[k] = decode(raw)
	}
	return out
}

// decode turns raw LWW bytes back into a typed Value. The wire
// representation is itself a small tagged JSON envelope so a single
// backend can host any of spec.md's scalar ValueTypes.
type encodedValue struct {
	Kind byte            `json:"k"`
	Raw  json.RawMessage `json:"v"`
}

// Encode wraps a typed Value as the raw bytes LWW stores per property.
func Encode(v value.Value) []byte {
	ev := encodedValue{Kind: byte(v.Kind)}
	switch v.Kind {
	case value.KindString:
		ev.Raw, _ = json.Marshal(v.S)
	case value.KindBool:
		ev.Raw, _ = json.Marshal(v.B)
	case value.KindI16, value.KindI32, value.KindI64:
		ev.Raw, _ = json.Marshal(v.I)
	case value.KindF64:
		ev.Raw, _ = json.Marshal(v.F)
	case value.KindEntityId:
		ev.Raw, _ = json.Marshal(v.EntityId.String())
	case value.KindBinary, value.KindObject:
		ev.Raw, _ = json.Marshal(v.Bytes)
	case value.KindJSON:
		ev.Raw = v.JSON
	}
	raw, _ := json.Marshal(ev)
	return raw
}

func decode(raw []byte) value.Value {
	var ev encodedValue
	if err := json.Unmarshal(raw, &ev); err != nil {
		return value.Null()
	}
	switch value.Kind(ev.Kind) {
	case value.KindString:
		var s string
		_ = json.Unmarshal(ev.Raw, &s)
		return value.String(s)
	case value.KindBool:
		var bv bool
		_ = json.Unmarshal(ev.Raw, &bv)
		return value.Bool(bv)
	case value.KindI16:
		var i int64
		_ = json.Unmarshal(ev.Raw, &i)
		return value.I16(int16(i))
	case value.KindI32:
		var i int64
		_ = json.Unmarshal(ev.Raw, &i)
		return value.I32(int32(i))
	case value.KindI64:
		var i int64
		_ = json.Unmarshal(ev.Raw, &i)
		return value.I64(i)
	case value.KindF64:
		var f float64
		_ = json.Unmarshal(ev.Raw, &f)
		return value.F64(f)
	case value.KindBinary:
		var b []byte
		_ = json.Unmarshal(ev.Raw, &b)
		return value.Binary(b)
	case value.KindObject:
		var b []byte
		_ = json.Unmarshal(ev.Raw, &b)
		return value.Object(b)
	case value.KindJSON:
		return value.JSON(ev.Raw)
	}
	return value.Null()
}

var _ property.Backend = (*Backend)(nil)
