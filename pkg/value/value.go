// Package value defines the tagged union of property value kinds that
// flow between property backends, predicate evaluation, and the wire codec.
package value

import (
	"encoding/json"
	"fmt"

	"github.com/ankurah-go/ankurah/pkg/id"
)

// Kind discriminates which field of Value is populated.
type Kind uint8

const (
	KindI16 Kind = iota
	KindI32
	KindI64
	KindF64
	KindBool
	KindString
	KindEntityId
	KindObject
	KindBinary
	KindJSON
	KindNull
)

// Value is a variant property value, per spec.md section 3 "A property value is one of...".
// Go has no sum-type sugar, so (per DESIGN.md) this is represented the way
// the teacher represents protobuf oneofs: a discriminant plus the relevant
// field populated.
type Value struct {
	Kind     Kind
	I        int64
	F        float64
	B        bool
	S        string
	EntityId id.EntityId
	Bytes    []byte
	JSON     json.RawMessage
}

func Null() Value                         { return Value{Kind: KindNull} }
func I16(v int16) Value                   { return Value{Kind: KindI16, I: int64(v)} }
func I32(v int32) Value                   { return Value{Kind: KindI32, I: int64(v)} }
func I64(v int64) Value                   { return Value{Kind: KindI64, I: v} }
func F64(v float64) Value                 { return Value{Kind: KindF64, F: v} }
func Bool(v bool) Value                   { return Value{Kind: KindBool, B: v} }
func String(v string) Value               { return Value{Kind: KindString, S: v} }
func EntityRef(v id.EntityId) Value       { return Value{Kind: KindEntityId, EntityId: v} }
func Object(v []byte) Value               { return Value{Kind: KindObject, Bytes: v} }
func Binary(v []byte) Value               { return Value{Kind: KindBinary, Bytes: v} }
func JSON(v json.RawMessage) Value        { return Value{Kind: KindJSON, JSON: v} }

// Equal compares two values for the purpose of predicate evaluation.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindI16, KindI32, KindI64:
		return v.I == o.I
	case KindF64:
		return v.F == o.F
	case KindBool:
		return v.B == o.B
	case KindString:
		return v.S == o.S
	case KindEntityId:
		return v.EntityId.Compare(o.EntityId) == 0
	case KindObject, KindBinary:
		return string(v.Bytes) == string(o.Bytes)
	case KindJSON:
		return string(v.JSON) == string(o.JSON)
	case KindNull:
		return true
	}
	return false
}

// Compare returns -1/0/1 for ordered comparisons (used by range predicates
// such as `>`/`<`). Returns an error if the kinds are not ordinally comparable.
func (v Value) Compare(o Value) (int, error) {
	if v.Kind != o.Kind {
		return 0, fmt.Errorf("cannot compare values of differing kind %d and %d", v.Kind, o.Kind)
	}
	switch v.Kind {
	case KindI16, KindI32, KindI64:
		switch {
		case v.I < o.I:
			return -1, nil
		case v.I > o.I:
			return 1, nil
		default:
			return 0, nil
		}
	case KindF64:
		switch {
		case v.F < o.F:
			return -1, nil
		case v.F > o.F:
			return 1, nil
		default:
			return 0, nil
		}
	case KindString:
		switch {
		case v.S < o.S:
			return -1, nil
		case v.S > o.S:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("kind %d is not ordinally comparable", v.Kind)
	}
}

// Get walks into a JSON value by a dotted sub-path, returning a wrapped
// Value of kind KindJSON (see PropertyPath.ExtractValue in package predicate).
func (v Value) Get(keys []string) (Value, bool) {
	if v.Kind != KindJSON {
		return Value{}, false
	}
	var cur interface{}
	if err := json.Unmarshal(v.JSON, &cur); err != nil {
		return Value{}, false
	}
	for _, k := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return Value{}, false
		}
		cur, ok = m[k]
		if !ok {
			return Value{}, false
		}
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return Value{}, false
	}
	return Value{Kind: KindJSON, JSON: raw}, true
}
