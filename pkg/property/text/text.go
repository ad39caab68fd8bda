// Package text implements a collaborative plain-text property backend
// using a replicated growable array (RGA): each character is a tombstoned
// element with a globally unique (node, counter) id, ordered by insertion
// point rather than index, so concurrent inserts/deletes converge without
// a central arbiter. This mirrors the role of
// original_source/core/src/property/value/yrs.rs (which wraps the Yjs/yrs
// CRDT) -- no Go port of Yjs appears anywhere in the retrieved pack, so
// this backend hand-rolls the minimal CRDT needed for the same contract
// (see DESIGN.md's stdlib/justification ledger).
package text

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/value"
)

const Name = "text"

// elementID uniquely identifies one inserted character across all
// replicas: the node that created it plus a per-node monotonic counter.
type elementID struct {
	Node    string `json:"node"`
	Counter uint64 `json:"counter"`
}

func (e elementID) less(o elementID) bool {
	if e.Counter != o.Counter {
		return e.Counter < o.Counter
	}
	return e.Node < o.Node
}

func (e elementID) isZero() bool { return e.Node == "" && e.Counter == 0 }

// element is one character in the RGA's insertion-ordered linked list.
type element struct {
	ID      elementID
	After   elementID // the element this was inserted immediately after; zero value means "document start"
	Rune    rune
	Deleted bool
}

// Backend is a per-property RGA document.
type Backend struct {
	mu      sync.Mutex
	node    string
	counter uint64
	// docs[property] = ordered elements (insertion-causal order, not
	// necessarily visible order -- Render walks them respecting After links)
	docs map[string][]element
	// pending holds operations not yet emitted via ToOperations
	pending map[string][]opPayload
}

func New(node string) *Backend {
	return &Backend{node: node, docs: make(map[string][]element), pending: make(map[string][]opPayload)}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) nextID() elementID {
	b.counter++
	return elementID{Node: b.node, Counter: b.counter}
}

// Insert places value starting at the visible rune offset index within
// prop's current text (0 means prepend, len(text) means append).
func (b *Backend) Insert(prop string, index int, text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	doc := b.docs[prop]
	after := anchorBefore(doc, index)
	var ops []opPayload
	for _, r := range text {
		eid := b.nextID()
		doc = insertAfter(doc, element{ID: eid, After: after, Rune: r})
		ops = append(ops, opPayload{Kind: opInsert, ID: eid, After: after, Rune: r})
		after = eid
	}
	b.docs[prop] = doc
	b.pending[prop] = append(b.pending[prop], ops...)
}

// Delete marks length visible runes starting at index as tombstoned.
func (b *Backend) Delete(prop string, index, length int) {
	if length <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	doc := b.docs[prop]
	visible := 0
	var ops []opPayload
	for i := range doc {
		if doc[i].Deleted {
			continue
		}
		if visible >= index && visible < index+length {
			doc[i].Deleted = true
			ops = append(ops, opPayload{Kind: opDelete, ID: doc[i].ID})
		}
		visible++
	}
	b.docs[prop] = doc
	b.pending[prop] = append(b.pending[prop], ops...)
}

func (b *Backend) Value(prop string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return render(b.docs[prop])
}

// anchorBefore finds the element id immediately preceding the given
// visible-rune offset, or the zero elementID for the document start.
func anchorBefore(doc []element, index int) elementID {
	visible := 0
	var last elementID
	for _, el := range doc {
		if el.Deleted {
			continue
		}
		if visible == index {
			return last
		}
		last = el.ID
		visible++
	}
	return last
}

// insertAfter places el immediately following the element identified by
// el.After (the zero elementID meaning "document start"), using the RGA
// insertion rule: scanning right from the anchor, skip every element with
// a greater id before inserting. Counters are Lamport-advanced past
// everything a replica has seen (see ApplyOperations), so a greater
// sibling's whole subtree also carries greater ids and is skipped as a
// unit -- concurrent runs never interleave and all replicas converge to
// the same order.
func insertAfter(doc []element, el element) []element {
	insertIdx := 0
	if !el.After.isZero() {
		anchorIdx := -1
		for i, e := range doc {
			if e.ID == el.After {
				anchorIdx = i
				break
			}
		}
		if anchorIdx == -1 {
			// Anchor not present locally yet (causal gap); append at end as
			// a best-effort fallback so the operation is never dropped.
			return append(doc, el)
		}
		insertIdx = anchorIdx + 1
	}
	for insertIdx < len(doc) && el.ID.less(doc[insertIdx].ID) {
		insertIdx++
	}
	out := append([]element(nil), doc[:insertIdx]...)
	out = append(out, el)
	out = append(out, doc[insertIdx:]...)
	return out
}

func render(doc []element) string {
	var sb strings.Builder
	for _, el := range doc {
		if !el.Deleted {
			sb.WriteRune(el.Rune)
		}
	}
	return sb.String()
}

func applyOp(doc []element, op opPayload) []element {
	switch op.Kind {
	case opInsert:
		for _, e := range doc {
			if e.ID == op.ID {
				return doc // already applied
			}
		}
		return insertAfter(doc, element{ID: op.ID, After: op.After, Rune: op.Rune})
	case opDelete:
		for i := range doc {
			if doc[i].ID == op.ID {
				doc[i].Deleted = true
				break
			}
		}
		return doc
	}
	return doc
}

type opKind uint8

const (
	opInsert opKind = iota
	opDelete
)

type opPayload struct {
	Kind  opKind    `json:"kind"`
	ID    elementID `json:"id"`
	After elementID `json:"after,omitempty"`
	Rune  rune      `json:"rune,omitempty"`
}

func (b *Backend) Fork() property.Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	docs := make(map[string][]element, len(b.docs))
	for k, v := range b.docs {
		docs[k] = append([]element(nil), v...)
	}
	return &Backend{node: b.node, counter: b.counter, docs: docs, pending: make(map[string][]opPayload)}
}

func (b *Backend) ToStateBuffer() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := struct {
		Counter uint64               `json:"counter"`
		Docs    map[string][]element `json:"docs"`
	}{Counter: b.counter, Docs: b.docs}
	return json.Marshal(state)
}

func (b *Backend) FromStateBuffer(buf []byte) error {
	var state struct {
		Counter uint64               `json:"counter"`
		Docs    map[string][]element `json:"docs"`
	}
	if err := json.Unmarshal(buf, &state); err != nil {
		return err
	}
	if state.Docs == nil {
		state.Docs = make(map[string][]element)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter = state.Counter
	for _, doc := range state.Docs {
		for _, el := range doc {
			if el.ID.Counter > b.counter {
				b.counter = el.ID.Counter
			}
		}
	}
	b.docs = state.Docs
	b.pending = make(map[string][]opPayload)
	return nil
}

func (b *Backend) ToOperations() ([]property.Operation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil, nil
	}
	props := make([]string, 0, len(b.pending))
	for p := range b.pending {
		props = append(props, p)
	}
	sort.Strings(props)

	ops := make([]property.Operation, 0, len(props))
	for _, p := range props {
		payload := struct {
			Property string      `json:"property"`
			Ops      []opPayload `json:"ops"`
		}{Property: p, Ops: b.pending[p]}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		ops = append(ops, property.Operation{Diff: raw})
	}
	b.pending = make(map[string][]opPayload)
	return ops, nil
}

// ApplyOperations merges remote insert/delete ops into the local
// document. RGA convergence means ops may be applied in any order and
// the final rendered text is identical across replicas. The local
// counter is advanced past every applied insert id (Lamport-style) so
// ids this replica generates afterward are strictly greater than
// anything it has seen -- the invariant insertAfter's skip rule relies on.
func (b *Backend) ApplyOperations(ops []property.Operation, _, _ clock.Clock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range ops {
		var payload struct {
			Property string      `json:"property"`
			Ops      []opPayload `json:"ops"`
		}
		if err := json.Unmarshal(op.Diff, &payload); err != nil {
			return err
		}
		doc := b.docs[payload.Property]
		for _, p := range payload.Ops {
			doc = applyOp(doc, p)
			if p.Kind == opInsert && p.ID.Counter > b.counter {
				b.counter = p.ID.Counter
			}
		}
		b.docs[payload.Property] = doc
	}
	return nil
}

func (b *Backend) PropertyValues() map[string]value.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]value.Value, len(b.docs))
	for prop, doc := range b.docs {
		out[prop] = value.String(render(doc))
	}
	return out
}

var _ property.Backend = (*Backend)(nil)
