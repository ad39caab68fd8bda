// Package pncounter implements a grow/shrink counter property backend:
// each node tracks its own increment and decrement totals, and the merged
// value is the sum of every node's contribution, ported from
// original_source/core/src/property/backend/pn_counter.rs.
package pncounter

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/ankurah-go/ankurah/pkg/value"
)

const Name = "pn_counter"

type counters struct {
	Inc int64 `json:"inc"`
	Dec int64 `json:"dec"`
}

// Backend holds per-property, per-node increment/decrement pairs. Local
// Increment/Decrement calls accumulate into the bucket of the node given
// to New; ApplyOperations accumulates into the node buckets named in each
// operation's delta.
type Backend struct {
	mu sync.Mutex
	// state[property][node] = counters
	state map[string]map[string]counters
	// pending holds deltas recorded since the last ToOperations call,
	// keyed the same way.
	pending map[string]map[string]counters
	node    string
}

// New constructs an empty counter backend. node identifies this replica's
// contribution bucket; it should be the owning node's id string.
func New(node string) *Backend {
	return &Backend{
		state:   make(map[string]map[string]counters),
		pending: make(map[string]map[string]counters),
		node:    node,
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) delta(prop string, inc, dec int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.state[prop]
	if !ok {
		bucket = make(map[string]counters)
		b.state[prop] = bucket
	}
	c := bucket[b.node]
	c.Inc += inc
	c.Dec += dec
	bucket[b.node] = c

	pbucket, ok := b.pending[prop]
	if !ok {
		pbucket = make(map[string]counters)
		b.pending[prop] = pbucket
	}
	p := pbucket[b.node]
	p.Inc += inc
	p.Dec += dec
	pbucket[b.node] = p
}

// Increment adds a positive amount to prop's running total.
func (b *Backend) Increment(prop string, amount int64) {
	if amount < 0 {
		b.delta(prop, 0, -amount)
		return
	}
	b.delta(prop, amount, 0)
}

// Decrement subtracts amount from prop's running total.
func (b *Backend) Decrement(prop string, amount int64) {
	if amount < 0 {
		b.delta(prop, -amount, 0)
		return
	}
	b.delta(prop, 0, amount)
}

func (b *Backend) Value(prop string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sumBucket(b.state[prop])
}

func sumBucket(bucket map[string]counters) int64 {
	var total int64
	for _, c := range bucket {
		total += c.Inc - c.Dec
	}
	return total
}

func (b *Backend) Fork() property.Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := &Backend{
		state:   cloneState(b.state),
		pending: make(map[string]map[string]counters),
		node:    b.node,
	}
	return n
}

func cloneState(src map[string]map[string]counters) map[string]map[string]counters {
	out := make(map[string]map[string]counters, len(src))
	for prop, bucket := range src {
		nb := make(map[string]counters, len(bucket))
		for node, c := range bucket {
			nb[node] = c
		}
		out[prop] = nb
	}
	return out
}

func (b *Backend) ToStateBuffer() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(b.state)
}

func (b *Backend) FromStateBuffer(buf []byte) error {
	var s map[string]map[string]counters
	if err := json.Unmarshal(buf, &s); err != nil {
		return err
	}
	if s == nil {
		s = make(map[string]map[string]counters)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.pending = make(map[string]map[string]counters)
	return nil
}

// ToOperations emits one Operation per dirtied property, carrying only
// this node's delta bucket -- merge is a per-node sum, so the receiving
// replica adds the delta into its own copy of that node's bucket rather
// than overwriting it.
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
	for _, prop := range props {
		bucket := b.pending[prop]
		payload := struct {
			Property string             `json:"property"`
			Node     string             `json:"node"`
			Delta    map[string]counters `json:"delta"`
		}{Property: prop, Node: b.node, Delta: bucket}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		ops = append(ops, property.Operation{Diff: raw})
	}
	b.pending = make(map[string]map[string]counters)
	return ops, nil
}

// ApplyOperations is commutative but not idempotent: each op's delta
// bucket is added into the corresponding node's running totals, so
// reapplying the same op (e.g. after a reconnect replays events) would
// double-count -- callers must dedupe by event id before invoking this.
func (b *Backend) ApplyOperations(ops []property.Operation, _, _ clock.Clock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range ops {
		var payload struct {
			Property string               `json:"property"`
			Node     string               `json:"node"`
			Delta    map[string]counters `json:"delta"`
		}
		if err := json.Unmarshal(op.Diff, &payload); err != nil {
			return err
		}
		bucket, ok := b.state[payload.Property]
		if !ok {
			bucket = make(map[string]counters)
			b.state[payload.Property] = bucket
		}
		for node, delta := range payload.Delta {
			c := bucket[node]
			c.Inc += delta.Inc
			c.Dec += delta.Dec
			bucket[node] = c
		}
	}
	return nil
}

func (b *Backend) PropertyValues() map[string]value.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]value.Value, len(b.state))
	for prop, bucket := range b.state {
		out[prop] = value.I64(sumBucket(bucket))
	}
	return out
}

// AttributedTo reports which node contributed a given property's current
// total, for diagnostics; it is not part of the property.Backend contract.
func (b *Backend) AttributedTo(prop string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.state[prop]
	nodes := make([]string, 0, len(bucket))
	for n := range bucket {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

var _ property.Backend = (*Backend)(nil)
