package reactor

import (
	"fmt"

	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/predicate"
	"github.com/ankurah-go/ankurah/pkg/value"
)

// pathKey identifies one property path within one collection, used to
// find which queries might care that a given field changed.
type pathKey struct {
	Collection id.CollectionId
	Path       string
}

// conjunctKey is the (field, operator, literal) triple spec.md section
// 4.5 names for the per-conjunct comparison index.
type conjunctKey struct {
	Collection id.CollectionId
	Path       string
	Op         predicate.Op
	Literal    string
}

func literalKey(v value.Value) string {
	switch v.Kind {
	case value.KindI16, value.KindI32, value.KindI64:
		return fmt.Sprintf("i:%d", v.I)
	case value.KindF64:
		return fmt.Sprintf("f:%v", v.F)
	case value.KindBool:
		return fmt.Sprintf("b:%v", v.B)
	case value.KindString:
		return fmt.Sprintf("s:%s", v.S)
	case value.KindEntityId:
		return fmt.Sprintf("e:%s", v.EntityId.String())
	case value.KindJSON:
		return fmt.Sprintf("j:%s", string(v.JSON))
	default:
		return fmt.Sprintf("k%d", v.Kind)
	}
}

// indexes bundles every lookup structure the reactor maintains over the
// set of currently-registered queries. All access is guarded by the
// owning Reactor's mutex.
type indexes struct {
	// comparisonIndex is the literal index spec.md section 4.5 names.
	// Not currently consulted for narrowing (see pathIndex below for the
	// actual "what changed" lookup) but kept populated so a future
	// storage-side planner can reuse it verbatim; see DESIGN.md.
	comparisonIndex map[conjunctKey]map[id.QueryId]struct{}

	// pathIndex maps (collection, path) to every query with a conjunct
	// that reads that path -- this is what NotifyEventBatch actually
	// consults to find candidate queries for a changed field.
	pathIndex map[pathKey]map[id.QueryId]struct{}

	// catchAll holds queries with at least one conjunct that isn't a
	// single (path, op, literal) comparison (an Or or Not subtree) --
	// those can't be narrowed by field, so they're always re-evaluated
	// when anything in their collection changes.
	catchAll map[id.CollectionId]map[id.QueryId]struct{}
}

func newIndexes() *indexes {
	return &indexes{
		comparisonIndex: make(map[conjunctKey]map[id.QueryId]struct{}),
		pathIndex:       make(map[pathKey]map[id.QueryId]struct{}),
		catchAll:        make(map[id.CollectionId]map[id.QueryId]struct{}),
	}
}

func (ix *indexes) register(collection id.CollectionId, qid id.QueryId, pred *predicate.Predicate) {
	for _, conjunct := range predicate.Decompose(pred) {
		switch conjunct.Kind {
		case predicate.KindComparison:
			ck := conjunctKey{Collection: collection, Path: conjunct.Path.String(), Op: conjunct.Operator, Literal: literalKey(conjunct.Literal)}
			addTo(ix.comparisonIndex, ck, qid)
			addTo(ix.pathIndex, pathKey{Collection: collection, Path: conjunct.Path.Root}, qid)
		case predicate.KindIsNull:
			addTo(ix.pathIndex, pathKey{Collection: collection, Path: conjunct.IsNullPath.Root}, qid)
		default:
			addTo(ix.catchAll, collection, qid)
		}
	}
}

func (ix *indexes) unregister(collection id.CollectionId, qid id.QueryId, pred *predicate.Predicate) {
	for _, conjunct := range predicate.Decompose(pred) {
		switch conjunct.Kind {
		case predicate.KindComparison:
			ck := conjunctKey{Collection: collection, Path: conjunct.Path.String(), Op: conjunct.Operator, Literal: literalKey(conjunct.Literal)}
			removeFrom(ix.comparisonIndex, ck, qid)
			removeFrom(ix.pathIndex, pathKey{Collection: collection, Path: conjunct.Path.Root}, qid)
		case predicate.KindIsNull:
			removeFrom(ix.pathIndex, pathKey{Collection: collection, Path: conjunct.IsNullPath.Root}, qid)
		default:
			removeFrom(ix.catchAll, collection, qid)
		}
	}
}

// candidates returns every query id that might need re-evaluation given
// that changedFields changed on an entity in collection.
func (ix *indexes) candidates(collection id.CollectionId, changedFields []string) map[id.QueryId]struct{} {
	out := map[id.QueryId]struct{}{}
	for qid := range ix.catchAll[collection] {
		out[qid] = struct{}{}
	}
	for _, field := range changedFields {
		for qid := range ix.pathIndex[pathKey{Collection: collection, Path: field}] {
			out[qid] = struct{}{}
		}
	}
	return out
}

func addTo[K comparable](m map[K]map[id.QueryId]struct{}, key K, qid id.QueryId) {
	set, ok := m[key]
	if !ok {
		set = make(map[id.QueryId]struct{})
		m[key] = set
	}
	set[qid] = struct{}{}
}

func removeFrom[K comparable](m map[K]map[id.QueryId]struct{}, key K, qid id.QueryId) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, qid)
	if len(set) == 0 {
		delete(m, key)
	}
}
