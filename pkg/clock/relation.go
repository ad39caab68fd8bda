package clock

import "github.com/ankurah-go/ankurah/pkg/id"

// RelationKind discriminates CausalRelation, mirroring
// original_source/core/src/event_dag/relation.rs::AbstractCausalRelation.
type RelationKind uint8

const (
	RelationEqual RelationKind = iota
	RelationStrictDescends
	RelationStrictAscends
	RelationDivergedSince
	RelationDisjoint
	RelationBudgetExceeded
)

// Relation is the outcome of comparing a subject clock against another
// clock over the same event DAG, per spec.md section 3.
type Relation struct {
	Kind RelationKind

	// StrictDescends
	Chain []id.EventId // oldest -> newest, from other's tip to subject's tip

	// DivergedSince
	Meet         []id.EventId
	Subject      []id.EventId
	Other        []id.EventId
	SubjectChain []id.EventId
	OtherChain   []id.EventId

	// Disjoint
	GCA         []id.EventId
	SubjectRoot id.EventId
	OtherRoot   id.EventId

	// BudgetExceeded (resumable frontiers)
	PendingSubject []id.EventId
	PendingOther   []id.EventId
}

// Invert swaps the subject/other perspective: compare(A,B) == Invert(compare(B,A)).
func (r Relation) Invert() Relation {
	switch r.Kind {
	case RelationEqual:
		return r
	case RelationStrictDescends:
		return Relation{Kind: RelationStrictAscends}
	case RelationStrictAscends:
		return Relation{Kind: RelationStrictDescends, Chain: r.Chain}
	case RelationDivergedSince:
		return Relation{
			Kind:         RelationDivergedSince,
			Meet:         r.Meet,
			Subject:      r.Other,
			Other:        r.Subject,
			SubjectChain: r.OtherChain,
			OtherChain:   r.SubjectChain,
		}
	case RelationDisjoint:
		return Relation{
			Kind:        RelationDisjoint,
			GCA:         r.GCA,
			SubjectRoot: r.OtherRoot,
			OtherRoot:   r.SubjectRoot,
		}
	case RelationBudgetExceeded:
		return Relation{Kind: RelationBudgetExceeded, PendingSubject: r.PendingOther, PendingOther: r.PendingSubject}
	}
	return r
}
