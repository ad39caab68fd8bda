// Package predicate defines the selection AST evaluated against entity
// property values: comparisons, null checks, and boolean combinators,
// plus the property-path addressing used to pull a value out of an
// entity (including JSON sub-paths). Grounded on
// original_source/core/src/reactor/property_path.rs and
// original_source/storage/common/src/predicate.rs.
package predicate

import (
	"strings"

	"github.com/ankurah-go/ankurah/pkg/value"
)

// Op is a comparison operator.
type Op uint8

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNeq:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	}
	return "?"
}

// PropertyPath addresses a property, optionally descending into a JSON
// sub-path: "context.task_id" is root "context", sub-path ["task_id"].
type PropertyPath struct {
	Root    string
	SubPath []string
}

// NewPropertyPath splits a dotted field reference into root + sub-path.
func NewPropertyPath(field string) PropertyPath {
	steps := strings.Split(field, ".")
	return PropertyPath{Root: steps[0], SubPath: append([]string(nil), steps[1:]...)}
}

func (p PropertyPath) IsSimple() bool { return len(p.SubPath) == 0 }

func (p PropertyPath) String() string {
	if p.IsSimple() {
		return p.Root
	}
	return p.Root + "." + strings.Join(p.SubPath, ".")
}

// ExtractValue pulls p's value out of a property-value map (as produced
// by property.Backend.PropertyValues), following the sub-path into JSON
// values and keeping the result wrapped as value.KindJSON so it matches
// how predicate literals are represented once resolved against an index.
func (p PropertyPath) ExtractValue(values map[string]value.Value) (value.Value, bool) {
	root, ok := values[p.Root]
	if !ok {
		return value.Value{}, false
	}
	if p.IsSimple() {
		return root, true
	}
	return root.Get(p.SubPath)
}

// Predicate is the selection AST. Exactly one of the typed fields is
// populated, discriminated by Kind -- Go's answer to the original's enum,
// matching the representation already chosen for property.Value.
type Kind uint8

const (
	KindComparison Kind = iota
	KindIsNull
	KindAnd
	KindOr
	KindNot
)

type Predicate struct {
	Kind Kind

	// KindComparison
	Path     PropertyPath
	Operator Op
	Literal  value.Value

	// KindIsNull
	IsNullPath PropertyPath

	// KindAnd / KindOr
	Left, Right *Predicate

	// KindNot
	Operand *Predicate
}

func Comparison(path PropertyPath, op Op, literal value.Value) *Predicate {
	return &Predicate{Kind: KindComparison, Path: path, Operator: op, Literal: literal}
}

func IsNull(path PropertyPath) *Predicate {
	return &Predicate{Kind: KindIsNull, IsNullPath: path}
}

func And(left, right *Predicate) *Predicate { return &Predicate{Kind: KindAnd, Left: left, Right: right} }
func Or(left, right *Predicate) *Predicate  { return &Predicate{Kind: KindOr, Left: left, Right: right} }
func Not(operand *Predicate) *Predicate     { return &Predicate{Kind: KindNot, Operand: operand} }

// Evaluate tests the predicate against a property-value map.
func (p *Predicate) Evaluate(values map[string]value.Value) (bool, error) {
	switch p.Kind {
	case KindComparison:
		v, ok := p.Path.ExtractValue(values)
		if !ok {
			return false, nil
		}
		return evalComparison(v, p.Operator, p.Literal)
	case KindIsNull:
		v, ok := p.IsNullPath.ExtractValue(values)
		return !ok || v.Kind == value.KindNull, nil
	case KindAnd:
		l, err := p.Left.Evaluate(values)
		if err != nil || !l {
			return false, err
		}
		return p.Right.Evaluate(values)
	case KindOr:
		l, err := p.Left.Evaluate(values)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return p.Right.Evaluate(values)
	case KindNot:
		v, err := p.Operand.Evaluate(values)
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	return false, nil
}

func evalComparison(v value.Value, op Op, literal value.Value) (bool, error) {
	if op == OpEq {
		return v.Equal(literal), nil
	}
	if op == OpNeq {
		return !v.Equal(literal), nil
	}
	cmp, err := v.Compare(literal)
	if err != nil {
		return false, err
	}
	switch op {
	case OpLt:
		return cmp < 0, nil
	case OpLte:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGte:
		return cmp >= 0, nil
	}
	return false, nil
}

// Decompose extracts top-level conjuncts from a predicate tree: terms
// joined by AND at the root are split apart for independent index
// planning, while an OR subtree is kept intact as a single conjunct
// since it needs different evaluation logic (any branch may satisfy it).
// Ported from ConjunctFinder in
// original_source/storage/common/src/predicate.rs.
func Decompose(p *Predicate) []*Predicate {
	var conjuncts []*Predicate
	extractConjuncts(p, &conjuncts)
	return conjuncts
}

func extractConjuncts(p *Predicate, out *[]*Predicate) {
	if p.Kind == KindAnd {
		extractConjuncts(p.Left, out)
		extractConjuncts(p.Right, out)
		return
	}
	*out = append(*out, p)
}
