package predicate

import (
	"encoding/json"
	"testing"

	"github.com/ankurah-go/ankurah/pkg/value"
	"github.com/stretchr/testify/require"
)

func values(kv map[string]value.Value) map[string]value.Value { return kv }

func TestSimpleComparison(t *testing.T) {
	p := Comparison(NewPropertyPath("age"), OpGt, value.I64(25))
	ok, err := p.Evaluate(values(map[string]value.Value{"age": value.I64(30)}))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Evaluate(values(map[string]value.Value{"age": value.I64(10)}))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsNull(t *testing.T) {
	p := IsNull(NewPropertyPath("archived_by"))
	ok, err := p.Evaluate(values(map[string]value.Value{}))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Evaluate(values(map[string]value.Value{"archived_by": value.String("x")}))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAndOrNot(t *testing.T) {
	age := Comparison(NewPropertyPath("age"), OpGt, value.I64(25))
	name := Comparison(NewPropertyPath("name"), OpEq, value.String("Alice"))
	and := And(age, name)
	or := Or(age, name)
	not := Not(age)

	vals := values(map[string]value.Value{"age": value.I64(10), "name": value.String("Alice")})
	ok, err := and.Evaluate(vals)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = or.Evaluate(vals)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = not.Evaluate(vals)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestJSONSubPath(t *testing.T) {
	p := Comparison(NewPropertyPath("context.task_id"), OpEq, value.JSON(json.RawMessage(`"t-1"`)))
	vals := values(map[string]value.Value{"context": value.JSON(json.RawMessage(`{"task_id":"t-1"}`))})
	ok, err := p.Evaluate(vals)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDecomposeFlattenAnd(t *testing.T) {
	age := Comparison(NewPropertyPath("age"), OpGt, value.I64(25))
	name := Comparison(NewPropertyPath("name"), OpEq, value.String("Alice"))
	score := Comparison(NewPropertyPath("score"), OpLt, value.I64(100))

	tree := And(And(age, name), score)
	conjuncts := Decompose(tree)
	require.Len(t, conjuncts, 3)
	require.Same(t, age, conjuncts[0])
	require.Same(t, name, conjuncts[1])
	require.Same(t, score, conjuncts[2])
}

func TestDecomposeOrBlocksExtraction(t *testing.T) {
	age := Comparison(NewPropertyPath("age"), OpGt, value.I64(25))
	name := Comparison(NewPropertyPath("name"), OpEq, value.String("Alice"))
	score := Comparison(NewPropertyPath("score"), OpEq, value.I64(100))

	tree := And(score, Or(age, name))
	conjuncts := Decompose(tree)
	require.Len(t, conjuncts, 2)
	require.Same(t, score, conjuncts[0])
	require.Equal(t, KindOr, conjuncts[1].Kind)
}
