package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqualStructural(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int equal", Int(3), Int(3), true},
		{"int vs float widen", Int(3), Float(3.0), true},
		{"nan never equal", Float(math.NaN()), Float(math.NaN()), false},
		{"nan not equal to self literal", Float(math.NaN()), Float(math.NaN()), false},
		{"string equal", Str("a"), Str("a"), true},
		{"list structural", List([]Value{Int(1), Str("x")}), List([]Value{Int(1), Str("x")}), true},
		{"list different length", List([]Value{Int(1)}), List([]Value{Int(1), Int(2)}), false},
		{"map structural", Map(map[string]Value{"a": Int(1)}), Map(map[string]Value{"a": Int(1)}), true},
		{"null equal null", Null, Null, true},
		{"node identity only", NodeVal(Node{ID: 1, Labels: []string{"A"}}), NodeVal(Node{ID: 1, Labels: []string{"B"}}), true},
		{"different kinds", Str("1"), Int(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestThreeValuedLogic(t *testing.T) {
	require.Equal(t, Bool(false), And(Bool(false), Null))
	require.Equal(t, Null, And(Bool(true), Null))
	require.Equal(t, Bool(true), Or(Bool(true), Null))
	require.Equal(t, Null, Or(Bool(false), Null))
	require.Equal(t, Null, Not(Null))
	require.Equal(t, Bool(false), Not(Bool(true)))
}

func TestCompareNaNGreatestNullLast(t *testing.T) {
	vals := []Value{Float(math.NaN()), Int(2), Null, Int(1)}
	SortValues(vals, false)
	require.Equal(t, int64(1), vals[0].AsInt())
	require.Equal(t, int64(2), vals[1].AsInt())
	assert.True(t, math.IsNaN(vals[2].AsFloat()))
	assert.True(t, vals[3].IsNull())
}

func TestArithmeticNullPropagation(t *testing.T) {
	assert.True(t, Add(Int(1), Null).IsNull())
	assert.Equal(t, Int(3), Add(Int(1), Int(2)))
	assert.Equal(t, Float(3.5), Add(Int(1), Float(2.5)))
	assert.True(t, Div(Int(1), Int(0)).IsNull())
}

func TestStringOpsNullPropagation(t *testing.T) {
	assert.True(t, StartsWith(Null, Str("a")).IsNull())
	assert.Equal(t, Bool(true), StartsWith(Str("abc"), Str("ab")))
	assert.Equal(t, Bool(true), Contains(Str("abc"), Str("b")))
}

func TestCoercions(t *testing.T) {
	assert.Equal(t, Int(42), ToInteger(Str("42")))
	assert.True(t, ToInteger(Str("nope")).IsNull())
	assert.Equal(t, Float(1.5), ToFloat(Str("1.5")))
	assert.Equal(t, Str("3"), ToStringValue(Int(3)))
	assert.Equal(t, Bool(true), ToBoolean(Str("true")))
	assert.True(t, ToBoolean(Str("maybe")).IsNull())
}
