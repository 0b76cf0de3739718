package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for name, want := range map[string]Type{
		"string": TypeString,
		"int":    TypeInt,
		"long":   TypeInt,
		"float":  TypeFloat,
		"double": TypeFloat,
		"bool":   TypeBool,
	} {
		got, err := ParseType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseType("decimal")
	assert.Error(t, err)
}

func TestCompare_SameKind(t *testing.T) {
	cmp, err := Compare(Int(1), Int(2))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = Compare(String("b"), String("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	cmp, err = Compare(Float(1.5), Float(1.5))
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)

	cmp, err = Compare(Bool(true), Bool(true))
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)
}

func TestCompare_NumericPromotion(t *testing.T) {
	cmp, err := Compare(Int(125), Float(125.0))
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)

	cmp, err = Compare(Float(99.5), Int(100))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestCompare_Incomparable(t *testing.T) {
	_, err := Compare(String("x"), Int(1))
	assert.Error(t, err)

	_, err = Compare(Bool(true), Int(1))
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Int(7), Float(7)))
	assert.True(t, Equal(String("a"), String("a")))
	assert.False(t, Equal(String("a"), Int(1)))
	assert.False(t, Equal(Bool(true), Bool(false)))
	assert.True(t, Equal(Null{}, Null{}))
}

func TestValue_String(t *testing.T) {
	assert.Equal(t, "125", Int(125).String())
	assert.Equal(t, "1.5", Float(1.5).String())
	assert.Equal(t, "true", Bool(true).String())
	assert.Equal(t, "null", Null{}.String())
}
