package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsAndAccessors(t *testing.T) {
	u := NewUint(7)
	i, ok := u.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(7), i)

	s := NewInt(-3)
	uu, ok := s.AsUint()
	require.True(t, ok)
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFD), uu)

	b := NewBool(true)
	bu, ok := b.AsUint()
	require.True(t, ok)
	assert.Equal(t, uint64(1), bu)

	str := NewString("abc")
	assert.Equal(t, Kind(String), str.Kind)
	assert.Equal(t, "abc", str.Str)
}

func TestEqual(t *testing.T) {
	a := NewRecord(map[string]Value{
		"DTCId": NewUint(0x1234),
		"FTB":   NewUint(0x15),
	})
	b := NewRecord(map[string]Value{
		"DTCId": NewUint(0x1234),
		"FTB":   NewUint(0x15),
	})
	assert.True(t, Equal(a, b))

	c := NewArray([]Value{NewUint(1), NewUint(2)})
	d := NewArray([]Value{NewUint(1), NewUint(2)})
	e := NewArray([]Value{NewUint(1)})
	assert.True(t, Equal(c, d))
	assert.False(t, Equal(c, e))

	assert.False(t, Equal(NewUint(1), NewInt(1)))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "uint", Uint.String())
	assert.Equal(t, "record", Record.String())
	assert.Equal(t, "invalid", Kind(99).String())
}
