package cexpr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEntity map[string]interface{}

func (f fakeEntity) Property(name string) (interface{}, bool) {
	v, ok := f[name]
	return v, ok
}

func TestCompareOperators(t *testing.T) {
	e := fakeEntity{"n": int64(5), "name": "abc"}

	require.True(t, Cmp(OpEq, "n", int64(5)).Eval(e))
	require.True(t, Cmp(OpGt, "n", int64(4)).Eval(e))
	require.True(t, Cmp(OpLe, "n", int64(5)).Eval(e))
	require.False(t, Cmp(OpLt, "n", int64(5)).Eval(e))
	require.True(t, Cmp(OpEq, "name", "abc").Eval(e))
}

func TestMissingPropertyIsFalse(t *testing.T) {
	e := fakeEntity{}
	require.False(t, Cmp(OpEq, "missing", int64(1)).Eval(e))
}

func TestAndOrNot(t *testing.T) {
	e := fakeEntity{"n": int64(10)}
	require.True(t, And(Cmp(OpGt, "n", int64(5)), Cmp(OpLt, "n", int64(20))).Eval(e))
	require.False(t, And(Cmp(OpGt, "n", int64(5)), Cmp(OpGt, "n", int64(20))).Eval(e))
	require.True(t, Or(Cmp(OpGt, "n", int64(500)), Cmp(OpLt, "n", int64(20))).Eval(e))
	require.True(t, Not(Cmp(OpGt, "n", int64(500))).Eval(e))
}

func TestMatch(t *testing.T) {
	e := fakeEntity{"name": "cpu.load.1m"}
	m, err := Match("name", `^cpu\.`)
	require.NoError(t, err)
	require.True(t, m.Eval(e))

	m2, err := Match("name", `^mem\.`)
	require.NoError(t, err)
	require.False(t, m2.Eval(e))
}

func TestCompileSimpleComparison(t *testing.T) {
	e, err := Compile(`name = 'cpu.load'`)
	require.NoError(t, err)
	require.True(t, e.Eval(fakeEntity{"name": "cpu.load"}))
	require.False(t, e.Eval(fakeEntity{"name": "mem.free"}))
}

func TestCompileAndOrNotPrecedence(t *testing.T) {
	e, err := Compile(`pool = 1 AND (servers >= 2 OR NOT online = true)`)
	require.NoError(t, err)

	require.True(t, e.Eval(fakeEntity{"pool": int64(1), "servers": int64(3), "online": false}))
	require.False(t, e.Eval(fakeEntity{"pool": int64(2), "servers": int64(3), "online": false}))
	require.True(t, e.Eval(fakeEntity{"pool": int64(1), "servers": int64(0), "online": false}))
	require.False(t, e.Eval(fakeEntity{"pool": int64(1), "servers": int64(0), "online": true}))
}

func TestCompileRegexMatch(t *testing.T) {
	e, err := Compile(`name =~ '^cpu\.'`)
	require.NoError(t, err)
	require.True(t, e.Eval(fakeEntity{"name": "cpu.load.1m"}))
	require.False(t, e.Eval(fakeEntity{"name": "mem.free"}))
}

func TestCompileRejectsMalformed(t *testing.T) {
	_, err := Compile(`name =`)
	require.Error(t, err)

	_, err = Compile(`(name = 'a'`)
	require.Error(t, err)
}

func TestDepth(t *testing.T) {
	leaf := Cmp(OpEq, "n", int64(1))
	require.Equal(t, 1, leaf.Depth())

	nested := And(Or(leaf, leaf), Not(leaf))
	require.Equal(t, 3, nested.Depth())
}
