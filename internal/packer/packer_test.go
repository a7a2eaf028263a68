package packer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestRoundTripPrimitives(t *testing.T) {
	p := New()
	p.AddInt64(42)
	p.AddInt64(-300000)
	p.AddDouble(3.5)
	p.AddString("name")
	p.AddRaw([]byte{1, 2, 3})

	u := NewUnpacker(p.Bytes())

	v, err := u.Next()
	require.NoError(t, err)
	require.Equal(t, int64(42), v.Int)

	v, err = u.Next()
	require.NoError(t, err)
	require.Equal(t, int64(-300000), v.Int)

	v, err = u.Next()
	require.NoError(t, err)
	require.Equal(t, 3.5, v.Flt)

	v, err = u.Next()
	require.NoError(t, err)
	require.Equal(t, "name", v.Str)

	v, err = u.Next()
	require.NoError(t, err)
	if diff := cmp.Diff([]byte{1, 2, 3}, v.Raw); diff != "" {
		t.Fatalf("raw mismatch (-want +got):\n%s", diff)
	}
	require.True(t, u.Done())
}

func TestFixedArityContainers(t *testing.T) {
	p := New()
	p.AddMap(2)
	p.AddString("columns")
	p.AddArray(1)
	p.AddString("name")

	u := NewUnpacker(p.Bytes())
	v, err := u.Next()
	require.NoError(t, err)
	require.Equal(t, TagMapOpen, v.Tag)
	require.Equal(t, 2, v.N)

	v, err = u.Next()
	require.NoError(t, err)
	require.Equal(t, "columns", v.Str)

	v, err = u.Next()
	require.NoError(t, err)
	require.Equal(t, TagArrayOpen, v.Tag)
	require.Equal(t, 1, v.N)
}

func TestOpenCloseContainers(t *testing.T) {
	p := New()
	p.AddMap(20) // forces MAP_OPEN since >= maxFixedArity
	p.CloseMap()

	u := NewUnpacker(p.Bytes())
	v, err := u.Next()
	require.NoError(t, err)
	require.Equal(t, TagMapOpen, v.Tag)
	require.Equal(t, -1, v.N)

	v, err = u.Next()
	require.NoError(t, err)
	require.Equal(t, TagMapClose, v.Tag)
}

func TestExtendMerge(t *testing.T) {
	local := New()
	local.AddArray(20)

	peer := New()
	peer.AddString("a")
	peer.AddString("b")

	local.Extend(peer.Bytes())
	local.CloseArray()

	u := NewUnpacker(local.Bytes())
	_, err := u.Next() // ARRAY_OPEN
	require.NoError(t, err)
	v, _ := u.Next()
	require.Equal(t, "a", v.Str)
	v, _ = u.Next()
	require.Equal(t, "b", v.Str)
	v, _ = u.Next()
	require.Equal(t, TagArrayClose, v.Tag)
}

func TestTruncatedStream(t *testing.T) {
	u := NewUnpacker([]byte{byte(TagString), 0, 0, 0, 10, 'a'})
	_, err := u.Next()
	require.ErrorIs(t, err, ErrTruncated)
}

func TestCopyValueScalarsAndNestedContainers(t *testing.T) {
	src := New()
	src.AddMap(2)
	src.AddString("columns")
	src.AddArray(1)
	src.AddString("name")
	src.AddString("series")
	src.AddArray(20) // open-ended
	src.AddArray(1)
	src.AddString("a")
	src.CloseArray()

	dst := New()
	u := NewUnpacker(src.Bytes())
	require.NoError(t, CopyValue(dst, u)) // copies the whole MAP2 value in one call
	require.True(t, u.Done())

	out := NewUnpacker(dst.Bytes())
	v, err := out.Next()
	require.NoError(t, err)
	require.Equal(t, TagMapOpen, v.Tag)
	require.Equal(t, 2, v.N)

	v, _ = out.Next()
	require.Equal(t, "columns", v.Str)

	v, err = out.Next()
	require.NoError(t, err)
	require.Equal(t, TagArrayOpen, v.Tag)
	require.Equal(t, 1, v.N)

	v, _ = out.Next()
	require.Equal(t, "name", v.Str)

	v, _ = out.Next()
	require.Equal(t, "series", v.Str)

	v, err = out.Next()
	require.NoError(t, err)
	require.Equal(t, TagArrayOpen, v.Tag)
	require.Equal(t, -1, v.N) // the open-ended outer array round-trips as open-ended

	v, err = out.Next()
	require.NoError(t, err)
	require.Equal(t, TagArrayOpen, v.Tag)
	require.Equal(t, 1, v.N)

	v, _ = out.Next()
	require.Equal(t, "a", v.Str)

	v, _ = out.Next()
	require.Equal(t, TagArrayClose, v.Tag)
	require.True(t, out.Done())
}

func TestCompressedBytesDecompresses(t *testing.T) {
	p := New()
	p.AddString("hello world, this packs into a zstd frame")
	out, err := p.CompressedBytes()
	require.NoError(t, err)
	require.NotEmpty(t, out)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(out, nil)
	require.NoError(t, err)
	require.Equal(t, p.Bytes(), raw)
}
