// Package packer implements the self-describing typed byte stream used for
// query request/response payloads (the wire protocol's "packer" format).
package packer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Tag identifies the type of the value that follows in the byte stream.
type Tag byte

// Primitive and structural tags. Fixed-arity MAPn/ARRAYn variants collapse
// common small container sizes into a single byte instead of an open/close
// pair.
const (
	TagInt8 Tag = iota + 1
	TagInt16
	TagInt32
	TagInt64
	TagDouble
	TagRaw
	TagString
	TagArrayOpen
	TagArrayClose
	TagMapOpen
	TagMapClose
	tagArrayNBase  = 32 // ARRAYn for n in [0,16)
	tagMapNBase    = 48 // MAPn for n in [0,16)
	maxFixedArity  = 16
)

// ErrTruncated is returned when the buffer ends mid-value.
var ErrTruncated = errors.New("packer: truncated stream")

// ErrUnknownTag is returned when decoding encounters a byte that isn't a
// recognized Tag.
var ErrUnknownTag = errors.New("packer: unknown tag")

// Packer accumulates a packer-encoded byte stream. It is the mutable buffer
// that query handlers append response fields into, opening with a MAP_OPEN
// prefix by convention.
type Packer struct {
	buf bytes.Buffer
}

// New returns an empty Packer.
func New() *Packer { return &Packer{} }

// Bytes returns the accumulated encoded stream.
func (p *Packer) Bytes() []byte { return p.buf.Bytes() }

// Reset empties the packer for reuse.
func (p *Packer) Reset() { p.buf.Reset() }

// Len reports the number of encoded bytes so far.
func (p *Packer) Len() int { return p.buf.Len() }

func (p *Packer) AddInt64(v int64) {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		p.buf.WriteByte(byte(TagInt8))
		p.buf.WriteByte(byte(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		p.buf.WriteByte(byte(TagInt16))
		binary.Write(&p.buf, binary.LittleEndian, int16(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		p.buf.WriteByte(byte(TagInt32))
		binary.Write(&p.buf, binary.LittleEndian, int32(v))
	default:
		p.buf.WriteByte(byte(TagInt64))
		binary.Write(&p.buf, binary.LittleEndian, v)
	}
}

func (p *Packer) AddDouble(v float64) {
	p.buf.WriteByte(byte(TagDouble))
	binary.Write(&p.buf, binary.LittleEndian, v)
}

func (p *Packer) AddRaw(b []byte) {
	p.buf.WriteByte(byte(TagRaw))
	binary.Write(&p.buf, binary.LittleEndian, uint32(len(b)))
	p.buf.Write(b)
}

func (p *Packer) AddString(s string) {
	p.buf.WriteByte(byte(TagString))
	binary.Write(&p.buf, binary.LittleEndian, uint32(len(s)))
	p.buf.WriteString(s)
}

// AddMap writes a fixed-arity map header (MAPn) when n < 16, falling back
// to MAP_OPEN; the caller writes n key/value pairs and, for the open form,
// must call CloseMap.
func (p *Packer) AddMap(n int) {
	if n >= 0 && n < maxFixedArity {
		p.buf.WriteByte(byte(tagMapNBase + n))
		return
	}
	p.buf.WriteByte(byte(TagMapOpen))
}

func (p *Packer) CloseMap() { p.buf.WriteByte(byte(TagMapClose)) }

// AddArray writes a fixed-arity array header (ARRAYn) when n < 16, falling
// back to ARRAY_OPEN; the caller appends n values and, for the open form,
// must call CloseArray.
func (p *Packer) AddArray(n int) {
	if n >= 0 && n < maxFixedArity {
		p.buf.WriteByte(byte(tagArrayNBase + n))
		return
	}
	p.buf.WriteByte(byte(TagArrayOpen))
}

func (p *Packer) CloseArray() { p.buf.WriteByte(byte(TagArrayClose)) }

// Extend appends another packer's raw bytes verbatim; used when merging a
// peer's partial response into the local packer.
func (p *Packer) Extend(raw []byte) { p.buf.Write(raw) }

// CompressedBytes returns a zstd-compressed copy of the encoded stream.
// Large merged peer payloads (e.g. a `list series` response spanning many
// pools) are compressed before handing back to the (external) transport
// collaborator.
func (p *Packer) CompressedBytes() ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("packer: new zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(p.Bytes(), nil), nil
}

// Value is a decoded packer entry; Unpacker yields a stream of these.
type Value struct {
	Tag Tag
	Int int64
	Flt float64
	Str string
	Raw []byte
	// N is the fixed arity for MAPn/ARRAYn tags.
	N int
}

// Unpacker reads a packer-encoded stream produced by Packer (or a peer
// node's equivalent encoder).
type Unpacker struct {
	b   []byte
	pos int
}

// NewUnpacker wraps raw bytes for sequential decoding.
func NewUnpacker(b []byte) *Unpacker { return &Unpacker{b: b} }

// Done reports whether the stream is exhausted.
func (u *Unpacker) Done() bool { return u.pos >= len(u.b) }

// Next decodes and returns the next Value.
func (u *Unpacker) Next() (Value, error) {
	if u.pos >= len(u.b) {
		return Value{}, ErrTruncated
	}
	tag := Tag(u.b[u.pos])
	u.pos++

	switch {
	case tag >= tagMapNBase && int(tag) < tagMapNBase+maxFixedArity:
		return Value{Tag: TagMapOpen, N: int(tag) - tagMapNBase}, nil
	case tag >= tagArrayNBase && int(tag) < tagArrayNBase+maxFixedArity:
		return Value{Tag: TagArrayOpen, N: int(tag) - tagArrayNBase}, nil
	}

	switch tag {
	case TagInt8:
		v, err := u.readByte()
		return Value{Tag: tag, Int: int64(int8(v))}, err
	case TagInt16:
		v, err := u.readN(2)
		return Value{Tag: tag, Int: int64(int16(binary.LittleEndian.Uint16(v)))}, err
	case TagInt32:
		v, err := u.readN(4)
		return Value{Tag: tag, Int: int64(int32(binary.LittleEndian.Uint32(v)))}, err
	case TagInt64:
		v, err := u.readN(8)
		return Value{Tag: tag, Int: int64(binary.LittleEndian.Uint64(v))}, err
	case TagDouble:
		v, err := u.readN(8)
		if err != nil {
			return Value{}, err
		}
		bits := binary.LittleEndian.Uint64(v)
		return Value{Tag: tag, Flt: math.Float64frombits(bits)}, nil
	case TagRaw:
		n, err := u.readLen()
		if err != nil {
			return Value{}, err
		}
		b, err := u.readN(n)
		return Value{Tag: tag, Raw: b}, err
	case TagString:
		n, err := u.readLen()
		if err != nil {
			return Value{}, err
		}
		b, err := u.readN(n)
		return Value{Tag: tag, Str: string(b)}, err
	case TagArrayOpen, TagMapOpen:
		// N == -1 distinguishes the genuinely open-ended form (read until a
		// matching Close tag) from a fixed-arity MAPn/ARRAYn whose N was
		// folded into this same Tag above, where N >= 0.
		return Value{Tag: tag, N: -1}, nil
	case TagArrayClose, TagMapClose:
		return Value{Tag: tag}, nil
	default:
		return Value{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, byte(tag))
	}
}

func (u *Unpacker) readByte() (byte, error) {
	if u.pos >= len(u.b) {
		return 0, ErrTruncated
	}
	v := u.b[u.pos]
	u.pos++
	return v, nil
}

func (u *Unpacker) readN(n int) ([]byte, error) {
	if u.pos+n > len(u.b) {
		return nil, ErrTruncated
	}
	b := u.b[u.pos : u.pos+n]
	u.pos += n
	return b, nil
}

func (u *Unpacker) readLen() (int, error) {
	b, err := u.readN(4)
	if err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint32(b)), nil
}

// CopyValue reads exactly one value from src (scalar, or a full
// array/map including nested children) and re-encodes it into dst. Used to
// merge a peer's partial response rows into the local packer
// without decoding into an intermediate Go value.
func CopyValue(dst *Packer, src *Unpacker) error {
	v, err := src.Next()
	if err != nil {
		return err
	}
	return copyValueFrom(dst, src, v)
}

func copyValueFrom(dst *Packer, src *Unpacker, v Value) error {
	switch v.Tag {
	case TagInt8, TagInt16, TagInt32, TagInt64:
		dst.AddInt64(v.Int)
		return nil
	case TagDouble:
		dst.AddDouble(v.Flt)
		return nil
	case TagRaw:
		dst.AddRaw(v.Raw)
		return nil
	case TagString:
		dst.AddString(v.Str)
		return nil
	case TagMapOpen:
		return copyContainer(dst, src, v, true)
	case TagArrayOpen:
		return copyContainer(dst, src, v, false)
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownTag, byte(v.Tag))
	}
}

func copyContainer(dst *Packer, src *Unpacker, v Value, isMap bool) error {
	if isMap {
		dst.AddMap(v.N)
	} else {
		dst.AddArray(v.N)
	}

	if v.N >= 0 {
		count := v.N
		if isMap {
			count = v.N * 2
		}
		for i := 0; i < count; i++ {
			if err := CopyValue(dst, src); err != nil {
				return err
			}
		}
		return nil
	}

	closeTag := TagArrayClose
	if isMap {
		closeTag = TagMapClose
	}
	for {
		next, err := src.Next()
		if err != nil {
			return err
		}
		if next.Tag == closeTag {
			break
		}
		if err := copyValueFrom(dst, src, next); err != nil {
			return err
		}
	}
	if isMap {
		dst.CloseMap()
	} else {
		dst.CloseArray()
	}
	return nil
}
