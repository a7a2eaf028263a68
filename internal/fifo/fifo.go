// Package fifo implements the durable, append-only replication queue:
// change packets awaiting shipment to a pool's replica server, with
// idempotent peek and a read cursor that only advances on commit/commit_err.
package fifo

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
)

// PacketType mirrors the replication packet's type tag, kept separate from
// cluster.PacketType to avoid a dependency cycle (fifo is lower in the
// stack than the cluster package that drives it).
type PacketType uint8

// Record is one durable replication packet: {len, type, body}.
type Record struct {
	Type PacketType
	Body []byte
}

// FIFO is a single-segment on-disk log with independent read and write
// cursors. Records are never re-ordered; Peek is idempotent; Commit and
// CommitErr both advance the read cursor past the last peeked record. The
// FIFO keeps no record of which of the two was used.
type FIFO struct {
	mu sync.Mutex

	path       string
	cursorPath string
	f          *os.File

	writeOffset int64
	readOffset  int64
	committedAt int64

	peeked    *Record
	peekedLen int64
}

// segmentMagic guards against opening an unrelated file as a FIFO segment.
const segmentMagic = "CHRF"

// New opens (creating if necessary) a single-segment FIFO log rooted at
// dir/replicate.fifo. A production deployment would roll segments by size;
// chronodb's coordination layer only needs the cursor semantics, so a
// single growing segment file is sufficient here; the on-disk shard/segment
// rotation strategy belongs to the storage engine, not this package.
func New(dir string) (*FIFO, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fifo: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "replicate.fifo")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fifo: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fifo: stat %s: %w", path, err)
	}

	cursorPath := filepath.Join(dir, "replicate.cursor")
	readOffset, err := readCursor(cursorPath)
	if err != nil {
		f.Close()
		return nil, err
	}

	ff := &FIFO{
		path:        path,
		f:           f,
		writeOffset: info.Size(),
		readOffset:  readOffset,
		cursorPath:  cursorPath,
	}
	return ff, nil
}

func readCursor(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fifo: read cursor %s: %w", path, err)
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("fifo: corrupt cursor file %s", path)
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func writeCursor(path string, offset int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(offset))
	return os.WriteFile(path, b[:], 0o644)
}

// Push appends a record at the tail of the log. The body is snappy
// compressed on disk: replication bodies are repeated point-array shapes
// that compress well under a fast, low-ratio codec suited to per-message
// framing.
func (ff *FIFO) Push(rec Record) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	compressed := snappy.Encode(nil, rec.Body)

	if _, err := ff.f.Seek(ff.writeOffset, io.SeekStart); err != nil {
		return fmt.Errorf("fifo: seek to tail: %w", err)
	}
	w := bufio.NewWriter(ff.f)
	var hdr [9]byte
	copy(hdr[:4], segmentMagic)
	hdr[4] = byte(rec.Type)
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(compressed)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("fifo: write header: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("fifo: write body: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("fifo: flush: %w", err)
	}

	ff.writeOffset += int64(len(hdr)) + int64(len(compressed))
	return nil
}

// HasData reports whether any unread record remains.
func (ff *FIFO) HasData() bool {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.peeked != nil || ff.readOffset < ff.writeOffset
}

// Peek returns the next unread record without advancing the cursor.
// Repeated calls without an intervening Commit/CommitErr return the same
// record.
func (ff *FIFO) Peek() (*Record, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.peekLocked()
}

func (ff *FIFO) peekLocked() (*Record, error) {
	if ff.peeked != nil {
		return ff.peeked, nil
	}
	if ff.readOffset >= ff.writeOffset {
		return nil, nil
	}

	if _, err := ff.f.Seek(ff.readOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("fifo: seek to read offset: %w", err)
	}
	var hdr [9]byte
	if _, err := io.ReadFull(ff.f, hdr[:]); err != nil {
		return nil, fmt.Errorf("fifo: read header: %w", err)
	}
	if string(hdr[:4]) != segmentMagic {
		return nil, fmt.Errorf("fifo: corrupt segment at offset %d", ff.readOffset)
	}
	typ := PacketType(hdr[4])
	bodyLen := binary.LittleEndian.Uint32(hdr[5:9])

	compressed := make([]byte, bodyLen)
	if _, err := io.ReadFull(ff.f, compressed); err != nil {
		return nil, fmt.Errorf("fifo: read body: %w", err)
	}
	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("fifo: decompress body: %w", err)
	}

	ff.peeked = &Record{Type: typ, Body: body}
	ff.peekedLen = int64(len(hdr)) + int64(bodyLen)
	return ff.peeked, nil
}

// Commit durably drops the last-peeked record by advancing the read cursor
// past it.
func (ff *FIFO) Commit() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.advanceLocked()
}

// CommitErr advances the cursor past the last-peeked record exactly as
// Commit does. It neither logs nor marks the record as possibly failed;
// the two calls differ only in name at the call site.
func (ff *FIFO) CommitErr() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.advanceLocked()
}

func (ff *FIFO) advanceLocked() error {
	if ff.peeked == nil {
		return fmt.Errorf("fifo: commit with nothing peeked")
	}
	next := ff.readOffset + ff.peekedLen
	if next < ff.readOffset {
		return fmt.Errorf("fifo: commit offset would regress")
	}
	ff.readOffset = next
	ff.peeked = nil
	ff.peekedLen = 0
	ff.committedAt = ff.readOffset
	if err := writeCursor(ff.cursorPath, ff.readOffset); err != nil {
		return fmt.Errorf("fifo: persist cursor: %w", err)
	}
	return nil
}

// ReadOffset reports the current committed read cursor, for tests
// asserting FIFO monotonicity.
func (ff *FIFO) ReadOffset() int64 {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.readOffset
}

// Close closes the underlying file; each Push has already flushed its
// record.
func (ff *FIFO) Close() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.f.Close()
}
