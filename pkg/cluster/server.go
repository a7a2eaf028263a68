package cluster

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chronodb/chronodb/internal/promise"
)

// Flag is a bit in a Server's state bitset.
type Flag uint32

const (
	FlagConnected Flag = 1 << iota
	FlagAuthenticated
	FlagSynchronizing
)

// Response is one inbound wire packet matched back to its originating
// promise by pid.
type Response struct {
	Type PacketType
	Body []byte
}

// Sender abstracts the outbound byte transport a Server uses to deliver a
// packet to its peer. This is the named "TCP socket layer" collaborator;
// chronodb depends only on this interface, never on socket plumbing itself.
type Sender interface {
	// Send writes pkg and returns a channel that yields the matched
	// Response once received, or is closed without a value on connection
	// loss. A non-nil error means the write itself failed synchronously
	// (promise.StatusWriteError).
	Send(ctx context.Context, pkg Packet) (resp <-chan Response, err error)
}

// Packet carries the pid, type and body of a wire envelope; it has no
// length or checksum field.
type Packet struct {
	PID      uint64
	Type     PacketType
	Body     []byte
}

// PacketType enumerates the wire packet types.
type PacketType uint8

const (
	PacketQueryRequest PacketType = iota
	PacketQueryResponse
	PacketBPQueryPool
	PacketBPQueryServer
	PacketReplFinished
	PacketAckReplFinished
	// PacketErrorBase and above are the error range, tested by is_error(type).
	PacketErrorBase PacketType = 0x80
)

// IsError reports whether a packet type is in the error range.
func IsError(t PacketType) bool { return t >= PacketErrorBase }

// Server is the identity and connection state of one cluster member.
// The local server record is exclusively owned by the
// Database/Runtime; remote records are shared and reference-counted because
// in-flight promises may pin them — Acquire/Release implement that
// lifecycle explicitly instead of relying on a GC finalizer or refcounted
// pointer.
type Server struct {
	UUID uuid.UUID
	Name string
	Pool uint16

	flags uint32 // atomic bitset of Flag
	refs  int32  // atomic refcount; local server is pinned at 1 forever

	sender Sender
	clock  *promise.Clock
	nextID uint64

	reqs chan sendReq
	dead int32
}

type sendReq struct {
	ctx     context.Context
	pkg     Packet
	timeout time.Duration
	cb      promise.Callback
}

// NewServer constructs a server record bound to the given outbound sender.
// A nil sender is valid for bootstrapping a record before its connection is
// established; SendPkg resolves its promise with StatusWriteError until
// SetSender is called.
func NewServer(id uuid.UUID, name string, pool uint16, sender Sender) *Server {
	s := &Server{
		UUID:   id,
		Name:   name,
		Pool:   pool,
		sender: sender,
		clock:  promise.NewClock(),
		refs:   1,
		reqs:   make(chan sendReq, 16),
	}
	go s.handleReqs()
	return s
}

// SetSender rebinds the outbound transport, e.g. after a reconnect.
func (s *Server) SetSender(sender Sender) { s.sender = sender }

// Acquire increments the reference count; callers (e.g. an enter-handler
// resolving `alter_server` by name) must pair every Acquire with exactly
// one Release along every terminal path.
func (s *Server) Acquire() { atomic.AddInt32(&s.refs, 1) }

// Release decrements the reference count.
func (s *Server) Release() { atomic.AddInt32(&s.refs, -1) }

// RefCount reports the current reference count, for tests and assertions.
func (s *Server) RefCount() int32 { return atomic.LoadInt32(&s.refs) }

func (s *Server) setFlag(f Flag)   { atomicOr(&s.flags, uint32(f)) }
func (s *Server) clearFlag(f Flag) { atomicAnd(&s.flags, ^uint32(f)) }
func (s *Server) hasFlag(f Flag) bool {
	return atomic.LoadUint32(&s.flags)&uint32(f) == uint32(f)
}

func atomicOr(addr *uint32, bits uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return
		}
	}
}

func atomicAnd(addr *uint32, bits uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&bits) {
			return
		}
	}
}

// SetConnected marks (or clears) the CONNECTED flag.
func (s *Server) SetConnected(v bool) {
	if v {
		s.setFlag(FlagConnected)
	} else {
		s.clearFlag(FlagConnected)
	}
}

// SetAuthenticated marks (or clears) the AUTHENTICATED flag.
func (s *Server) SetAuthenticated(v bool) {
	if v {
		s.setFlag(FlagAuthenticated)
	} else {
		s.clearFlag(FlagAuthenticated)
	}
}

// SetSynchronizing marks (or clears) the SYNCHRONIZING flag.
func (s *Server) SetSynchronizing(v bool) {
	if v {
		s.setFlag(FlagSynchronizing)
	} else {
		s.clearFlag(FlagSynchronizing)
	}
}

// IsConnected reports the CONNECTED flag.
func (s *Server) IsConnected() bool { return s.hasFlag(FlagConnected) }

// IsAuthenticated reports the AUTHENTICATED flag.
func (s *Server) IsAuthenticated() bool { return s.hasFlag(FlagAuthenticated) }

// IsSynchronizing reports the SYNCHRONIZING flag.
func (s *Server) IsSynchronizing() bool { return s.hasFlag(FlagSynchronizing) }

// IsAvailable reports connected AND authenticated.
func (s *Server) IsAvailable() bool { return s.IsConnected() && s.IsAuthenticated() }

// ErrNotConnected is the error a Sender returns when it has no active
// connection; SendPkg resolves the promise with StatusWriteError for this
// and any other Send error.
var ErrNotConnected = fmt.Errorf("cluster: server has no active connection")

// ErrServerDead describes a server on which Close has been called. SendPkg
// does not return it: after Close it resolves the promise with
// StatusCancelledError.
var ErrServerDead = fmt.Errorf("cluster: server connection is permanently closed")

// SendPkg issues pkg to this server, overwriting pkg.PID with a freshly
// allocated id, and invokes cb exactly once when the resulting Promise
// settles. The request is handed to a single goroutine that serializes
// writes to this server's connection, while the promise's resolution
// (matched response, timeout, or cancel) happens asynchronously.
func (s *Server) SendPkg(ctx context.Context, pkg Packet, timeout time.Duration, cb promise.Callback) {
	if atomic.LoadInt32(&s.dead) == 1 {
		cb(failedPromise(pkg.PID, promise.StatusCancelledError))
		return
	}
	select {
	case s.reqs <- sendReq{ctx: ctx, pkg: pkg, timeout: timeout, cb: cb}:
	default:
		// Backed-up request queue: still honor send, just off the fast path.
		go func() { s.reqs <- sendReq{ctx: ctx, pkg: pkg, timeout: timeout, cb: cb} }()
	}
}

func failedPromise(pid uint64, status promise.Status) *promise.Promise {
	p := promise.New(pid, "", time.Time{}, nil)
	p.Resolve(status, nil)
	return p
}

// handleReqs is the server's single-writer loop: it serializes outbound
// sends, matches responses by pid via the server's Clock, and classifies
// failures into the promise status taxonomy.
func (s *Server) handleReqs() {
	for r := range s.reqs {
		if s.sender == nil {
			r.cb(failedPromise(r.pkg.PID, promise.StatusWriteError))
			continue
		}

		id := atomic.AddUint64(&s.nextID, 1)
		r.pkg.PID = id

		deadline := time.Now().Add(r.timeout)
		p := promise.New(id, s.UUID.String(), deadline, r.cb)
		s.clock.Track(p)

		respCh, err := s.sender.Send(r.ctx, r.pkg)
		if err != nil {
			s.clock.Untrack(p)
			p.Resolve(promise.StatusWriteError, nil)
			continue
		}

		go s.awaitResponse(p, respCh)
	}
}

func (s *Server) awaitResponse(p *promise.Promise, respCh <-chan Response) {
	resp, ok := <-respCh
	if p.Resolved() {
		return
	}
	s.clock.Untrack(p)
	if !ok {
		p.Resolve(promise.StatusCancelledError, nil)
		return
	}
	p.ResolveTyped(promise.StatusSuccess, resp.Body, uint8(resp.Type))
}

// SweepTimeouts resolves any promises past their deadline with
// StatusTimeoutError; callers run this on a periodic tick.
func (s *Server) SweepTimeouts(now time.Time) []*promise.Promise {
	return s.clock.ExpireBefore(now)
}

// Close permanently disables the server connection, cancelling every
// pending promise.
func (s *Server) Close() {
	if !atomic.CompareAndSwapInt32(&s.dead, 0, 1) {
		return
	}
	s.clock.CancelAll()
	close(s.reqs)
}

// HashPassword hashes a plaintext password for ALTER USER ... SET PASSWORD
// before handing it to the (external) user-storage collaborator — the one
// place a secret value crosses the wire.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("cluster: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches a previously hashed
// password.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
