// Package promise implements a single outstanding RPC awaiting either a
// matched response or a timeout (Promise), and an aggregating collection of
// N promises firing one joint callback once all have settled (PromiseSet).
package promise

import (
	"sync"
	"time"

	"github.com/twmb/go-rbtree"
)

// Status classifies how a Promise settled.
type Status int

const (
	// StatusPending is the initial state; not yet resolved.
	StatusPending Status = iota
	StatusSuccess
	StatusWriteError
	StatusTimeoutError
	StatusCancelledError
	StatusTypeError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusWriteError:
		return "write_error"
	case StatusTimeoutError:
		return "timeout_error"
	case StatusCancelledError:
		return "cancelled_error"
	case StatusTypeError:
		return "type_error"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once when a Promise resolves.
type Callback func(p *Promise)

// Promise is a single pending RPC. It is created by a caller such as
// cluster.Server.SendPkg, resolved exactly once — by a matching response
// pid, by timeout, or by cancellation — and then delivered to its callback.
type Promise struct {
	rbtree.Node

	ID       uint64
	ServerID string // opaque identity of the remote server this promise targets
	Deadline time.Time
	Data     []byte // ResultPayload, nil until Status == StatusSuccess
	// RespType carries the response packet's wire type tag, letting
	// callers distinguish a successful transport round-trip that carried
	// an application-level error packet from a genuinely successful one. Zero until
	// Status == StatusSuccess.
	RespType uint8
	Status   Status

	mu       sync.Mutex
	resolved bool
	cb       Callback
}

// Less implements rbtree.Less, ordering promises by deadline so the timeout
// sweep can pop expired entries from the front of the tree in O(log n) per
// resolution instead of an O(n) scan over all in-flight promises.
func (p *Promise) Less(r rbtree.Less) bool {
	other := r.(*Promise)
	if p.Deadline.Equal(other.Deadline) {
		return p.ID < other.ID
	}
	return p.Deadline.Before(other.Deadline)
}

// New creates a pending promise with the given pid, target server, deadline
// and resolution callback.
func New(id uint64, serverID string, deadline time.Time, cb Callback) *Promise {
	return &Promise{
		ID:       id,
		ServerID: serverID,
		Deadline: deadline,
		Status:   StatusPending,
		cb:       cb,
	}
}

// Resolve settles the promise with the given status/payload and invokes its
// callback exactly once; subsequent calls are no-ops.
func (p *Promise) Resolve(status Status, data []byte) {
	p.ResolveTyped(status, data, 0)
}

// ResolveTyped is Resolve plus the response's wire type tag, used on the
// success path so callers can distinguish an application-level error packet
// from a genuine success.
func (p *Promise) ResolveTyped(status Status, data []byte, respType uint8) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.Status = status
	p.Data = data
	p.RespType = respType
	cb := p.cb
	p.mu.Unlock()

	if cb != nil {
		cb(p)
	}
}

// Resolved reports whether Resolve has already run.
func (p *Promise) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// Clock tracks in-flight promises ordered by deadline and resolves expired
// ones with StatusTimeoutError. One Clock exists per server connection.
type Clock struct {
	mu   sync.Mutex
	tree rbtree.Tree
	byID map[uint64]*Promise
}

// NewClock returns an empty timeout clock.
func NewClock() *Clock {
	return &Clock{byID: make(map[uint64]*Promise)}
}

// Track registers a promise so ExpireBefore and CancelAll can find it.
func (c *Clock) Track(p *Promise) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Insert(p)
	c.byID[p.ID] = p
}

// Untrack removes a promise once it has resolved via a matched response, so
// it is no longer a candidate for timeout or cancellation.
func (c *Clock) Untrack(p *Promise) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Delete(p)
	delete(c.byID, p.ID)
}

// ByID looks up a tracked promise by pid, for matching an inbound response.
func (c *Clock) ByID(id uint64) (*Promise, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[id]
	return p, ok
}

// ExpireBefore resolves every tracked promise whose deadline is at or
// before `now` with StatusTimeoutError, oldest-deadline first.
func (c *Clock) ExpireBefore(now time.Time) []*Promise {
	var expired []*Promise
	c.mu.Lock()
	for {
		min := c.tree.Min()
		if min == nil {
			break
		}
		p := min.(*Promise)
		if p.Deadline.After(now) {
			break
		}
		c.tree.Delete(p)
		delete(c.byID, p.ID)
		expired = append(expired, p)
	}
	c.mu.Unlock()

	for _, p := range expired {
		p.Resolve(StatusTimeoutError, nil)
	}
	return expired
}

// CancelAll resolves every tracked promise with StatusCancelledError; used
// when the underlying server connection drops mid-flight.
func (c *Clock) CancelAll() []*Promise {
	c.mu.Lock()
	all := make([]*Promise, 0, len(c.byID))
	for _, p := range c.byID {
		all = append(all, p)
	}
	for _, p := range all {
		c.tree.Delete(p)
		delete(c.byID, p.ID)
	}
	c.mu.Unlock()

	for _, p := range all {
		p.Resolve(StatusCancelledError, nil)
	}
	return all
}

// SetCallback is invoked exactly once when a PromiseSet completes.
type SetCallback func(set *Set)

// Set aggregates N expected promises, firing SetCallback exactly once after
// every slot has settled (or immediately if constructed with zero slots).
// A nil slot means "never sent" (no server available in that pool).
type Set struct {
	mu       sync.Mutex
	pending  int
	results  []*Promise
	cb       SetCallback
	UserData interface{}
	fired    bool
}

// NewSet allocates a set sized for `n` expected slots.
func NewSet(n int, cb SetCallback, userData interface{}) *Set {
	s := &Set{
		pending:  n,
		results:  make([]*Promise, n),
		cb:       cb,
		UserData: userData,
	}
	if n == 0 {
		s.fire()
	}
	return s
}

// Results returns the settled (or nil) promises in slot order. Only safe to
// call after the set's callback has fired.
func (s *Set) Results() []*Promise {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Promise, len(s.results))
	copy(out, s.results)
	return out
}

// Skip marks slot i as "never sent" (no available server for that pool) and
// counts it toward completion.
func (s *Set) Skip(i int) {
	s.mu.Lock()
	s.results[i] = nil
	s.pending--
	fire := s.pending == 0 && !s.fired
	if fire {
		s.fired = true
	}
	s.mu.Unlock()
	if fire {
		s.invoke()
	}
}

// OnResponse is the per-promise callback wired into Promise.New for slot i;
// it records the settled promise and fires the set callback once every slot
// has settled.
func (s *Set) OnResponse(i int) Callback {
	return func(p *Promise) {
		s.mu.Lock()
		s.results[i] = p
		s.pending--
		fire := s.pending == 0 && !s.fired
		if fire {
			s.fired = true
		}
		s.mu.Unlock()
		if fire {
			s.invoke()
		}
	}
}

func (s *Set) fire() {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	s.mu.Unlock()
	s.invoke()
}

func (s *Set) invoke() {
	if s.cb != nil {
		s.cb(s)
	}
}
