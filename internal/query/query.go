// Package query implements the parsed-statement execution state threaded
// through the listener walk.
package query

import (
	"sync"

	"github.com/chronodb/chronodb/internal/cexpr"
	"github.com/chronodb/chronodb/internal/packer"
)

// Flag is a bit in a Query's role bitset.
type Flag uint32

const (
	// FlagMaster marks a query received directly from a client; a query
	// without this flag is executing as a peer on behalf of some other
	// node's master query.
	FlagMaster Flag = 1 << iota
)

// Node is the shape of one parse-tree node the listener walk consumes. The
// parser itself is an external collaborator; chronodb only
// depends on this shape, recovered from original_source/src/cleri/parse.c's
// `cleri_node_t {str, len, children}` plus a grammar-id tag.
type Node interface {
	GID() uint32
	Text() string
	Children() []Node
}

// Phase marks whether a cursor step is the pre-order entry or post-order
// exit of its node.
type Phase int

const (
	PhaseEnter Phase = iota
	PhaseExit
)

// Step is one flattened (node, phase) pair.
type Step struct {
	Node  Node
	Phase Phase
}

// Flatten walks root in DFS pre/post order, producing an ordered cursor of
// (node, phase) pairs.
func Flatten(root Node) []Step {
	var steps []Step
	var walk func(n Node)
	walk = func(n Node) {
		steps = append(steps, Step{Node: n, Phase: PhaseEnter})
		for _, c := range n.Children() {
			walk(c)
		}
		steps = append(steps, Step{Node: n, Phase: PhaseExit})
	}
	if root != nil {
		walk(root)
	}
	return steps
}

// Cursor steps through a flattened node list one step at a time; the
// dispatch scheduler re-enqueues a continuation after each step instead of
// recursing.
type Cursor struct {
	steps []Step
	pos   int
}

// NewCursor flattens tree and returns a cursor positioned before the first
// step.
func NewCursor(tree Node) *Cursor {
	return &Cursor{steps: Flatten(tree)}
}

// Next returns the next step and advances the cursor, or (Step{}, false) once
// exhausted.
func (c *Cursor) Next() (Step, bool) {
	if c.pos >= len(c.steps) {
		return Step{}, false
	}
	s := c.steps[c.pos]
	c.pos++
	return s, true
}

// Done reports whether every step has been consumed.
func (c *Cursor) Done() bool { return c.pos >= len(c.steps) }

// StatementState is implemented by each statement-specific `data` payload
// (Count, Drop, List, Select, ...).
type StatementState interface {
	statementState()
}

// CountState backs COUNT statements.
type CountState struct {
	Where *cexpr.Expr
	Count int64
}

func (*CountState) statementState() {}

// ListState backs LIST statements.
type ListState struct {
	Where *cexpr.Expr
	Props []string
	Limit int
}

func (*ListState) statementState() {}

// SelectState backs SELECT statements.
type SelectState struct {
	SeriesMatch string
	StartTS     int64
	EndTS       int64
	CtSeries    int64 // count of series matched, for progress/limit accounting
}

func (*SelectState) statementState() {}

// DropState backs DROP statements (series, shard, or user).
type DropState struct {
	Kind  string // "series", "shard", or "user"
	Match string
}

func (*DropState) statementState() {}

// AlterState backs ALTER statements (server or user); Release drops the
// reference on the resolved server/user and must run exactly once, from
// Free.
type AlterState struct {
	Kind        string // "server" or "user"
	Ref         string
	NewPassword string
	Release     func() // decrements the resolved subject's refcount; nil if nothing resolved yet
}

func (*AlterState) statementState() {}

// GrantRevokeState backs GRANT/REVOKE statements (supplemented from
// original_source/listener.c's enter_grant_stmt/enter_grant_user_stmt).
type GrantRevokeState struct {
	Grant bool // true: GRANT, false: REVOKE
	User  string
	Perms []string
}

func (*GrantRevokeState) statementState() {}

// CreateUserState backs CREATE USER (supplemented; needed as a subject for
// GRANT/REVOKE).
type CreateUserState struct {
	User     string
	Password string
}

func (*CreateUserState) statementState() {}

// ShowState backs SHOW, listing the property names recovered from
// original_source/listener.c's exit_show_stmt.
type ShowState struct {
	Props []string
}

func (*ShowState) statementState() {}

// Query is one parsed statement plus its execution state.
// It is allocated on request receive and freed exactly once via Free.
type Query struct {
	Text      string
	Tree      Node
	Cursor    *Cursor
	Packer    *packer.Packer
	// TimeitPacker is non-nil only when the statement includes `timeit`.
	TimeitPacker *packer.Packer

	ErrMsg string
	Flags  Flag
	Data   StatementState

	// FreeCB runs exactly once, from Free, to release any resources the
	// statement handlers acquired.
	FreeCB func(*Query)

	once sync.Once
}

// New allocates a Query over the given text/tree, flagged as master or
// peer by the caller.
func New(text string, tree Node, flags Flag) *Query {
	return &Query{
		Text:   text,
		Tree:   tree,
		Cursor: NewCursor(tree),
		Packer: packer.New(),
		Flags:  flags,
	}
}

// IsMaster reports whether this query owns access checks and forwarding.
func (q *Query) IsMaster() bool { return q.Flags&FlagMaster != 0 }

// Fail records a user-visible error message, truncating to a bounded length;
// no stack traces are ever appended.
func (q *Query) Fail(msg string) {
	const maxErrMsg = 1024
	if len(msg) > maxErrMsg {
		msg = msg[:maxErrMsg]
	}
	q.ErrMsg = msg
}

// Failed reports whether Fail has been called.
func (q *Query) Failed() bool { return q.ErrMsg != "" }

// Free runs FreeCB exactly once.
func (q *Query) Free() {
	q.once.Do(func() {
		if q.FreeCB != nil {
			q.FreeCB(q)
		}
	})
}
