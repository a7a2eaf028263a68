// Package dispatch implements the listener walk that drives a Query's
// execution: GID-indexed enter/exit handler tables applied in DFS
// pre/post order, peer forwarding, and result merging.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/chronodb/chronodb/internal/cexpr"
	"github.com/chronodb/chronodb/internal/packer"
	"github.com/chronodb/chronodb/internal/promise"
	"github.com/chronodb/chronodb/internal/query"
	"github.com/chronodb/chronodb/pkg/cluster"
)

// Grammar ids the default registry binds handlers to. The parser generator
// itself is an external collaborator; these constants are chronodb's own
// stable tags for the grammar shapes, recovered from
// original_source/src/siri/parser/listener.c's GID table.
const (
	GIDAccessExpr uint32 = iota + 1
	GIDAlterStmt
	GIDAlterServer
	GIDAlterUser
	GIDCountStmt
	GIDCountPools
	GIDCountSeries
	GIDCountServers
	GIDCountUsers
	GIDListStmt
	GIDListSeries
	GIDListServers
	GIDListPools
	GIDListUsers
	GIDSelectStmt
	GIDDropStmt
	GIDDropSeries
	GIDDropShard
	GIDDropUser
	GIDWhereExpr
	GIDColumns
	GIDTimeitStmt
	GIDShowStmt
	GIDGrantStmt
	GIDGrantUserStmt
	GIDRevokeUserStmt
	GIDCreateUserStmt
	GIDLimitExpr
	GIDSeriesMatch
)

// AccessBit is a required-permission flag a statement declares.
type AccessBit uint32

const (
	AccessRead AccessBit = 1 << iota
	AccessWrite
	AccessAlter
	AccessAdmin
)

// Handler runs one step of the listener walk for a single grammar node.
type Handler func(ctx *Context, node query.Node) error

// Registry holds the enter/exit tables. A production deployment would size
// these as fixed arrays indexed by GID; chronodb's GID space
// is sparse and compile-time fixed, so a map serves the same "O(1),
// unregistered GIDs are no-ops" contract without the array's gaps.
type Registry struct {
	enter map[uint32]Handler
	exit  map[uint32]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{enter: make(map[uint32]Handler), exit: make(map[uint32]Handler)}
}

// OnEnter registers a pre-order handler for gid.
func (r *Registry) OnEnter(gid uint32, h Handler) { r.enter[gid] = h }

// OnExit registers a post-order handler for gid.
func (r *Registry) OnExit(gid uint32, h Handler) { r.exit[gid] = h }

// SeriesEntity, ServerEntity, PoolEntity, and UserEntity expose the named
// properties WHERE clauses and list/count/show statements read, each
// implementing cexpr.Entity.
type SeriesEntity interface {
	cexpr.Entity
	Name() string
}

type ServerEntity interface {
	cexpr.Entity
	UUID() string
	Name() string
	Pool() uint16
}

type PoolEntity interface {
	cexpr.Entity
	ID() uint16
}

type UserEntity interface {
	cexpr.Entity
	Name() string
	AccessBits() AccessBit
}

// LocalStore is the external collaborator holding the node's actual series
// index, shard index, server table, and user table.
type LocalStore interface {
	Series(where *cexpr.Expr) []SeriesEntity
	Servers(where *cexpr.Expr) []ServerEntity
	Pools(where *cexpr.Expr) []PoolEntity
	Users(where *cexpr.Expr) []UserEntity

	// DropSeries removes series matching match and reports how many were
	// removed.
	DropSeries(match string) (int, error)
	// DropShard always succeeds locally even if the shard id is unknown
	// here.
	DropShard(id uint64) error
	DropUser(name string) error

	ResolveServer(ref string) (ServerEntity, func(), error)
	ResolveUser(ref string) (UserEntity, func(), error)

	SetUserPassword(user, passwordHash string) error
	Grant(user string, perms []string) error
	Revoke(user string, perms []string) error
	CreateUser(user, passwordHash string) error

	// ShowProps resolves the property names listed in a SHOW statement.
	ShowProps(names []string) (map[string]interface{}, error)
}

// Logger is the minimal structured-logging collaborator handlers need to
// report pool-level fan-out failures; satisfied by a *zap.SugaredLogger in
// production (see internal/runtime), and mirrors the narrow Logger
// interface internal/replicate declares for the same reason.
type Logger interface {
	Errorf(template string, args ...interface{})
}

// Context threads a single query's collaborators through the walk: its
// local store, cluster membership, authenticated user, and logger.
type Context struct {
	Query  *query.Query
	Store  LocalStore
	Pools  *cluster.Set
	User   UserEntity
	Logger Logger

	scratch map[uint32]interface{}
}

// NewContext constructs a walk context for q. log may be nil, in which case
// unreachable-pool fan-out failures are silently dropped.
func NewContext(q *query.Query, store LocalStore, pools *cluster.Set, user UserEntity, log Logger) *Context {
	return &Context{Query: q, Store: store, Pools: pools, User: user, Logger: log, scratch: make(map[uint32]interface{})}
}

// logUnreachable reports one pool that could not be reached during fan-out,
// matching "Cannot send package to pool '%d'" from the forwarding path this
// walk's ForwardList/ForwardCountServers callers drive.
func (ctx *Context) logUnreachable(poolID uint16) {
	if ctx.Logger != nil {
		ctx.Logger.Errorf("Cannot send package to pool '%d'", poolID)
	}
}

// Stash attaches per-walk scratch state keyed by a GID, mirroring the
// original's "stash children list in query.data" idiom for handlers that need to pass data to a sibling or
// ancestor handler without going through StatementState.
func (ctx *Context) Stash(gid uint32, v interface{}) { ctx.scratch[gid] = v }

// Unstash retrieves and clears a previously stashed value.
func (ctx *Context) Unstash(gid uint32) (interface{}, bool) {
	v, ok := ctx.scratch[gid]
	delete(ctx.scratch, gid)
	return v, ok
}

// RequireAccess asserts the query's authenticated user holds every bit in
// required, only on the master (peers skip access checks because the
// master already performed them).
func (ctx *Context) RequireAccess(required AccessBit) error {
	if !ctx.Query.IsMaster() {
		return nil
	}
	if ctx.User == nil || ctx.User.AccessBits()&required != required {
		return fmt.Errorf("dispatch: access denied: requires bits %b", required)
	}
	return nil
}

// Walk drives q's flattened cursor through reg's handler tables. Each step
// is processed then re-enqueued onto a task channel rather than called
// recursively, so a pathologically deep parse tree never
// grows the Go call stack beyond one frame per handler invocation.
func Walk(reg *Registry, ctx *Context) error {
	tasks := make(chan func(), 1)
	var walkErr error

	var step func()
	step = func() {
		s, ok := ctx.Query.Cursor.Next()
		if !ok || ctx.Query.Failed() {
			close(tasks)
			return
		}
		table := reg.enter
		if s.Phase == query.PhaseExit {
			table = reg.exit
		}
		if h, ok := table[s.Node.GID()]; ok {
			if err := h(ctx, s.Node); err != nil {
				walkErr = err
				ctx.Query.Fail(err.Error())
				close(tasks)
				return
			}
		}
		tasks <- step
	}

	tasks <- step
	for t := range tasks {
		t()
	}
	return walkErr
}

// ForwardList fans a list/count sub-query out to every peer pool and merges
// each peer's rows into the local packer via mergeListResponse, honoring
// limit. It blocks the goroutine that called Walk until every peer has
// settled; Walk starts no goroutine of its own, so this is a block on the
// caller's goroutine for the duration of the fan-out.
func ForwardList(ctx *Context, pkgType cluster.PacketType, body []byte, timeout time.Duration, limit *int) ([]uint16, error) {
	if ctx.Pools == nil || *limit <= 0 {
		return nil, nil
	}

	done := make(chan *promise.Set, 1)
	var unreachable []uint16
	ctx.Pools.SendPkg(context.Background(), cluster.Packet{Type: pkgType, Body: body}, timeout,
		func(ps *promise.Set) { done <- ps },
		nil,
		func(poolID uint16) { unreachable = append(unreachable, poolID) },
	)

	ps := <-done
	for _, p := range ps.Results() {
		if p == nil || p.Status != promise.StatusSuccess {
			continue
		}
		if err := mergeListResponse(ctx.Query.Packer, p.Data, limit); err != nil {
			return unreachable, fmt.Errorf("dispatch: merge peer response: %w", err)
		}
		if *limit <= 0 {
			break
		}
	}
	return unreachable, nil
}

// mergeListResponse implements on_list_xxx_response: skip
// the peer's map-open and its "columns" entry (already emitted locally by
// the local xxx_columns handler), then copy rows from the named result
// array while limit permits.
func mergeListResponse(dst *packer.Packer, peerBody []byte, limit *int) error {
	u := packer.NewUnpacker(peerBody)

	mapHdr, err := u.Next() // MAP_OPEN / MAPn
	if err != nil {
		return err
	}
	if mapHdr.Tag != packer.TagMapOpen {
		return fmt.Errorf("dispatch: expected map, got tag 0x%02x", byte(mapHdr.Tag))
	}

	if _, err := u.Next(); err != nil { // "columns" key
		return err
	}
	if err := skipValue(u); err != nil { // columns array value
		return err
	}

	if _, err := u.Next(); err != nil { // result-set key, e.g. "series"
		return err
	}
	rowsHdr, err := u.Next()
	if err != nil {
		return err
	}
	if rowsHdr.Tag != packer.TagArrayOpen {
		return fmt.Errorf("dispatch: expected row array, got tag 0x%02x", byte(rowsHdr.Tag))
	}

	count := rowsHdr.N
	i := 0
	for {
		if count >= 0 && i >= count {
			break
		}
		if count < 0 {
			peeked, err := u.Next()
			if err != nil {
				return err
			}
			if peeked.Tag == packer.TagArrayClose {
				break
			}
			if *limit > 0 {
				if err := reencodeRow(dst, u, peeked); err != nil {
					return err
				}
				*limit--
			} else if err := skipRemainder(u, peeked); err != nil {
				return err
			}
			i++
			continue
		}
		if *limit > 0 {
			if err := packer.CopyValue(dst, u); err != nil {
				return err
			}
			*limit--
		} else if err := skipValue(u); err != nil {
			return err
		}
		i++
	}
	return nil
}

// reencodeRow finishes copying a row whose opening token (an array/map
// header) has already been read as peeked.
func reencodeRow(dst *packer.Packer, u *packer.Unpacker, peeked packer.Value) error {
	switch peeked.Tag {
	case packer.TagArrayOpen, packer.TagMapOpen:
		return copyKnownContainer(dst, u, peeked)
	default:
		return copyScalar(dst, peeked)
	}
}

func skipRemainder(u *packer.Unpacker, peeked packer.Value) error {
	var sink packer.Packer
	return reencodeRow(&sink, u, peeked)
}

func copyScalar(dst *packer.Packer, v packer.Value) error {
	switch v.Tag {
	case packer.TagInt8, packer.TagInt16, packer.TagInt32, packer.TagInt64:
		dst.AddInt64(v.Int)
	case packer.TagDouble:
		dst.AddDouble(v.Flt)
	case packer.TagRaw:
		dst.AddRaw(v.Raw)
	case packer.TagString:
		dst.AddString(v.Str)
	default:
		return fmt.Errorf("dispatch: unexpected scalar tag 0x%02x", byte(v.Tag))
	}
	return nil
}

func copyKnownContainer(dst *packer.Packer, u *packer.Unpacker, hdr packer.Value) error {
	isMap := hdr.Tag == packer.TagMapOpen
	if isMap {
		dst.AddMap(hdr.N)
	} else {
		dst.AddArray(hdr.N)
	}
	if hdr.N >= 0 {
		count := hdr.N
		if isMap {
			count *= 2
		}
		for i := 0; i < count; i++ {
			if err := packer.CopyValue(dst, u); err != nil {
				return err
			}
		}
		return nil
	}
	closeTag := packer.TagArrayClose
	if isMap {
		closeTag = packer.TagMapClose
	}
	for {
		v, err := u.Next()
		if err != nil {
			return err
		}
		if v.Tag == closeTag {
			break
		}
		if v.Tag == packer.TagArrayOpen || v.Tag == packer.TagMapOpen {
			if err := copyKnownContainer(dst, u, v); err != nil {
				return err
			}
			continue
		}
		if err := copyScalar(dst, v); err != nil {
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

// skipValue discards one full value (scalar or container) without copying
// it anywhere.
func skipValue(u *packer.Unpacker) error {
	var sink packer.Packer
	return packer.CopyValue(&sink, u)
}

// ForwardCountServers implements on_count_servers_response:
// sums each peer's integer reply into total.
func ForwardCountServers(ctx *Context, pkgType cluster.PacketType, body []byte, timeout time.Duration, total *int64) ([]uint16, error) {
	if ctx.Pools == nil {
		return nil, nil
	}

	done := make(chan *promise.Set, 1)
	var unreachable []uint16
	ctx.Pools.SendPkg(context.Background(), cluster.Packet{Type: pkgType, Body: body}, timeout,
		func(ps *promise.Set) { done <- ps },
		nil,
		func(poolID uint16) { unreachable = append(unreachable, poolID) },
	)

	ps := <-done
	for _, p := range ps.Results() {
		if p == nil || p.Status != promise.StatusSuccess {
			continue
		}
		u := packer.NewUnpacker(p.Data)
		mapHdr, err := u.Next()
		if err != nil || mapHdr.Tag != packer.TagMapOpen {
			return unreachable, fmt.Errorf("dispatch: malformed count response")
		}
		if _, err := u.Next(); err != nil { // key
			return unreachable, err
		}
		v, err := u.Next() // integer value
		if err != nil {
			return unreachable, err
		}
		*total += v.Int
	}
	return unreachable, nil
}
