package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chronodb/chronodb/internal/cexpr"
	"github.com/chronodb/chronodb/internal/packer"
	"github.com/chronodb/chronodb/internal/query"
	"github.com/chronodb/chronodb/pkg/cluster"
)

type fakeNode struct {
	gid      uint32
	text     string
	children []query.Node
}

func (n *fakeNode) GID() uint32          { return n.gid }
func (n *fakeNode) Text() string         { return n.text }
func (n *fakeNode) Children() []query.Node { return n.children }

type fakeSeries struct{ name string }

func (s fakeSeries) Name() string { return s.name }
func (s fakeSeries) Property(name string) (interface{}, bool) {
	if name == "name" {
		return s.name, true
	}
	return nil, false
}

type fakeUser struct {
	name   string
	access AccessBit
}

func (u fakeUser) Name() string            { return u.name }
func (u fakeUser) AccessBits() AccessBit    { return u.access }
func (u fakeUser) Property(name string) (interface{}, bool) {
	if name == "name" {
		return u.name, true
	}
	return nil, false
}

type fakeStore struct {
	series      []SeriesEntity
	dropped     []string
	dropShardID uint64
	granted     map[string][]string
}

func (f *fakeStore) Series(where *cexpr.Expr) []SeriesEntity {
	if where == nil {
		return f.series
	}
	var out []SeriesEntity
	for _, s := range f.series {
		if where.Eval(s) {
			out = append(out, s)
		}
	}
	return out
}
func (f *fakeStore) Servers(where *cexpr.Expr) []ServerEntity { return nil }
func (f *fakeStore) Pools(where *cexpr.Expr) []PoolEntity     { return nil }
func (f *fakeStore) Users(where *cexpr.Expr) []UserEntity     { return nil }

func (f *fakeStore) DropSeries(match string) (int, error) {
	f.dropped = append(f.dropped, match)
	return 1, nil
}
func (f *fakeStore) DropShard(id uint64) error { f.dropShardID = id; return nil }
func (f *fakeStore) DropUser(name string) error { return nil }

func (f *fakeStore) ResolveServer(ref string) (ServerEntity, func(), error) { return nil, func() {}, nil }
func (f *fakeStore) ResolveUser(ref string) (UserEntity, func(), error)     { return nil, func() {}, nil }

func (f *fakeStore) SetUserPassword(user, hash string) error { return nil }
func (f *fakeStore) Grant(user string, perms []string) error {
	if f.granted == nil {
		f.granted = make(map[string][]string)
	}
	f.granted[user] = perms
	return nil
}
func (f *fakeStore) Revoke(user string, perms []string) error { return nil }
func (f *fakeStore) CreateUser(user, hash string) error       { return nil }
func (f *fakeStore) ShowProps(names []string) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, n := range names {
		out[n] = "value-" + n
	}
	return out, nil
}

func newListSeriesTree(columns []string) query.Node {
	var cols []query.Node
	for _, c := range columns {
		cols = append(cols, &fakeNode{gid: 0, text: c})
	}
	columnsNode := &fakeNode{gid: GIDColumns, text: "columns", children: cols}
	listSeries := &fakeNode{gid: GIDListSeries, text: "series"}
	return &fakeNode{gid: GIDListStmt, text: "list series", children: []query.Node{columnsNode, listSeries}}
}

func runWalk(t *testing.T, reg *Registry, tree query.Node, store LocalStore, master bool, pools *cluster.Set) *query.Query {
	t.Helper()
	var flags query.Flag
	if master {
		flags = query.FlagMaster
	}
	q := query.New("test", tree, flags)
	ctx := NewContext(q, store, pools, fakeUser{name: "root", access: AccessRead | AccessWrite | AccessAlter | AccessAdmin}, nil)
	require.NoError(t, Walk(reg, ctx))
	return q
}

type fakeLogger struct{ lines []string }

func (l *fakeLogger) Errorf(template string, args ...interface{}) {
	l.lines = append(l.lines, fmt.Sprintf(template, args...))
}

func TestListSeriesSinglePool(t *testing.T) {
	reg := NewRegistry()
	RegisterDefaults(reg)

	store := &fakeStore{series: []SeriesEntity{fakeSeries{"a"}, fakeSeries{"b"}, fakeSeries{"c"}}}
	tree := newListSeriesTree([]string{"name"})

	q := runWalk(t, reg, tree, store, true, nil)
	require.False(t, q.Failed())

	u := packer.NewUnpacker(q.Packer.Bytes())
	v, err := u.Next()
	require.NoError(t, err)
	require.Equal(t, packer.TagMapOpen, v.Tag)

	v, _ = u.Next() // "columns"
	require.Equal(t, "columns", v.Str)
	v, err = u.Next() // columns array
	require.NoError(t, err)
	require.Equal(t, 1, v.N)
	v, _ = u.Next()
	require.Equal(t, "name", v.Str)

	v, _ = u.Next() // "series"
	require.Equal(t, "series", v.Str)
	v, err = u.Next() // open array
	require.NoError(t, err)
	require.Equal(t, packer.TagArrayOpen, v.Tag)

	var names []string
	for {
		row, err := u.Next()
		require.NoError(t, err)
		if row.Tag == packer.TagArrayClose {
			break
		}
		require.Equal(t, 1, row.N)
		name, err := u.Next()
		require.NoError(t, err)
		names = append(names, name.Str)
	}
	require.Equal(t, []string{"a", "b", "c"}, names)
}

func TestDropShardAlwaysSucceeds(t *testing.T) {
	reg := NewRegistry()
	RegisterDefaults(reg)

	store := &fakeStore{}
	shardNode := &fakeNode{gid: GIDDropShard, text: "999"}
	tree := &fakeNode{gid: GIDDropStmt, text: "drop shard 999", children: []query.Node{shardNode}}

	q := runWalk(t, reg, tree, store, true, nil)
	require.False(t, q.Failed())
	require.EqualValues(t, 999, store.dropShardID)

	u := packer.NewUnpacker(q.Packer.Bytes())
	_, _ = u.Next() // map open
	v, _ := u.Next()
	require.Equal(t, "success_msg", v.Str)
	v, _ = u.Next()
	require.Equal(t, "Shard '999' is dropped successfully.", v.Str)
}

func TestWhereClauseFiltersSeries(t *testing.T) {
	reg := NewRegistry()
	RegisterDefaults(reg)

	store := &fakeStore{series: []SeriesEntity{fakeSeries{"a"}, fakeSeries{"b"}}}
	whereNode := &fakeNode{gid: GIDWhereExpr, text: `name = 'a'`}
	columnsNode := &fakeNode{gid: GIDColumns, text: "columns", children: []query.Node{&fakeNode{text: "name"}}}
	listSeries := &fakeNode{gid: GIDListSeries, text: "series"}
	tree := &fakeNode{gid: GIDListStmt, text: "list series where name='a'", children: []query.Node{whereNode, columnsNode, listSeries}}

	q := runWalk(t, reg, tree, store, true, nil)
	require.False(t, q.Failed())

	u := packer.NewUnpacker(q.Packer.Bytes())
	var sawA, sawB bool
	for !u.Done() {
		v, err := u.Next()
		require.NoError(t, err)
		if v.Str == "a" {
			sawA = true
		}
		if v.Str == "b" {
			sawB = true
		}
	}
	require.True(t, sawA)
	require.False(t, sawB)
}

func TestCountServersMergesPeerTotals(t *testing.T) {
	reg := NewRegistry()
	RegisterDefaults(reg)

	peerResp := packer.New()
	peerResp.AddMap(1)
	peerResp.AddString("servers")
	peerResp.AddInt64(7)

	localSender := &countFakeSender{}
	peerSender := &countFakeSender{body: peerResp.Bytes()}

	local := cluster.NewServer(uuid.New(), "local", 0, localSender)
	local.SetConnected(true)
	local.SetAuthenticated(true)
	peer := cluster.NewServer(uuid.New(), "peer", 1, peerSender)
	peer.SetConnected(true)
	peer.SetAuthenticated(true)

	set, _, err := cluster.NewSet([]*cluster.Server{local, peer}, local)
	require.NoError(t, err)

	store := &fakeStore{}
	countServers := &fakeNode{gid: GIDCountServers, text: "count servers"}
	tree := &fakeNode{gid: GIDCountStmt, text: "count servers", children: []query.Node{countServers}}

	q := runWalk(t, reg, tree, store, true, set)
	require.False(t, q.Failed())

	u := packer.NewUnpacker(q.Packer.Bytes())
	_, _ = u.Next() // map open
	v, _ := u.Next()
	require.Equal(t, "servers", v.Str)
	v, _ = u.Next()
	require.EqualValues(t, 7, v.Int) // fakeStore.Servers is always empty -> 0 local + 7 peer
}

type countFakeSender struct{ body []byte }

func (s *countFakeSender) Send(ctx context.Context, pkg cluster.Packet) (<-chan cluster.Response, error) {
	ch := make(chan cluster.Response, 1)
	ch <- cluster.Response{Type: cluster.PacketQueryResponse, Body: s.body}
	return ch, nil
}

func TestForwardListSkipsUnreachablePoolAndFiresOnce(t *testing.T) {
	peerResp := packer.New()
	peerResp.AddMap(2)
	peerResp.AddString("columns")
	peerResp.AddArray(0)
	peerResp.AddString("series")
	peerResp.AddArray(1)
	peerResp.AddArray(1)
	peerResp.AddString("z")

	local := cluster.NewServer(uuid.New(), "local", 0, &countFakeSender{})
	local.SetConnected(true)
	local.SetAuthenticated(true)
	alive := cluster.NewServer(uuid.New(), "alive", 1, &countFakeSender{body: peerResp.Bytes()})
	alive.SetConnected(true)
	alive.SetAuthenticated(true)

	set := &cluster.Set{LocalPool: 0, Pools: []*cluster.Pool{{ID: 0}, {ID: 1}, {ID: 2}}}
	require.NoError(t, set.Pools[0].AddServer(local))
	require.NoError(t, set.Pools[1].AddServer(alive))

	log := &fakeLogger{}
	ctx := NewContext(query.New("x", &fakeNode{gid: 1}, query.FlagMaster), &fakeStore{}, set, nil, log)
	limit := 5
	unreachable, err := ForwardList(ctx, cluster.PacketBPQueryPool, []byte("list series"), time.Second, &limit)
	require.NoError(t, err)
	require.Equal(t, []uint16{2}, unreachable)
	require.Equal(t, 4, limit) // one row merged from the alive pool

	for _, poolID := range unreachable {
		ctx.logUnreachable(poolID)
	}
	require.Equal(t, []string{"Cannot send package to pool '2'"}, log.lines)

	u := packer.NewUnpacker(ctx.Query.Packer.Bytes())
	v, err := u.Next()
	require.NoError(t, err)
	require.Equal(t, 1, v.N)
	v, _ = u.Next()
	require.Equal(t, "z", v.Str)
}
