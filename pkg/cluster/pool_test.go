package cluster

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chronodb/chronodb/internal/promise"
)

type fakeSender struct {
	respond func(pkg Packet) []byte
	fail    bool
}

func (f *fakeSender) Send(ctx context.Context, pkg Packet) (<-chan Response, error) {
	if f.fail {
		return nil, ErrNotConnected
	}
	ch := make(chan Response, 1)
	ch <- Response{Type: PacketQueryResponse, Body: f.respond(pkg)}
	return ch, nil
}

func newAvailableServer(t *testing.T, pool uint16, body []byte) *Server {
	t.Helper()
	s := NewServer(uuid.New(), "srv", pool, &fakeSender{respond: func(Packet) []byte { return body }})
	s.SetConnected(true)
	s.SetAuthenticated(true)
	return s
}

func TestPoolMembershipInvariant(t *testing.T) {
	p := &Pool{ID: 2}
	s := newAvailableServer(t, 3, nil)
	err := p.AddServer(s)
	require.Error(t, err)
}

func TestSetOnlineAvailableExcludesLocal(t *testing.T) {
	local := newAvailableServer(t, 0, nil)
	local.SetConnected(false) // local pool's only server is "down"; must not affect Online/Available
	peer := newAvailableServer(t, 1, nil)

	set, _, err := NewSet([]*Server{local, peer}, local)
	require.NoError(t, err)
	require.True(t, set.Online())
	require.True(t, set.Available())
}

func TestSetDetectsUnavailablePeerPool(t *testing.T) {
	local := newAvailableServer(t, 0, nil)
	peerDown := NewServer(uuid.New(), "down", 1, &fakeSender{fail: true})

	set, _, err := NewSet([]*Server{local, peerDown}, local)
	require.NoError(t, err)
	require.False(t, set.Available())
}

func TestNewSetIdentifiesReplica(t *testing.T) {
	local := newAvailableServer(t, 0, nil)
	replica := newAvailableServer(t, 0, nil)
	peer := newAvailableServer(t, 1, nil)

	set, r, err := NewSet([]*Server{local, replica, peer}, local)
	require.NoError(t, err)
	require.Same(t, replica, r)
	require.Same(t, replica, set.Pools[0].ReplicaHint())
}

func TestSendPkgFiresOnceWithSkippedDeadPool(t *testing.T) {
	local := newAvailableServer(t, 0, nil)
	alive := newAvailableServer(t, 1, []byte("pool1-result"))
	dead := &Server{Pool: 2} // no servers added => unavailable

	set := &Set{LocalPool: 0, Pools: []*Pool{{ID: 0}, {ID: 1}, {ID: 2}}}
	require.NoError(t, set.Pools[0].AddServer(local))
	require.NoError(t, set.Pools[1].AddServer(alive))
	_ = dead

	var unreachable []uint16
	var fires int32
	ps := set.SendPkg(context.Background(), Packet{Type: PacketBPQueryPool}, time.Second,
		func(s *promise.Set) { atomic.AddInt32(&fires, 1) },
		nil,
		func(poolID uint16) { unreachable = append(unreachable, poolID) },
	)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&fires) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	require.Equal(t, int32(1), atomic.LoadInt32(&fires))
	require.Equal(t, []uint16{2}, unreachable)

	results := ps.Results()
	require.Len(t, results, 2)
	require.Nil(t, results[1]) // pool 2's slot
	require.NotNil(t, results[0])
	require.Equal(t, []byte("pool1-result"), results[0].Data)
}
