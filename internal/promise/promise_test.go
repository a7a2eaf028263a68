package promise

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromiseResolvesOnce(t *testing.T) {
	var calls int32
	p := New(1, "srv-a", time.Now().Add(time.Second), func(p *Promise) {
		atomic.AddInt32(&calls, 1)
	})
	p.Resolve(StatusSuccess, []byte("ok"))
	p.Resolve(StatusTimeoutError, nil) // must be a no-op

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, StatusSuccess, p.Status)
	require.True(t, p.Resolved())
}

func TestClockExpireBeforeOrdersByDeadline(t *testing.T) {
	c := NewClock()
	base := time.Now()

	var order []uint64
	mk := func(id uint64, dt time.Duration) *Promise {
		return New(id, "srv", base.Add(dt), func(p *Promise) {
			order = append(order, p.ID)
		})
	}

	p3 := mk(3, 30*time.Millisecond)
	p1 := mk(1, 10*time.Millisecond)
	p2 := mk(2, 20*time.Millisecond)
	c.Track(p3)
	c.Track(p1)
	c.Track(p2)

	expired := c.ExpireBefore(base.Add(25 * time.Millisecond))
	require.Len(t, expired, 2)
	require.Equal(t, []uint64{1, 2}, order)

	for _, p := range expired {
		require.Equal(t, StatusTimeoutError, p.Status)
	}

	_, tracked := c.ByID(1)
	require.False(t, tracked)
	_, tracked = c.ByID(3)
	require.True(t, tracked)
}

func TestClockCancelAll(t *testing.T) {
	c := NewClock()
	p1 := New(1, "srv", time.Now().Add(time.Minute), nil)
	p2 := New(2, "srv", time.Now().Add(time.Minute), nil)
	c.Track(p1)
	c.Track(p2)

	cancelled := c.CancelAll()
	require.Len(t, cancelled, 2)
	for _, p := range cancelled {
		require.Equal(t, StatusCancelledError, p.Status)
	}
}

func TestSetFiresExactlyOnceAllSuccess(t *testing.T) {
	var fires int32
	s := NewSet(3, func(set *Set) {
		atomic.AddInt32(&fires, 1)
	}, "userdata")

	for i := 0; i < 3; i++ {
		p := New(uint64(i), "srv", time.Now().Add(time.Second), s.OnResponse(i))
		p.Resolve(StatusSuccess, nil)
	}

	require.Equal(t, int32(1), atomic.LoadInt32(&fires))
	require.Equal(t, "userdata", s.UserData)
}

func TestSetWithSkippedSlotStillFiresOnce(t *testing.T) {
	var fires int32
	s := NewSet(2, func(set *Set) {
		atomic.AddInt32(&fires, 1)
	}, nil)

	p := New(1, "srv", time.Now().Add(time.Second), s.OnResponse(0))
	s.Skip(1)
	p.Resolve(StatusSuccess, []byte("x"))

	require.Equal(t, int32(1), atomic.LoadInt32(&fires))
	results := s.Results()
	require.Nil(t, results[1])
	require.NotNil(t, results[0])
}

func TestSetZeroSlotsFiresImmediately(t *testing.T) {
	fired := false
	NewSet(0, func(set *Set) { fired = true }, nil)
	require.True(t, fired)
}
