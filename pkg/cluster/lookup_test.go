package cluster

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestGenLookupDeterministic(t *testing.T) {
	a := GenLookup(5)
	b := GenLookup(5)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("GenLookup(5) not deterministic (-a +b):\n%s", diff)
	}
}

func TestGenLookupSinglePoolAllZero(t *testing.T) {
	l := GenLookup(1)
	for i, pid := range l {
		require.Equalf(t, uint16(0), pid, "slot %d", i)
	}
}

func TestGenLookupGrowthStability(t *testing.T) {
	for n := uint16(1); n < 16; n++ {
		before := GenLookup(n)
		after := GenLookup(n + 1)
		for i := 0; i < LookupSize; i++ {
			if before[i] != after[i] && after[i] != n {
				t.Fatalf("slot %d reassigned between existing pools going from %d->%d pools: %d -> %d",
					i, n, n+1, before[i], after[i])
			}
		}
	}
}

func TestGenLookupTwoPoolsRoughHalf(t *testing.T) {
	l := GenLookup(2)
	ones := 0
	for _, pid := range l {
		if pid == 1 {
			ones++
		}
	}
	// roughly half the slots should land on pool 1 of 2
	require.InDelta(t, LookupSize/2, ones, float64(LookupSize)*0.05)
}

func TestPoolOfStable(t *testing.T) {
	l := GenLookup(4)
	p1 := l.PoolOf("cpu.load")
	p2 := l.PoolOf("cpu.load")
	require.Equal(t, p1, p2)
	require.Less(t, p1, uint16(4))
}
