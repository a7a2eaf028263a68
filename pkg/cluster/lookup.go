package cluster

import "hash/crc32"

// LookupSize is the fixed number of slots in a SeriesLookup table.
const LookupSize = 8192

// SeriesLookup maps a hashed series-name slot to the id of the pool that
// owns it. The table is regenerated from scratch whenever the pool count
// changes and is otherwise immutable.
type SeriesLookup [LookupSize]uint16

// GenLookup is a pure function: (numPools) -> SeriesLookup. Running it twice
// with the same numPools produces identical tables.
//
// The algorithm reassigns 1/(n+1) of each existing pool's slots to the newly
// added pool n, for each n from 1 up to numPools-1, seeded with offset
// counters [0, 1, ..., n-1]. This moves only the slots that must move when a
// pool is added, and the offset seeding makes the tie-break deterministic
// across nodes.
func GenLookup(numPools uint16) SeriesLookup {
	var lookup SeriesLookup // all zero: with 1 pool, every slot owns pool 0
	if numPools == 0 {
		numPools = 1
	}
	makeLookup(1, numPools, &lookup)
	return lookup
}

func makeLookup(n, numPools uint16, lookup *SeriesLookup) {
	if n == numPools {
		return
	}

	counters := make([]uint16, n)
	for i := range counters {
		counters[i] = uint16(i)
	}

	m := n + 1
	for i := 0; i < LookupSize; i++ {
		slot := lookup[i]
		counters[slot]++
		if counters[slot]%m == 0 {
			lookup[i] = n
		}
	}
	makeLookup(m, numPools, lookup)
}

// HashSeries maps a series name to a lookup slot in [0, LookupSize). This
// is a pinned part of the wire contract: once chosen it must
// never change, so callers should not substitute a different hash without a
// full-cluster migration.
func HashSeries(name string) uint16 {
	return uint16(crc32.ChecksumIEEE([]byte(name)) % LookupSize)
}

// PoolOf returns the id of the pool owning the given series name under the
// given lookup table.
func (l SeriesLookup) PoolOf(name string) uint16 {
	return l[HashSeries(name)]
}
