//go:build test

package cache

const (
	// MinCacheBlocks is the lower bound of the cache budget. Below this a
	// single tree descent could thrash its own path.
	MinCacheBlocks = 4
)
