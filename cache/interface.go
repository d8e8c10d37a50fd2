package cache

import "expvar"

// Interface is the public API for a fixed-size cache. The engine shares one
// instance across all segment readers to bound decompressed-block memory.
type Interface[V any] interface {
	Put(key string, value V)
	Get(key string) (value V, ok bool)
	Clear()
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
	Len() int
}
