package proclet

import (
	lru "github.com/hashicorp/golang-lru/v2"

	gort "github.com/proclet/nu/internal/runtime"
)

// defaultDirCacheSize bounds the caller-side id→host directory cache —
// a caller caches id → host and treats WrongClient as a cache-invalidation
// signal — so a long-lived client that has called into many proclets
// does not grow this map forever.
const defaultDirCacheSize = 4096

// dirCache is the process-wide caller-side directory cache shared by
// every Proclet[T] handle on this node: a successful remote call installs
// its host, a WrongClient reply evicts it (dispatch.go), matching the
// same cache nomad's rpcproxy keeps for server addresses.
var dirCache = newDirCache()

type dirCacheT = lru.Cache[gort.ProcletID, string]

func newDirCache() *dirCacheT {
	c, err := lru.New[gort.ProcletID, string](defaultDirCacheSize)
	if err != nil {
		// defaultDirCacheSize is a compile-time positive constant; New
		// only errors on size <= 0.
		panic(err)
	}
	return c
}

func dirCacheGet(id gort.ProcletID) (string, bool) {
	return dirCache.Get(id)
}

func dirCacheSet(id gort.ProcletID, host string) {
	dirCache.Add(id, host)
}

func dirCacheEvict(id gort.ProcletID) {
	dirCache.Remove(id)
}
