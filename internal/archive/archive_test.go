package archive

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestPool_ReuseAfterPut(t *testing.T) {
	p := New(2, 4)

	a := p.GetOutputArchive(0)
	a.Append([]byte("hello"))
	p.PutOutputArchive(0, a)

	b := p.GetOutputArchive(0)
	must.Eq(t, 0, len(b.Bytes()))
	must.Eq(t, a, b)
}

func TestPool_FallsBackWhenCoreUnknown(t *testing.T) {
	p := New(1, 4)
	a := p.GetInputArchive(-1)
	must.NotNil(t, a)
	p.PutInputArchive(-1, a) // no-op, does not panic
}

func TestPool_CacheSizeBound(t *testing.T) {
	p := New(1, 2)
	var archives []*Archive
	for i := 0; i < 4; i++ {
		archives = append(archives, p.GetOutputArchive(0))
	}
	for _, a := range archives {
		p.PutOutputArchive(0, a)
	}
	// only cacheSize (2) should be retained; draining 4 gets back at most
	// 2 reused + 2 freshly minted, never panics or loses track.
	for i := 0; i < 4; i++ {
		must.NotNil(t, p.GetOutputArchive(0))
	}
}
