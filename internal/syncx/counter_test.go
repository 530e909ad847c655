package syncx

import (
	"sync"
	"testing"

	"github.com/shoenig/test/must"
)

func TestCounter_SumsAcrossShards(t *testing.T) {
	c := NewCounter(4)
	var wg sync.WaitGroup
	for core := 0; core < 4; core++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Inc(core)
			}
		}(core)
	}
	wg.Wait()
	must.Eq(t, int64(400), c.Get())

	c.Dec(0)
	must.Eq(t, int64(399), c.Get())
}

func TestCounter_ResetZeroesAllShards(t *testing.T) {
	c := NewCounter(2)
	c.Inc(0)
	c.Inc(1)
	c.Reset()
	must.Eq(t, int64(0), c.Get())
}

func TestCounter_OutOfRangeCoreFallsBackToShardZero(t *testing.T) {
	c := NewCounter(1)
	c.Inc(5)
	must.Eq(t, int64(1), c.Get())
}
