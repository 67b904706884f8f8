package adapter

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/rr-go/rrgdbadapter/pkg/replay"
	"github.com/rr-go/rrgdbadapter/pkg/rsp"
)

// conditionSet is an ordered sequence of opaque byte-code programs
// attached to a breakpoint or watchpoint. It is never built empty: "no
// condition object attached" is a nil replay.ConditionSet, which always
// breaks.
type conditionSet struct {
	programs []rsp.ConditionExpr
}

// newConditionSet builds a conditionSet from the byte-code programs
// attached to a watch/breakpoint install request. A nil or empty slice
// yields a nil ConditionSet, meaning "always break".
func newConditionSet(programs []rsp.ConditionExpr) replay.ConditionSet {
	if len(programs) == 0 {
		return nil
	}
	return &conditionSet{programs: programs}
}

// ShouldBreak breaks if any program fails to evaluate, or any evaluates
// to a nonzero integer.
func (c *conditionSet) ShouldBreak(t replay.Task) bool {
	for _, p := range c.programs {
		value, ok := p.Evaluate(t)
		if !ok {
			return true
		}
		if value != 0 {
			return true
		}
	}
	return false
}

// conditionCacheSize bounds the LRU used to avoid rebuilding a
// conditionSet every time a client replaces the same breakpoint's
// condition list (a common pattern while a user iterates on "break if
// x > N").
const conditionCacheSize = 256

// conditionCache memoizes conditionSet construction keyed by breakpoint
// address, so repeated set_sw_break calls against the same address with an
// unchanged condition list reuse the previous conditionSet rather than
// reallocating.
type conditionCache struct {
	cache *lru.Cache
}

func newConditionCache() *conditionCache {
	c, err := lru.New(conditionCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// conditionCacheSize never is.
		panic(err)
	}
	return &conditionCache{cache: c}
}

// conditionKey identifies a cache entry: the address plus the length and
// first program of the condition list (ConditionExpr is opaque to this
// package). getOrBuild compares the full list on a hit.
type conditionKey struct {
	addr uint64
	n    int
	head rsp.ConditionExpr
}

func keyFor(addr uint64, programs []rsp.ConditionExpr) conditionKey {
	var head rsp.ConditionExpr
	if len(programs) > 0 {
		head = programs[0]
	}
	return conditionKey{addr: addr, n: len(programs), head: head}
}

// getOrBuild returns a cached replay.ConditionSet for (addr, programs) if
// a previous call had the same address and the same programs, else builds
// and caches a new one.
func (c *conditionCache) getOrBuild(addr uint64, programs []rsp.ConditionExpr) replay.ConditionSet {
	key := keyFor(addr, programs)
	if v, ok := c.cache.Get(key); ok {
		cs, _ := v.(replay.ConditionSet)
		prev, isSet := cs.(*conditionSet)
		same := !isSet || len(prev.programs) == len(programs)
		for i := 0; same && isSet && i < len(programs); i++ {
			same = prev.programs[i] == programs[i]
		}
		if same {
			return cs
		}
	}
	cs := newConditionSet(programs)
	c.cache.Add(key, cs)
	return cs
}
