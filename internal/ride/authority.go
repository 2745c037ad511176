package ride

import "time"

// authority picks the one source whose revolution samples feed a quantity.
// Several channels can report the same wheel or crank (a CSC combo sensor,
// a power meter or trainer carrying wheel and crank data), and summing them
// would count every revolution more than once.
//
// Ranked sources are preferred in order; unranked ones only fill in. A
// lower ranked source takes over while the owner is lost or quiet for
// longer than the staleness window, and gives way as soon as a better
// ranked source reports again.
type authority struct {
	rank  map[string]int
	owner string
	seen  time.Time
}

func newAuthority(ranked []string) *authority {
	a := &authority{rank: make(map[string]int, len(ranked))}
	for i, src := range ranked {
		if _, dup := a.rank[src]; !dup {
			a.rank[src] = i
		}
	}
	return a
}

func (a *authority) rankOf(source string) int {
	if r, ok := a.rank[source]; ok {
		return r
	}
	return len(a.rank)
}

// admit reports whether a sample from source at time at should be applied,
// and whether source has just become the owner.
func (a *authority) admit(source string, at time.Time, window time.Duration) (ok, took bool) {
	switch {
	case a.owner == source:
		a.seen = at
		return true, false
	case a.owner == "",
		at.Sub(a.seen) > window,
		a.rankOf(source) < a.rankOf(a.owner):
		a.owner = source
		a.seen = at
		return true, true
	}
	return false, false
}

// release drops ownership held by source, letting the next reporter take it.
func (a *authority) release(source string) {
	if a.owner == source {
		a.owner = ""
		a.seen = time.Time{}
	}
}
