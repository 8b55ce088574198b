// Package invalidation translates committed writes into the set of
// subscriptions that must re-run. The translation is conservative: false
// positives cost a redundant query, false negatives would break reactivity
// and are never acceptable.
package invalidation

import (
	"strings"
	"sync"
)

// Bus decides which query paths a table write can affect. It owns no
// subscription state; callers supply the candidate paths.
//
// Matching is two-tiered: a declared read-set (tables a query path reads,
// registered by the function registry) wins when present; otherwise the
// conservative rule applies — a path is affected when any colon-delimited
// segment equals the table name.
type Bus struct {
	mu       sync.RWMutex
	readSets map[string]map[string]bool // query path → table set
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{readSets: make(map[string]map[string]bool)}
}

// DeclareReadSet registers the tables a query path reads. Declaring an
// empty set removes the declaration and restores conservative matching.
func (b *Bus) DeclareReadSet(path string, tables ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(tables) == 0 {
		delete(b.readSets, path)
		return
	}
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	b.readSets[path] = set
}

// Affects reports whether a write to table can change the result of the
// query at path.
func (b *Bus) Affects(table, path string) bool {
	b.mu.RLock()
	set, declared := b.readSets[path]
	b.mu.RUnlock()
	if declared {
		return set[table]
	}
	return pathNamesTable(path, table)
}

// pathNamesTable is the conservative fallback: exact path match or any
// colon-delimited segment equal to the table name. Substring matches are
// deliberately not enough — a table named "user" must not invalidate
// "userSettings:list".
func pathNamesTable(path, table string) bool {
	if path == table {
		return true
	}
	for seg := range strings.SplitSeq(path, ":") {
		if seg == table {
			return true
		}
	}
	return false
}
