package reconcile

import (
	"github.com/picoswarm/snail/block"
	"github.com/picoswarm/snail/repo"
)

// BuildIndex iterates a Repository and collects (date, hash) pairs for every
// slot whose hops is below maxHops, matching spec.md §4.4's boot-time index
// construction and Testable Property 7 ("the live reconciler index never
// contains an entry for a block with hops >= MAX_HOPS").
func BuildIndex(r *repo.Repository, maxHops uint8) []Entry {
	var entries []Entry
	for sv := range r.All() {
		if sv.Hops >= maxHops {
			continue
		}
		entry := Entry{Hash: sv.Hash, Date: sv.StoredAt}
		if b, err := block.Parse(sv.BlockBytes); err == nil {
			entry.Date = block.ReadDate(b)
		}
		entries = append(entries, entry)
	}
	return entries
}

// NewSetReconcilerFromRepository is a convenience constructor combining
// BuildIndex with NewSetReconciler.
func NewSetReconcilerFromRepository(r *repo.Repository, maxHops uint8) *SetReconciler {
	return NewSetReconciler(BuildIndex(r, maxHops))
}
