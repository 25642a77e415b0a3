// Package preparelist implements the Prepare List (spec.md §4.3): a
// bounded, in-memory mapping from decree to mutation for decrees beyond
// last_committed_decree, awaiting commit.
package preparelist

import (
	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
)

// CommitFunc is invoked, in decree order, as each mutation is committed.
type CommitFunc func(m *messages.Mutation)

// PrepareList holds prepared-but-not-committed mutations for decrees in
// (LastCommittedDecree, LastCommittedDecree+MaxCount].
type PrepareList struct {
	entries             map[gpid.Decree]*messages.Mutation
	lastCommittedDecree gpid.Decree
	maxCount            int
	commit              CommitFunc
}

// New creates a PrepareList seeded at initDecree, committing through
// commitFn.
func New(initDecree gpid.Decree, maxCount int, commitFn CommitFunc) *PrepareList {
	return &PrepareList{
		entries:             make(map[gpid.Decree]*messages.Mutation),
		lastCommittedDecree: initDecree,
		maxCount:            maxCount,
		commit:              commitFn,
	}
}

// LastCommittedDecree returns the largest decree committed so far.
func (p *PrepareList) LastCommittedDecree() gpid.Decree { return p.lastCommittedDecree }

// Count returns the number of entries currently prepared.
func (p *PrepareList) Count() int { return len(p.entries) }

// Get returns the prepared mutation for decree, if any.
func (p *PrepareList) Get(decree gpid.Decree) (*messages.Mutation, bool) {
	m, ok := p.entries[decree]
	return m, ok
}

// Prepare inserts m by decree. Insertion order relative to other decrees
// does not matter. It fails if m.Decree exceeds the prepare window.
func (p *PrepareList) Prepare(m *messages.Mutation) error {
	if m.Decree > p.lastCommittedDecree+gpid.Decree(p.maxCount) {
		return messages.Errorf(messages.InvalidState,
			"decree %d exceeds prepare window (last_committed=%d, max_count=%d)",
			m.Decree, p.lastCommittedDecree, p.maxCount)
	}
	if m.Decree <= p.lastCommittedDecree {
		// Already committed; a duplicate prepare for an old decree is a
		// harmless no-op.
		return nil
	}
	p.entries[m.Decree] = m
	return nil
}

// Commit advances LastCommittedDecree by invoking commit(mutation) for
// every decree from LastCommittedDecree+1 up to decree, in order. With
// force=false, it stops at the first missing decree and returns false.
// With force=true, it is permitted to skip a missing decree (modeling
// allow_prepare_ack_before_logging semantics) and still advance past it,
// returning true as long as decree itself is committed.
func (p *PrepareList) Commit(decree gpid.Decree, force bool) bool {
	if decree <= p.lastCommittedDecree {
		return true
	}

	for d := p.lastCommittedDecree + 1; d <= decree; d++ {
		m, ok := p.entries[d]
		if !ok {
			if !force {
				return false
			}
			// force=true: the gap is tolerated, last_committed_decree
			// still advances past it. The missing mutation can never be
			// replayed from this list again.
			p.lastCommittedDecree = d
			continue
		}
		p.commit(m)
		delete(p.entries, d)
		p.lastCommittedDecree = d
	}
	return true
}

// Reset drops every entry and resets LastCommittedDecree to initDecree.
func (p *PrepareList) Reset(initDecree gpid.Decree) {
	p.entries = make(map[gpid.Decree]*messages.Mutation)
	p.lastCommittedDecree = initDecree
}

// Truncate drops only entries with decree <= initDecree, without changing
// LastCommittedDecree.
func (p *PrepareList) Truncate(initDecree gpid.Decree) {
	for d := range p.entries {
		if d <= initDecree {
			delete(p.entries, d)
		}
	}
}
