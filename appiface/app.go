// Package appiface declares the per-partition application state machine
// surface the replication core depends on, per spec.md §1: "The per-
// partition application state machine (app) — referenced only via
// last_committed_decree, last_durable_decree, get_learn_state,
// apply_learn_state, flush, data_dir, learn_dir."
package appiface

import (
	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
)

// App is implemented by the host application; this core never constructs
// one, only calls through this interface.
type App interface {
	// LastCommittedDecree is the largest decree the consensus layer has
	// agreed to commit into this app.
	LastCommittedDecree() gpid.Decree

	// LastDurableDecree is the largest decree whose state has been
	// flushed to the app's persistent store.
	LastDurableDecree() gpid.Decree

	// GetLearnState builds a checkpoint/delta for a learner whose app has
	// reported itself committed up to startDecree-1.
	GetLearnState(startDecree gpid.Decree, appSpecificPayload []byte) (*messages.LearnState, error)

	// ApplyLearnState installs a learn state fetched from the primary.
	ApplyLearnState(state *messages.LearnState) error

	// Flush forces pending app state to durable storage. If wait is true,
	// it blocks until every outstanding write has been acknowledged.
	Flush(wait bool) error

	// DataDir is the app's persistent-storage directory; file paths in a
	// LearnState are stripped of this prefix before being sent over the
	// wire (spec §4.4). The learner does not re-join them with any
	// directory: the files are staged under LearnDir() at the same
	// relative paths, and ApplyLearnState receives the paths still
	// relative.
	DataDir() string

	// LearnDir is where a learner stages files copied from the primary
	// before ApplyLearnState is called.
	LearnDir() string
}
