// Package replica implements the Replica Coordinator (C5, spec.md §4.5):
// the hashed-access guard that owns one partition's role, prepare list,
// learning session, and (while primary) learner table, and serializes
// every operation touching them through a single hash-pinned task queue.
package replica

import (
	"sync"

	logger "github.com/rs/zerolog/log"

	"github.com/lishenglong/rDSN/appiface"
	"github.com/lishenglong/rDSN/config"
	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/learn"
	"github.com/lishenglong/rDSN/messages"
	"github.com/lishenglong/rDSN/mutationlog"
	"github.com/lishenglong/rDSN/nfscopy"
	"github.com/lishenglong/rDSN/preparelist"
	"github.com/lishenglong/rDSN/transport"
)

// Coordinator owns everything spec.md §4.5 assigns to one partition: its
// role, its Prepare List, its Learning Session (as a potential secondary)
// or Learner Table (as primary). Every method that touches that state
// enqueues onto executor rather than asserting it is already running
// there, so single-partition serialization is enforced by construction
// (spec.md §9's "Hashed single-threaded access" redesign note) instead of
// by a check_hashed_access assertion.
type Coordinator struct {
	gpid     gpid.GPID
	address  string
	executor transport.TaskRunner

	app  appiface.App
	log  *mutationlog.MutationLog
	rpc  transport.RPC
	nfs  nfscopy.Client
	opts config.Options

	mu          sync.Mutex
	status      messages.ReplicaStatus
	ballot      int64
	primaryAddr string
	secondaries map[string]bool

	pl       *preparelist.PrepareList
	learner  *learn.Learner
	learners *learn.LearnerTable
}

// New constructs a Coordinator for gpid in the Inactive role. executor
// must be the TaskRunner HashedExecutor.For(gpid) returns, so that every
// partition's operations are pinned to one goroutine.
func New(g gpid.GPID, address string, executor transport.TaskRunner, app appiface.App, log *mutationlog.MutationLog, rpc transport.RPC, nfs nfscopy.Client, opts config.Options) *Coordinator {
	c := &Coordinator{
		gpid:        g,
		address:     address,
		executor:    executor,
		app:         app,
		log:         log,
		rpc:         rpc,
		nfs:         nfs,
		opts:        opts,
		status:      messages.StatusInactive,
		secondaries: make(map[string]bool),
	}
	c.pl = preparelist.New(app.LastCommittedDecree(), opts.PrepareListCapacity, c.onMutationCommitted)
	return c
}

// onMutationCommitted is the Prepare List's commit hook (spec.md §4.3).
// Applying m to the application's own state machine happens outside this
// core, through whatever path already drives app's last_committed_decree
// forward; this just records the event for observability.
func (c *Coordinator) onMutationCommitted(m *messages.Mutation) {
	logger.Debug().Str("gpid", c.gpid.String()).Uint64("decree", uint64(m.Decree)).Msg("mutation committed")
}

// --- learn.Host / learn.PrimaryHost, read/write from any goroutine ---

// Status returns the coordinator's current replica role.
func (c *Coordinator) Status() messages.ReplicaStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus installs status directly, bypassing role-transition setup;
// used by the Learning Session to move the replica to Error (spec.md
// §4.4's handle_learning_error).
func (c *Coordinator) SetStatus(status messages.ReplicaStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// Ballot returns the coordinator's current ballot number.
func (c *Coordinator) Ballot() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ballot
}

// Address returns this replica's own network identity.
func (c *Coordinator) Address() string { return c.address }

// PrimaryAddress returns the address this replica currently believes is
// primary.
func (c *Coordinator) PrimaryAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryAddr
}

// AdoptConfig installs a newer ReplicaConfig learned from a LEARN reply or
// an AddLearnerRequest (spec.md §4.4).
func (c *Coordinator) AdoptConfig(cfg messages.ReplicaConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ballot = cfg.Ballot
	c.primaryAddr = cfg.Primary
}

// IsSecondary reports whether address is a recognized regular secondary
// of this partition (spec.md §4.4's on_learn "already a regular
// secondary" branch).
func (c *Coordinator) IsSecondary(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secondaries[address]
}

// PrepareList returns the partition's Prepare List. The list has no
// locking of its own; the coordinator only reads and mutates it on the
// executor.
func (c *Coordinator) PrepareList() *preparelist.PrepareList { return c.pl }

// --- role transitions, run on the executor ---

// BecomePrimary transitions the partition to Primary under ballot,
// opening a fresh Learner Table (spec.md §4.5).
func (c *Coordinator) BecomePrimary(ballot int64) {
	c.executor.Go(func() {
		c.mu.Lock()
		c.status = messages.StatusPrimary
		c.ballot = ballot
		c.primaryAddr = c.address
		c.mu.Unlock()

		c.learner = nil
		c.learners = learn.NewLearnerTable(c.gpid, c, c.app, c.opts)

		logger.Info().Str("gpid", c.gpid.String()).Int64("ballot", ballot).Msg("became primary")
	})
}

// BecomeSecondary transitions the partition to a regular Secondary of
// primaryAddr under ballot.
func (c *Coordinator) BecomeSecondary(ballot int64, primaryAddr string) {
	c.executor.Go(func() {
		c.mu.Lock()
		c.status = messages.StatusSecondary
		c.ballot = ballot
		c.primaryAddr = primaryAddr
		c.mu.Unlock()

		c.learner = nil
		c.learners = nil

		logger.Info().Str("gpid", c.gpid.String()).Int64("ballot", ballot).Msg("became secondary")
	})
}

// BecomePotentialSecondary transitions the partition to PotentialSecondary
// and opens a fresh Learning Session against primaryAddr, then kicks off
// its first round under signature.
func (c *Coordinator) BecomePotentialSecondary(ballot int64, primaryAddr string, signature uint64) {
	c.executor.Go(func() {
		c.mu.Lock()
		c.status = messages.StatusPotentialSecondary
		c.ballot = ballot
		c.primaryAddr = primaryAddr
		c.mu.Unlock()

		c.learners = nil
		c.learner = learn.NewLearner(c.gpid, c, c.app, c.rpc, c.nfs, c.executor)

		logger.Info().Str("gpid", c.gpid.String()).Int64("ballot", ballot).Msg("became potential secondary")

		c.learner.InitLearn(signature)
	})
}

// --- mutation path (C2/C3 glue), run on the executor ---

// Propose is the primary's entry point for a newly accepted write: it
// wraps body in a mutation at the caller-supplied decree and ballot,
// prepares it in the Prepare List, appends it to the Mutation Log, and
// invokes completion once the log's write completes.
func (c *Coordinator) Propose(decree gpid.Decree, ballot int64, body []byte, completion func(err error)) {
	c.executor.Go(func() {
		if c.Status() != messages.StatusPrimary {
			completion(messages.NewError(messages.InvalidState, "propose called while not primary"))
			return
		}

		m := &messages.Mutation{GPID: c.gpid, Decree: decree, Ballot: ballot, Body: body}
		if err := c.pl.Prepare(m); err != nil {
			completion(err)
			return
		}

		_, err := c.log.Append(m, func(err error, n int) {
			c.executor.Go(func() { completion(err) })
		})
		if err != nil {
			completion(err)
		}
	})
}

// OnPrepare is a secondary's entry point for a mutation forwarded by the
// primary: append it to the local log and hold it in the Prepare List
// pending commit.
func (c *Coordinator) OnPrepare(m *messages.Mutation, completion func(err error)) {
	c.executor.Go(func() {
		if err := c.pl.Prepare(m); err != nil {
			completion(err)
			return
		}
		_, err := c.log.Append(m, func(err error, n int) {
			c.executor.Go(func() { completion(err) })
		})
		if err != nil {
			completion(err)
		}
	})
}

// OnCommit advances the Prepare List's committed decree (spec.md §4.3);
// the result is delivered to done once the commit step has run on the
// executor.
func (c *Coordinator) OnCommit(decree gpid.Decree, force bool, done func(ok bool)) {
	c.executor.Go(func() {
		done(c.pl.Commit(decree, force))
	})
}

// --- learning protocol glue (C4), run on the executor ---

// HandleLearn answers a LEARN request while primary, blocking the caller
// until the partition's executor has produced a response.
func (c *Coordinator) HandleLearn(req *messages.LearnRequest) *messages.LearnResponse {
	result := make(chan *messages.LearnResponse, 1)
	c.executor.Go(func() {
		if c.learners == nil {
			result <- &messages.LearnResponse{Err: messages.InvalidState, Config: c.currentConfig()}
			return
		}
		result <- c.learners.OnLearn(req)
	})
	return <-result
}

// HandleLearnCompletionNotification answers LEARN_COMPLETION_NOTIFY while
// primary; on success it promotes the learner to a regular secondary.
func (c *Coordinator) HandleLearnCompletionNotification(resp *messages.GroupCheckResponse) {
	c.executor.Go(func() {
		if c.learners == nil {
			return
		}
		if c.learners.OnLearnCompletionNotification(resp) {
			c.mu.Lock()
			c.secondaries[resp.Node] = true
			c.mu.Unlock()
			c.learners.RemoveLearner(resp.Node)
			logger.Info().Str("gpid", c.gpid.String()).Str("learner", resp.Node).Msg("promoted learner to secondary")
		}
	})
}

// HandleAddLearner answers an AddLearnerRequest while a potential
// secondary: adopt the new config and begin (or restart) a learning
// round.
func (c *Coordinator) HandleAddLearner(req *messages.AddLearnerRequest) {
	c.executor.Go(func() {
		if c.learner == nil {
			c.learner = learn.NewLearner(c.gpid, c, c.app, c.rpc, c.nfs, c.executor)
		}
		c.learner.OnAddLearner(req)
	})
}

// RegisterLearner opens a bookkeeping entry for address under signature
// in the primary's Learner Table, the step taken before the out-of-core
// membership protocol notifies address to start learning.
func (c *Coordinator) RegisterLearner(address string, signature uint64) {
	c.executor.Go(func() {
		if c.learners != nil {
			c.learners.RegisterLearner(address, signature)
		}
	})
}

func (c *Coordinator) currentConfig() messages.ReplicaConfig {
	return messages.ReplicaConfig{
		Ballot:  c.Ballot(),
		Primary: c.PrimaryAddress(),
		Status:  c.Status(),
	}
}
