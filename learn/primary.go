package learn

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	logger "github.com/rs/zerolog/log"

	"github.com/lishenglong/rDSN/appiface"
	"github.com/lishenglong/rDSN/config"
	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
	"github.com/lishenglong/rDSN/preparelist"
)

// PrimaryHost is the subset of replica role state the primary-side learner
// table needs (spec.md §4.4, §4.5): its own address, ballot, status, and
// prepare list, plus the ability to check whether an address is already an
// ordinary secondary. Implemented by the Replica Coordinator (C5).
type PrimaryHost interface {
	Ballot() int64
	Address() string
	Status() messages.ReplicaStatus
	PrepareList() *preparelist.PrepareList
	IsSecondary(address string) bool
}

// learnerRecord is what the primary remembers about one potential
// secondary currently learning this partition.
type learnerRecord struct {
	signature          uint64
	prepareStartDecree gpid.Decree
	lastRequestAt      time.Time
	succeeded          bool
}

// LearnerTable is the primary-side counterpart to Learner: one table per
// partition, tracking every address currently learning it and answering
// LEARN / LEARN_COMPLETION_NOTIFY requests (spec.md §4.4's on_learn and
// on_learn_completion_notification).
type LearnerTable struct {
	gpid gpid.GPID
	host PrimaryHost
	app  appiface.App
	opts config.Options

	mu       sync.Mutex
	learners map[string]*learnerRecord
}

// NewLearnerTable constructs an empty LearnerTable for gpid.
func NewLearnerTable(g gpid.GPID, host PrimaryHost, app appiface.App, opts config.Options) *LearnerTable {
	return &LearnerTable{
		gpid:     g,
		host:     host,
		app:      app,
		opts:     opts,
		learners: make(map[string]*learnerRecord),
	}
}

// RegisterLearner opens address's bookkeeping entry with signature, the
// step the primary takes before sending it an AddLearnerRequest (spec.md
// §4.4's on_add_learner is handled learner-side; this is its primary-side
// counterpart).
func (t *LearnerTable) RegisterLearner(address string, signature uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.learners[address] = &learnerRecord{signature: signature}
}

// RemoveLearner drops address's bookkeeping entry, e.g. once it has been
// promoted to secondary or dropped from the replica group.
func (t *LearnerTable) RemoveLearner(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.learners, address)
}

// OnLearn answers one LEARN request (spec.md §4.4's on_learn).
func (t *LearnerTable) OnLearn(req *messages.LearnRequest) *messages.LearnResponse {
	cfg := t.currentConfig()

	if t.host.Status() != messages.StatusPrimary {
		return &messages.LearnResponse{Err: messages.InvalidState, Config: cfg}
	}

	lastCommitted := t.host.PrepareList().LastCommittedDecree()

	// A learner reporting more than we have committed has lost state
	// (duplicated-data disaster); treat its app decree as zero rather
	// than trust it (spec.md §4.4).
	appDecree := req.LastCommittedDecreeInApp
	if appDecree > lastCommitted {
		appDecree = gpid.InvalidDecree
	}

	t.mu.Lock()
	rec, ok := t.learners[req.LearnerAddress]
	if !ok {
		t.mu.Unlock()
		if t.host.IsSecondary(req.LearnerAddress) {
			return &messages.LearnResponse{Config: cfg}
		}
		return &messages.LearnResponse{Err: messages.ObjectNotFound, Config: cfg}
	}
	if rec.signature != req.Signature {
		t.mu.Unlock()
		return &messages.LearnResponse{Err: messages.ObjectNotFound, Config: cfg}
	}
	rec.lastRequestAt = time.Now()

	resp := &messages.LearnResponse{Config: cfg}

	threshold := gpid.Decree(t.opts.StalenessForStartPrepareForPotentialSecondary)
	if appDecree+threshold >= lastCommitted {
		if rec.prepareStartDecree == gpid.InvalidDecree {
			rec.prepareStartDecree = lastCommitted + 1
		}
		resp.PrepareStartDecree = rec.prepareStartDecree
	} else {
		rec.prepareStartDecree = gpid.InvalidDecree
	}
	t.mu.Unlock()

	state, err := t.app.GetLearnState(appDecree+1, req.AppSpecificPayload)
	if err != nil {
		logger.Error().Err(err).Str("gpid", t.gpid.String()).Str("learner", req.LearnerAddress).
			Msg("get_learn_state failed")
		resp.Err = messages.GetLearnStateFailed
		return resp
	}
	resp.State = t.relativizeFiles(*state)

	return resp
}

// relativizeFiles strips the primary's data_dir() prefix from every file
// path in state so the learner can re-join them under its own learn_dir()
// (spec.md §4.4).
func (t *LearnerTable) relativizeFiles(state messages.LearnState) messages.LearnState {
	prefix := t.app.DataDir()
	for i, f := range state.Files {
		rel, err := filepath.Rel(prefix, f.RelativePath)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue // already relative, or outside data_dir: leave as-is
		}
		state.Files[i].RelativePath = rel
	}
	return state
}

// OnLearnCompletionNotification handles LEARN_COMPLETION_NOTIFY (spec.md
// §4.4). It returns true once the recorded learner's signature matches and
// it reports Succeeded, meaning the caller (C5) should upgrade it to a
// regular secondary.
func (t *LearnerTable) OnLearnCompletionNotification(resp *messages.GroupCheckResponse) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.learners[resp.Node]
	if !ok || rec.signature != resp.LearnerSignature {
		logger.Warn().Str("gpid", t.gpid.String()).Str("learner", resp.Node).
			Msg("learn completion notification with stale or unknown signature")
		return false
	}

	if resp.Status != messages.StatusSucceeded {
		return false
	}

	rec.succeeded = true
	return true
}

func (t *LearnerTable) currentConfig() messages.ReplicaConfig {
	return messages.ReplicaConfig{
		Ballot:  t.host.Ballot(),
		Primary: t.host.Address(),
		Status:  t.host.Status(),
	}
}
