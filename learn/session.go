// Package learn implements the Learning State Machine (spec.md §4.4): the
// per-learner session by which a potential secondary catches up to a
// primary, and the primary-side handlers it talks to.
package learn

import (
	"context"

	logger "github.com/rs/zerolog/log"

	"github.com/lishenglong/rDSN/appiface"
	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
	"github.com/lishenglong/rDSN/nfscopy"
	"github.com/lishenglong/rDSN/preparelist"
	"github.com/lishenglong/rDSN/transport"
)

// Host is the subset of the replica's role state machine the learner
// session needs: its own status, ballot, and the ability to move to
// Error or adopt a newer config (spec.md §4.4, §4.5). Owned outside this
// package -- the Replica Coordinator (C5) implements it.
type Host interface {
	Status() messages.ReplicaStatus
	Ballot() int64
	Address() string
	PrimaryAddress() string
	AdoptConfig(cfg messages.ReplicaConfig)
	SetStatus(messages.ReplicaStatus)
	PrepareList() *preparelist.PrepareList
}

// Learner drives one potential secondary's catch-up session. All of its
// methods are meant to run on the owning partition's single-threaded
// executor (spec.md §4.5); Learner performs no internal locking.
type Learner struct {
	gpid gpid.GPID

	host  Host
	app   appiface.App
	rpc   transport.RPC
	nfs   nfscopy.Client
	tasks transport.TaskRunner

	signature    uint64
	status       messages.LearnStatus
	roundRunning bool

	copyCancel context.CancelFunc
}

// NewLearner constructs a Learner for gpid, in its initial WithoutPrepare
// state with no signature.
func NewLearner(g gpid.GPID, host Host, app appiface.App, rpc transport.RPC, nfs nfscopy.Client, tasks transport.TaskRunner) *Learner {
	return &Learner{
		gpid:   g,
		host:   host,
		app:    app,
		rpc:    rpc,
		nfs:    nfs,
		tasks:  tasks,
		status: messages.StatusWithoutPrepare,
	}
}

// Status returns the learner's current LearnStatus. Like every other
// Learner method, it must be called from the owning partition's executor.
func (l *Learner) Status() messages.LearnStatus {
	return l.status
}

// Signature returns the learner's current learning signature. Like every
// other Learner method, it must be called from the owning partition's
// executor.
func (l *Learner) Signature() uint64 {
	return l.signature
}

// InitLearn drives one round of the learning protocol (spec.md §4.4). After
// a round completes without error, the learner calls InitLearn again itself
// with the same signature; after a failed round the host is in Error, so a
// further call returns at once.
func (l *Learner) InitLearn(signature uint64) {
	if l.host.Status() != messages.StatusPotentialSecondary {
		logger.Warn().Str("gpid", l.gpid.String()).Msg("init_learn called while not a potential secondary")
		return
	}

	if signature == 0 {
		return
	}

	if l.roundRunning {
		return
	}

	if signature != l.signature {
		l.resetSession(signature)
	} else {
		switch l.status {
		case messages.StatusSucceeded:
			l.notifyLearnCompletion()
			return
		case messages.StatusFailed:
			// fall through to issue another round
		case messages.StatusWithPrepare:
			if l.app.LastDurableDecree() >= l.host.PrepareList().LastCommittedDecree() {
				l.status = messages.StatusSucceeded
				l.notifyLearnCompletion()
				return
			}
		case messages.StatusWithoutPrepare:
			// fall through
		}
	}

	l.roundRunning = true

	req := &messages.LearnRequest{
		GPID:                         l.gpid,
		LastCommittedDecreeInApp:     l.app.LastCommittedDecree(),
		LastCommittedDecreeInPrepare: l.host.PrepareList().LastCommittedDecree(),
		LearnerAddress:               l.host.Address(),
		Signature:                    l.signature,
	}

	l.tasks.Go(func() {
		resp, err := l.rpc.Learn(context.Background(), l.host.PrimaryAddress(), req)
		l.tasks.Go(func() {
			l.onLearnReply(err, req, resp)
		})
	})
}

// resetSession implements the signature-mismatch branch of init_learn
// (spec.md §4.4): reverts to WithoutPrepare and rewinds the prepare list
// to the app's own committed decree.
func (l *Learner) resetSession(signature uint64) {
	l.status = messages.StatusWithoutPrepare
	l.host.PrepareList().Reset(l.app.LastCommittedDecree())
	l.signature = signature
	l.roundRunning = false
}

// notifyLearnCompletion sends LEARN_COMPLETION_NOTIFY to the primary
// (spec.md §4.4).
func (l *Learner) notifyLearnCompletion() {
	resp := &messages.GroupCheckResponse{
		LastCommittedDecreeInApp:     l.app.LastCommittedDecree(),
		LastCommittedDecreeInPrepare: l.host.PrepareList().LastCommittedDecree(),
		LearnerSignature:             l.signature,
		Status:                      messages.StatusSucceeded,
		Node:                        l.host.Address(),
	}
	l.tasks.Go(func() {
		if err := l.rpc.NotifyLearnCompletion(context.Background(), l.host.PrimaryAddress(), resp); err != nil {
			logger.Warn().Err(err).Str("gpid", l.gpid.String()).Msg("could not notify learn completion")
		}
	})
}

// onLearnReply implements on_learn_reply (spec.md §4.4). It always runs
// back on the partition's executor (InitLearn schedules it that way).
func (l *Learner) onLearnReply(err error, req *messages.LearnRequest, resp *messages.LearnResponse) {
	if req.Signature != l.signature {
		// A reply for a stale round that InitLearn's caller has already
		// moved past (spec.md §5 ordering guarantee, scenario 6).
		return
	}

	if err != nil {
		l.handleLearningError(err)
		return
	}
	if resp.Err != messages.Ok {
		l.handleLearningError(messages.NewError(resp.Err, "primary returned error from LEARN"))
		return
	}

	if resp.Config.Ballot > l.host.Ballot() {
		l.host.AdoptConfig(resp.Config)
		if l.host.Status() != messages.StatusPotentialSecondary {
			l.roundRunning = false
			return
		}
	}

	if resp.PrepareStartDecree != gpid.InvalidDecree && l.status == messages.StatusWithoutPrepare {
		l.status = messages.StatusWithPrepare
		l.host.PrepareList().Reset(resp.PrepareStartDecree - 1)
	}

	if len(resp.State.Files) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		l.copyCancel = cancel
		l.tasks.Go(func() {
			err := l.nfs.CopyRemoteFiles(ctx, l.host.PrimaryAddress(), resp.State.Files, l.app.LearnDir())
			l.tasks.Go(func() {
				l.onCopyRemoteStateCompleted(err, resp)
			})
		})
		return
	}

	l.onLearnRemoteStateCompleted(l.applyLearnState(resp))
}

// onCopyRemoteStateCompleted implements spec.md §4.4's
// on_copy_remote_state_completed.
func (l *Learner) onCopyRemoteStateCompleted(copyErr error, resp *messages.LearnResponse) {
	l.copyCancel = nil
	if copyErr != nil {
		l.onLearnRemoteStateCompleted(messages.Errorf(messages.LocalAppFailure, "copy_remote_files failed: %v", copyErr))
		return
	}
	l.onLearnRemoteStateCompleted(l.applyLearnState(resp))
}

// applyLearnState installs resp.State into the app and, if the app's
// committed decree has reached resp's commit decree, flushes it synchronously and
// asserts the two decrees now agree (spec.md §4.4).
func (l *Learner) applyLearnState(resp *messages.LearnResponse) error {
	if err := l.app.ApplyLearnState(&resp.State); err != nil {
		return messages.Errorf(messages.LocalAppFailure, "apply_learn_state failed: %v", err)
	}

	if l.app.LastCommittedDecree() >= resp.State.CommitDecree {
		if err := l.app.Flush(true); err != nil {
			return messages.Errorf(messages.LocalAppFailure, "flush failed: %v", err)
		}
		if l.app.LastCommittedDecree() != l.app.LastDurableDecree() {
			logger.Error().
				Str("gpid", l.gpid.String()).
				Uint64("committed", uint64(l.app.LastCommittedDecree())).
				Uint64("durable", uint64(l.app.LastDurableDecree())).
				Msg("last_committed_decree != last_durable_decree after flush")
			return messages.NewError(messages.LocalAppFailure, "durable decree did not catch up to committed decree after flush")
		}
	}

	return nil
}

// onLearnRemoteStateCompleted implements spec.md §4.4's
// on_learn_remote_state_completed.
func (l *Learner) onLearnRemoteStateCompleted(err error) {
	if l.host.Status() != messages.StatusPotentialSecondary {
		l.roundRunning = false
		return
	}

	l.roundRunning = false

	if err != nil {
		l.handleLearningError(err)
		return
	}

	l.InitLearn(l.signature)
}

// OnAddLearner implements on_add_learner (spec.md §4.4) on the potential
// secondary that the primary has just asked to start learning: a request
// carrying a ballot older than the host's current one is dropped as
// stale; otherwise the host adopts req.Config and a fresh learning round
// begins under req.LearnerSignature.
func (l *Learner) OnAddLearner(req *messages.AddLearnerRequest) {
	if req.Ballot < l.host.Ballot() {
		logger.Warn().Str("gpid", l.gpid.String()).Int64("ballot", req.Ballot).Msg("dropping stale add_learner")
		return
	}
	l.host.AdoptConfig(req.Config)
	l.InitLearn(req.LearnerSignature)
}

// handleLearningError implements spec.md §4.4's handle_learning_error:
// cancel in-flight work, mark the session Failed, and move the host
// replica to Error without a ballot change.
func (l *Learner) handleLearningError(err error) {
	logger.Error().Err(err).Str("gpid", l.gpid.String()).Msg("learning round failed")

	if l.copyCancel != nil {
		l.copyCancel()
		l.copyCancel = nil
	}
	l.roundRunning = false
	l.status = messages.StatusFailed
	l.host.SetStatus(messages.StatusError)
}
