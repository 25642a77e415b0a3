package learn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
	"github.com/lishenglong/rDSN/preparelist"
	"github.com/lishenglong/rDSN/transport"
)

// inlineRunner runs every submitted fn synchronously, inline, so tests can
// drive a Learner's async steps deterministically without a real executor.
type inlineRunner struct{}

func (inlineRunner) Go(fn func()) { fn() }

type noopTimer struct{}

func (noopTimer) Cancel() bool { return true }

func (inlineRunner) Schedule(d time.Duration, fn func()) transport.Timer {
	fn()
	return noopTimer{}
}

type fakeHost struct {
	mu      sync.Mutex
	status  messages.ReplicaStatus
	ballot  int64
	primary string
	pl      *preparelist.PrepareList
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		status:  messages.StatusPotentialSecondary,
		primary: "primary:1",
		pl:      preparelist.New(0, 1000, func(*messages.Mutation) {}),
	}
}

func (h *fakeHost) Status() messages.ReplicaStatus { h.mu.Lock(); defer h.mu.Unlock(); return h.status }
func (h *fakeHost) Ballot() int64                  { h.mu.Lock(); defer h.mu.Unlock(); return h.ballot }
func (h *fakeHost) Address() string                { return "learner:1" }
func (h *fakeHost) PrimaryAddress() string         { return h.primary }
func (h *fakeHost) SetStatus(s messages.ReplicaStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}
func (h *fakeHost) AdoptConfig(cfg messages.ReplicaConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ballot = cfg.Ballot
	h.primary = cfg.Primary
}
func (h *fakeHost) PrepareList() *preparelist.PrepareList { return h.pl }

type fakeApp struct {
	mu                     sync.Mutex
	committed              gpid.Decree
	durable                gpid.Decree
	applied                *messages.LearnState
	flushErr               error
	dataDir                string
	learnDir               string
	lastGetLearnStateStart gpid.Decree
}

func (a *fakeApp) LastCommittedDecree() gpid.Decree { a.mu.Lock(); defer a.mu.Unlock(); return a.committed }
func (a *fakeApp) LastDurableDecree() gpid.Decree   { a.mu.Lock(); defer a.mu.Unlock(); return a.durable }
func (a *fakeApp) GetLearnState(startDecree gpid.Decree, payload []byte) (*messages.LearnState, error) {
	a.mu.Lock()
	a.lastGetLearnStateStart = startDecree
	a.mu.Unlock()
	return &messages.LearnState{CommitDecree: a.committed}, nil
}
func (a *fakeApp) ApplyLearnState(state *messages.LearnState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = state
	a.committed = state.CommitDecree
	return nil
}
func (a *fakeApp) Flush(wait bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flushErr != nil {
		return a.flushErr
	}
	a.durable = a.committed
	return nil
}
func (a *fakeApp) DataDir() string  { return a.dataDir }
func (a *fakeApp) LearnDir() string { return a.learnDir }

type fakeRPC struct {
	resp  *messages.LearnResponse
	err   error
	calls int

	notified []*messages.GroupCheckResponse
}

func (r *fakeRPC) Learn(ctx context.Context, primaryAddr string, req *messages.LearnRequest) (*messages.LearnResponse, error) {
	r.calls++
	return r.resp, r.err
}
func (r *fakeRPC) NotifyLearnCompletion(ctx context.Context, primaryAddr string, resp *messages.GroupCheckResponse) error {
	r.notified = append(r.notified, resp)
	return nil
}

type fakeNFS struct {
	err error
}

func (n *fakeNFS) CopyRemoteFiles(ctx context.Context, primaryAddr string, files []messages.FileSpec, localDir string) error {
	return n.err
}

func TestInitLearnWithoutPrepareCompletesRound(t *testing.T) {
	host := newFakeHost()
	app := &fakeApp{committed: 5, durable: 5}
	rpc := &fakeRPC{resp: &messages.LearnResponse{
		Config:             messages.ReplicaConfig{Ballot: 1, Primary: host.primary, Status: messages.StatusPrimary},
		PrepareStartDecree: 6,
		State:              messages.LearnState{CommitDecree: 5},
	}}
	nfs := &fakeNFS{}

	l := NewLearner(gpid.New(1, 0), host, app, rpc, nfs, inlineRunner{})
	l.InitLearn(100)

	require.Equal(t, messages.StatusSucceeded, l.Status())
	require.Len(t, rpc.notified, 1)
	require.Equal(t, messages.StatusSucceeded, rpc.notified[0].Status)
	require.Equal(t, gpid.Decree(5), host.PrepareList().LastCommittedDecree())
}

func TestInitLearnStalePrimaryErrorMarksFailed(t *testing.T) {
	host := newFakeHost()
	app := &fakeApp{}
	rpc := &fakeRPC{resp: &messages.LearnResponse{Err: messages.InvalidState}}
	nfs := &fakeNFS{}

	l := NewLearner(gpid.New(1, 0), host, app, rpc, nfs, inlineRunner{})
	l.InitLearn(1)

	require.Equal(t, messages.StatusFailed, l.Status())
	require.Equal(t, messages.StatusError, host.Status())
}

func TestInitLearnIgnoresReplyForSupersededSignature(t *testing.T) {
	host := newFakeHost()
	app := &fakeApp{}
	rpc := &fakeRPC{resp: &messages.LearnResponse{}}
	nfs := &fakeNFS{}

	l := NewLearner(gpid.New(1, 0), host, app, rpc, nfs, inlineRunner{})
	l.signature = 1
	l.roundRunning = true

	l.onLearnReply(nil, &messages.LearnRequest{Signature: 999}, rpc.resp)

	require.True(t, l.roundRunning) // untouched: the stale reply was dropped
}

func TestInitLearnCopiesFilesBeforeApplying(t *testing.T) {
	host := newFakeHost()
	app := &fakeApp{committed: 0, durable: 0}
	rpc := &fakeRPC{resp: &messages.LearnResponse{
		Config:             messages.ReplicaConfig{Ballot: 1, Primary: host.primary, Status: messages.StatusPrimary},
		PrepareStartDecree: 11,
		State: messages.LearnState{
			CommitDecree: 10,
			Files:        []messages.FileSpec{{RelativePath: "checkpoint.db"}},
		},
	}}
	nfs := &fakeNFS{}

	l := NewLearner(gpid.New(1, 0), host, app, rpc, nfs, inlineRunner{})
	l.InitLearn(7)

	require.NotNil(t, app.applied)
	require.Equal(t, gpid.Decree(10), app.applied.CommitDecree)
	require.Equal(t, messages.StatusSucceeded, l.Status())
	require.Equal(t, 1, rpc.calls)
}

func TestHandleLearningErrorCancelsCopyAndSetsError(t *testing.T) {
	host := newFakeHost()
	app := &fakeApp{}
	rpc := &fakeRPC{}
	nfs := &fakeNFS{}

	l := NewLearner(gpid.New(1, 0), host, app, rpc, nfs, inlineRunner{})
	cancelled := false
	l.copyCancel = func() { cancelled = true }

	l.handleLearningError(messages.NewError(messages.LocalAppFailure, "boom"))

	require.True(t, cancelled)
	require.Equal(t, messages.StatusFailed, l.status)
	require.Equal(t, messages.StatusError, host.Status())
	require.False(t, l.roundRunning)
}
