package testapp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lishenglong/rDSN/gpid"
)

func TestCommitAndFlushAdvanceDecrees(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir+"/data", dir+"/learn")
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, gpid.Decree(0), a.LastCommittedDecree())
	require.Equal(t, gpid.Decree(0), a.LastDurableDecree())

	require.NoError(t, a.Commit(1, []byte("hello")))
	require.Equal(t, gpid.Decree(1), a.LastCommittedDecree())
	require.Equal(t, gpid.Decree(0), a.LastDurableDecree())

	require.NoError(t, a.Flush(true))
	require.Equal(t, gpid.Decree(1), a.LastDurableDecree())

	body, err := a.Get(1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	_, err = a.Get(2)
	require.Error(t, err)
}

func TestGetLearnStateAndApplyLearnStateRoundTrip(t *testing.T) {
	primaryDir := t.TempDir()
	primary, err := Open(primaryDir+"/data", primaryDir+"/learn")
	require.NoError(t, err)
	defer primary.Close()

	require.NoError(t, primary.Commit(1, []byte("a1")))
	require.NoError(t, primary.Commit(2, []byte("a2")))
	require.NoError(t, primary.Flush(true))

	state, err := primary.GetLearnState(1, nil)
	require.NoError(t, err)
	require.Equal(t, gpid.Decree(2), state.CommitDecree)
	require.Len(t, state.Files, 1)

	learnerDir := t.TempDir()
	learner, err := Open(learnerDir+"/data", learnerDir+"/learn")
	require.NoError(t, err)
	defer learner.Close()

	// The checkpoint was written into primary's data_dir; stage it under
	// the learner's learn_dir the way nfscopy.Client would, under the same
	// relative path ApplyLearnState expects.
	staged := filepath.Join(learnerDir, "learn", state.Files[0].RelativePath)
	data, err := os.ReadFile(filepath.Join(primaryDir, "data", state.Files[0].RelativePath))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(staged), 0o755))
	require.NoError(t, os.WriteFile(staged, data, 0o644))

	require.NoError(t, learner.ApplyLearnState(state))
	require.Equal(t, gpid.Decree(2), learner.LastCommittedDecree())

	body, err := learner.Get(1)
	require.NoError(t, err)
	require.Equal(t, "a1", string(body))
}
