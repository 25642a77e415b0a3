package preparelist

import (
	"testing"

	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
	"github.com/stretchr/testify/require"
)

func mutation(d gpid.Decree) *messages.Mutation {
	return &messages.Mutation{GPID: gpid.New(1, 0), Decree: d, Body: []byte("x")}
}

func TestPrepareWindowEnforced(t *testing.T) {
	p := New(10, 5, func(*messages.Mutation) {})

	require.NoError(t, p.Prepare(mutation(15)))
	err := p.Prepare(mutation(16))
	require.Error(t, err)
	require.Equal(t, messages.InvalidState, messages.CodeOf(err))
}

func TestCommitInOrderStopsAtGap(t *testing.T) {
	var committed []gpid.Decree
	p := New(0, 10, func(m *messages.Mutation) { committed = append(committed, m.Decree) })

	require.NoError(t, p.Prepare(mutation(1)))
	require.NoError(t, p.Prepare(mutation(3))) // gap at 2

	ok := p.Commit(3, false)
	require.False(t, ok)
	require.Equal(t, []gpid.Decree{1}, committed)
	require.Equal(t, gpid.Decree(1), p.LastCommittedDecree())
}

func TestCommitForceSkipsGap(t *testing.T) {
	var committed []gpid.Decree
	p := New(0, 10, func(m *messages.Mutation) { committed = append(committed, m.Decree) })

	require.NoError(t, p.Prepare(mutation(1)))
	require.NoError(t, p.Prepare(mutation(3)))

	ok := p.Commit(3, true)
	require.True(t, ok)
	require.Equal(t, []gpid.Decree{1, 3}, committed)
	require.Equal(t, gpid.Decree(3), p.LastCommittedDecree())
}

func TestResetAndTruncate(t *testing.T) {
	p := New(0, 10, func(*messages.Mutation) {})
	require.NoError(t, p.Prepare(mutation(1)))
	require.NoError(t, p.Prepare(mutation(2)))

	p.Truncate(1)
	_, ok := p.Get(1)
	require.False(t, ok)
	_, ok = p.Get(2)
	require.True(t, ok)

	p.Reset(5)
	require.Equal(t, gpid.Decree(5), p.LastCommittedDecree())
	require.Equal(t, 0, p.Count())
}
