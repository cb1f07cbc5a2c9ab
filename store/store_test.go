package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/changebench/bench"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func sweep(id string, started time.Time, results ...bench.DriftResult) *bench.SweepReport {
	return &bench.SweepReport{
		RunID:     id,
		StartedAt: started,
		Patterns:  bench.AllPatterns,
		Results:   results,
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSaveLoad(t *testing.T) {
	s := openStore(t)

	in := sweep("run-1", t0,
		bench.DriftResult{Pattern: bench.ChunkedSend, Node: 1, Label: "a", Drift: 12, Status: bench.Completed, ElapsedMs: 40},
		bench.DriftResult{Pattern: bench.PingPong, Node: 1, Label: "a", Status: bench.Failed, Error: "boom"},
	)
	require.NoError(t, s.Save(in))

	out, err := s.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, in.RunID, out.RunID)
	assert.True(t, in.StartedAt.Equal(out.StartedAt))
	assert.Equal(t, in.Results, out.Results)
	assert.Equal(t, in.Patterns, out.Patterns)
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)

	_, err := s.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRequiresRunID(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.Save(&bench.SweepReport{}))
}

func TestListAndLatest(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Save(sweep("b-later", t0.Add(time.Hour),
		bench.DriftResult{Label: "a", Status: bench.Failed})))
	require.NoError(t, s.Save(sweep("a-earlier", t0,
		bench.DriftResult{Label: "a", Status: bench.Completed})))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-earlier", list[0].RunID)
	assert.Equal(t, 1, list[1].Failed)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "b-later", latest.RunID)
}

func TestReopenKeepsSweeps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(sweep("run-1", t0)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load("run-1")
	assert.NoError(t, err)
}

func TestCompare(t *testing.T) {
	a := sweep("a", t0,
		bench.DriftResult{Label: "x", Pattern: bench.ChunkedSend, Drift: 5, Status: bench.Completed},
		bench.DriftResult{Label: "x", Pattern: bench.PingPong, Drift: -3, Status: bench.Completed},
		bench.DriftResult{Label: "y", Pattern: bench.ChunkedSend, Drift: 1, Status: bench.Completed},
	)
	b := sweep("b", t0,
		bench.DriftResult{Label: "x", Pattern: bench.ChunkedSend, Drift: 5, Status: bench.Completed},
		bench.DriftResult{Label: "x", Pattern: bench.PingPong, Status: bench.Failed},
		bench.DriftResult{Label: "z", Pattern: bench.PingPong, Drift: 2, Status: bench.Completed},
	)

	diffs := Compare(a, b)
	require.Len(t, diffs, 3)

	assert.Equal(t, "x ping-pong: -3 -> failed", diffs[0].String())
	assert.Equal(t, "y chunked-send: 1 -> missing", diffs[1].String())
	assert.Equal(t, "z ping-pong: missing -> 2", diffs[2].String())

	assert.Empty(t, Compare(a, a))
}
