package commit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	version      Version
	conflictsLeft int
}

func (f *fakeLog) CurrentVersion(ctx context.Context) (Version, error) {
	return f.version, nil
}

func (f *fakeLog) Commit(ctx context.Context, tx Transaction) (Version, error) {
	if tx.BaseVersion != f.version {
		return 0, &CommitConflict{Expected: tx.BaseVersion, Actual: f.version}
	}
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return 0, &CommitConflict{Expected: tx.BaseVersion, Actual: f.version}
	}
	f.version++
	return f.version, nil
}

type fakeRebaser struct {
	calls int
}

func (r *fakeRebaser) Rebase(ctx context.Context, onto Version) (Transaction, error) {
	r.calls++
	return Transaction{BaseVersion: onto}, nil
}

func TestCommitSucceedsWithoutConflict(t *testing.T) {
	log := &fakeLog{version: 5}
	c := New(log, 3)
	v, err := c.Commit(context.Background(), Transaction{BaseVersion: 5}, &fakeRebaser{})
	require.NoError(t, err)
	require.Equal(t, Version(6), v)
}

func TestCommitRebasesAndRetriesOnConflict(t *testing.T) {
	log := &fakeLog{version: 5, conflictsLeft: 2}
	reb := &fakeRebaser{}
	c := New(log, 5)
	v, err := c.Commit(context.Background(), Transaction{BaseVersion: 1}, reb)
	require.NoError(t, err)
	require.Equal(t, Version(6), v)
	require.Equal(t, 3, reb.calls) // initial mismatch + 2 conflicts
}

func TestCommitGivesUpAfterExhaustingRetries(t *testing.T) {
	log := &fakeLog{version: 5, conflictsLeft: 100}
	c := New(log, 2)
	_, err := c.Commit(context.Background(), Transaction{BaseVersion: 1}, &fakeRebaser{})
	require.Error(t, err)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Greater(t, failure.Attempts, 0)
}

func TestCommitPropagatesNonConflictErrorImmediately(t *testing.T) {
	boom := errors.New("boom")
	log := &errLog{err: boom}
	c := New(log, 5)
	_, err := c.Commit(context.Background(), Transaction{BaseVersion: 1}, &fakeRebaser{})
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
}

type errLog struct{ err error }

func (e *errLog) CurrentVersion(ctx context.Context) (Version, error) { return 0, nil }
func (e *errLog) Commit(ctx context.Context, tx Transaction) (Version, error) {
	return 0, e.err
}
