// Package commit implements the Transaction Committer (spec §3
// "Transaction Committer", §4.5 "Commit"): appending a write's AddFile and
// RemoveFile records to the external transaction log with optimistic
// concurrency control, retrying and rebasing on conflict.
package commit

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/revision"
	pkgerrors "github.com/pkg/errors"
)

// Version identifies the transaction log's current committed state; a
// commit attempt is a compare-and-swap against it.
type Version uint64

// RevisionChange records a Revision widening proposed as part of a commit
// (spec §4.6 "Revision upgrades").
type RevisionChange struct {
	Revision revision.Revision
}

// Transaction is everything one commit attempt proposes to append to the
// log.
type Transaction struct {
	BaseVersion Version
	AddFiles    []block.AddFile
	RemoveFiles []block.RemoveFile
	Revision    *RevisionChange
}

// CommitConflict is returned by TransactionLog.Commit when BaseVersion no
// longer matches the log's current version (spec §7 "commit conflict").
type CommitConflict struct {
	Expected, Actual Version
}

func (e *CommitConflict) Error() string {
	return "commit: conflict: expected base version does not match current log version"
}

// TransactionLog is the external collaborator the Committer appends to
// (spec §6 "Transaction log"). The core never looks inside it: any store
// offering atomic compare-and-swap on an opaque version can implement it.
type TransactionLog interface {
	CurrentVersion(ctx context.Context) (Version, error)
	Commit(ctx context.Context, tx Transaction) (Version, error)
}

// Rebaser re-runs the Indexer against a TransactionLog's latest state after
// a conflict (spec §4.5 "on conflict, rebase and retry"). It returns a
// fresh Transaction body (AddFiles/RemoveFiles/Revision) reflecting the
// current version, or an error if the write can no longer be rebased (e.g.
// an indexed column disappeared).
type Rebaser interface {
	Rebase(ctx context.Context, onto Version) (Transaction, error)
}

// Failure bundles a commit's terminal failure: the last attempt's
// underlying cause, how many attempts were made, and the base version that
// attempt used (spec §7 "propagation policy": failures surface with enough
// context for the caller to decide whether to re-submit).
type Failure struct {
	Attempts int
	Base     Version
	Cause    error
}

func (f *Failure) Error() string {
	return pkgerrors.Wrapf(f.Cause, "commit: failed after %d attempt(s) against base version %d", f.Attempts, f.Base).Error()
}
func (f *Failure) Unwrap() error { return f.Cause }

// Committer drives the retry loop bounded by NumberOfRetries, rebasing on
// every CommitConflict (spec §4.5, §7).
type Committer struct {
	Log     TransactionLog
	Retries int
}

// New constructs a Committer retrying up to retries times on conflict.
func New(log TransactionLog, retries int) *Committer {
	return &Committer{Log: log, Retries: retries}
}

// Commit attempts tx (built against the log's current version) and retries
// against reb on conflict, up to c.Retries additional attempts. It returns
// the new log version on success, or a *Failure wrapping the terminal
// cause.
func (c *Committer) Commit(ctx context.Context, tx Transaction, reb Rebaser) (Version, error) {
	attempts := 0
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(c.Retries, 0)))

	var lastVersion Version
	op := func() error {
		attempts++
		v, err := c.Log.Commit(ctx, tx)
		if err == nil {
			lastVersion = v
			return nil
		}

		var conflict *CommitConflict
		if !errors.As(err, &conflict) {
			return backoff.Permanent(err)
		}
		if attempts > c.Retries {
			return backoff.Permanent(err)
		}

		current, cerr := c.Log.CurrentVersion(ctx)
		if cerr != nil {
			return backoff.Permanent(cerr)
		}
		rebased, rerr := reb.Rebase(ctx, current)
		if rerr != nil {
			return backoff.Permanent(rerr)
		}
		tx = rebased
		return err // transient: retry the loop
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil {
		return 0, &Failure{Attempts: attempts, Base: tx.BaseVersion, Cause: err}
	}
	return lastVersion, nil
}
