// Package testlog is a file-based reference implementation of the external
// transaction-log API (spec §6 "Transaction log"): a JSON state file guarded
// by an OS file lock, simulating the version-CAS commit every real log
// backend must provide. It exists for integration tests; it is not part of
// the engine's public surface.
package testlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/commit"
	"github.com/otreedb/otree/revision"
)

const defaultRetryDelay = 10 * time.Millisecond

// Entry is one physically-present Block file currently live in the log.
type Entry struct {
	Path string
	Tags block.Tags
}

type onDiskState struct {
	Version  commit.Version
	Entries  map[string]Entry // keyed by Path
	Revision *revision.Revision
}

// Log is a single table's transaction log, rooted at dir.
type Log struct {
	dir      string
	stateFile string
	lockFile string
}

// Open returns a Log rooted at dir, creating dir if necessary.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Log{
		dir:       dir,
		stateFile: filepath.Join(dir, "_log.json"),
		lockFile:  filepath.Join(dir, "_log.lock"),
	}, nil
}

func (l *Log) read() (onDiskState, error) {
	b, err := os.ReadFile(l.stateFile)
	if os.IsNotExist(err) {
		return onDiskState{Version: 0, Entries: map[string]Entry{}}, nil
	}
	if err != nil {
		return onDiskState{}, err
	}
	var s onDiskState
	if err := json.Unmarshal(b, &s); err != nil {
		return onDiskState{}, err
	}
	if s.Entries == nil {
		s.Entries = map[string]Entry{}
	}
	return s, nil
}

func (l *Log) write(s onDiskState) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.stateFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.stateFile)
}

// CurrentVersion implements commit.TransactionLog.
func (l *Log) CurrentVersion(ctx context.Context) (commit.Version, error) {
	fl := flock.New(l.lockFile)
	if err := fl.LockContext(ctx, defaultRetryDelay); err != nil {
		return 0, err
	}
	defer fl.Unlock()

	s, err := l.read()
	if err != nil {
		return 0, err
	}
	return s.Version, nil
}

// Commit implements commit.TransactionLog: a version-CAS append of
// tx.AddFiles/RemoveFiles/Revision (spec §6, §7 "commit conflict").
func (l *Log) Commit(ctx context.Context, tx commit.Transaction) (commit.Version, error) {
	fl := flock.New(l.lockFile)
	if err := fl.LockContext(ctx, defaultRetryDelay); err != nil {
		return 0, err
	}
	defer fl.Unlock()

	s, err := l.read()
	if err != nil {
		return 0, err
	}
	if s.Version != tx.BaseVersion {
		return 0, &commit.CommitConflict{Expected: tx.BaseVersion, Actual: s.Version}
	}

	for _, rm := range tx.RemoveFiles {
		delete(s.Entries, rm.Path)
	}
	for _, add := range tx.AddFiles {
		s.Entries[add.Path] = Entry{Path: add.Path, Tags: add.Tags}
	}
	if tx.Revision != nil {
		rev := tx.Revision.Revision
		s.Revision = &rev
	}
	s.Version++

	if err := l.write(s); err != nil {
		return 0, err
	}
	return s.Version, nil
}

// Snapshot returns every Block currently live in the log, for Index State
// reconstruction or an Optimizer's RowSource to read from.
func (l *Log) Snapshot(ctx context.Context) ([]Entry, commit.Version, error) {
	fl := flock.New(l.lockFile)
	if err := fl.LockContext(ctx, defaultRetryDelay); err != nil {
		return nil, 0, err
	}
	defer fl.Unlock()

	s, err := l.read()
	if err != nil {
		return nil, 0, err
	}
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e)
	}
	return out, s.Version, nil
}
