// Package testapp is a reference appiface.App backed by a badger key-value
// store, grounded on reqstore.Store: a decree-keyed mutation store plus
// two metadata keys tracking last_committed_decree and
// last_durable_decree, with checkpoints produced via badger's own
// backup/restore stream instead of a hand-rolled dump format.
package testapp

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
)

const (
	committedMetaKey   = "meta/last_committed_decree"
	durableMetaKey     = "meta/last_durable_decree"
	checkpointFileName = "checkpoint.badger"
)

// App is a reference appiface.App implementation suitable for tests and
// the logdump/replay command line tools: every committed mutation's body
// is stored under a decree-keyed entry, and a checkpoint is a full badger
// backup stream.
type App struct {
	dir      string
	learnDir string
	db       *badger.DB

	mu        sync.Mutex
	committed gpid.Decree
	durable   gpid.Decree
}

// Open creates (if absent) dataDir and learnDir and opens the backing
// badger database rooted under dataDir.
func Open(dataDir, learnDir string) (*App, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.WithMessagef(err, "could not create data dir %s", dataDir)
	}
	if err := os.MkdirAll(learnDir, 0o755); err != nil {
		return nil, errors.WithMessagef(err, "could not create learn dir %s", learnDir)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "db")).WithSyncWrites(false).WithTruncate(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing db")
	}

	a := &App{dir: dataDir, learnDir: learnDir, db: db}
	a.committed, a.durable = a.loadDecrees()
	return a, nil
}

func (a *App) loadDecrees() (gpid.Decree, gpid.Decree) {
	var committed, durable uint64
	_ = a.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get([]byte(committedMetaKey)); err == nil {
			_ = item.Value(func(v []byte) error { committed = binary.LittleEndian.Uint64(v); return nil })
		}
		if item, err := txn.Get([]byte(durableMetaKey)); err == nil {
			_ = item.Value(func(v []byte) error { durable = binary.LittleEndian.Uint64(v); return nil })
		}
		return nil
	})
	return gpid.Decree(committed), gpid.Decree(durable)
}

func decreeKey(d gpid.Decree) []byte {
	var k [8 + len("mutation/")]byte
	n := copy(k[:], "mutation/")
	binary.BigEndian.PutUint64(k[n:], uint64(d))
	return k[:]
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// Commit stores body under decree and advances last_committed_decree.
// This is the path that would normally sit behind the replication core's
// Prepare List commit hook, applying each mutation to the application's
// own state.
func (a *App) Commit(decree gpid.Decree, body []byte) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(decreeKey(decree), body); err != nil {
			return err
		}
		return txn.Set([]byte(committedMetaKey), encodeUint64(uint64(decree)))
	})
	if err != nil {
		return errors.WithMessagef(err, "could not commit decree %d", decree)
	}
	a.mu.Lock()
	a.committed = decree
	a.mu.Unlock()
	return nil
}

// Get returns the body stored at decree, if any.
func (a *App) Get(decree gpid.Decree) ([]byte, error) {
	var val []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(decreeKey(decree))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, messages.NewError(messages.ObjectNotFound, "no mutation stored at that decree")
	}
	return val, err
}

func (a *App) LastCommittedDecree() gpid.Decree {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

func (a *App) LastDurableDecree() gpid.Decree {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.durable
}

// Flush syncs the backing db to disk and advances last_durable_decree to
// last_committed_decree. wait is honored trivially: badger's Sync is
// already synchronous.
func (a *App) Flush(wait bool) error {
	if err := a.db.Sync(); err != nil {
		return errors.WithMessage(err, "could not sync backing db")
	}

	a.mu.Lock()
	committed := a.committed
	a.mu.Unlock()

	if err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(durableMetaKey), encodeUint64(uint64(committed)))
	}); err != nil {
		return errors.WithMessage(err, "could not persist durable decree")
	}

	a.mu.Lock()
	a.durable = committed
	a.mu.Unlock()
	return nil
}

// GetLearnState produces a full badger backup stream as the one file a
// learner needs to catch up. startDecree is accepted for interface
// conformance but unused: a from-scratch badger restore is always a full
// replace, so there is no incremental backup to offer a partially caught
// up learner here -- the Mutation Log, not the app checkpoint, is what
// lets a learner close a small gap without a full transfer.
func (a *App) GetLearnState(startDecree gpid.Decree, appSpecificPayload []byte) (*messages.LearnState, error) {
	path := filepath.Join(a.dir, checkpointFileName)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not create checkpoint file %s", path)
	}
	defer f.Close()

	if _, err := a.db.Backup(f, 0); err != nil {
		return nil, errors.WithMessage(err, "could not back up backing db")
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.WithMessage(err, "could not stat checkpoint file")
	}

	return &messages.LearnState{
		CommitDecree: a.LastCommittedDecree(),
		Files: []messages.FileSpec{
			{RelativePath: checkpointFileName, Size: fi.Size()},
		},
	}, nil
}

// ApplyLearnState loads a checkpoint staged under learn_dir() (by
// nfscopy.Client.CopyRemoteFiles) into the backing db via badger's own
// restore path.
func (a *App) ApplyLearnState(state *messages.LearnState) error {
	if len(state.Files) == 0 {
		a.mu.Lock()
		a.committed = state.CommitDecree
		a.mu.Unlock()
		return nil
	}

	path := filepath.Join(a.learnDir, state.Files[0].RelativePath)
	f, err := os.Open(path)
	if err != nil {
		return errors.WithMessagef(err, "could not open staged checkpoint %s", path)
	}
	defer f.Close()

	if err := a.db.Load(f, 256); err != nil {
		return errors.WithMessage(err, "could not load checkpoint into backing db")
	}

	if err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(committedMetaKey), encodeUint64(uint64(state.CommitDecree)))
	}); err != nil {
		return errors.WithMessage(err, "could not persist committed decree")
	}

	a.mu.Lock()
	a.committed = state.CommitDecree
	a.mu.Unlock()
	return nil
}

func (a *App) DataDir() string  { return a.dir }
func (a *App) LearnDir() string { return a.learnDir }

// Close releases the backing db's resources.
func (a *App) Close() error {
	return a.db.Close()
}
