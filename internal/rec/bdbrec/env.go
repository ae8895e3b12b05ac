// Package bdbrec implements the record layer over go.etcd.io/bbolt,
// playing the role the original system gave to its BerkeleyDB-style
// driver: B-tree primary maps with secondary B-tree indexes associated
// to the primary via a key-extraction callback, transactional. The driver
// does no deadlock detection: bbolt admits one read-write transaction at
// a time, and a second top-level Begin fails with InvalidTransaction.
package bdbrec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/duro-db/duro/internal/lockfile"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

func init() {
	rec.RegisterBackend("bdb", backend{})
}

type backend struct{}

func (backend) Open(ctx context.Context, connStr string, opts ...rec.EnvOption) (rec.Environment, error) {
	cfg := rec.NewEnvConfig(opts...)
	return openEnv(connStr, cfg)
}

// AllowReplaceExistingKey, when passed via rec.WithExtra(AllowReplaceExistingKey, true)
// at environment open, makes Recmap creation remove a stale bbolt bucket left behind by a
// prior failed create instead of failing with Exists. Off by default:
// the original driver did this unconditionally, which is destructive,
// so here it is opt-in (see DESIGN.md).
const AllowReplaceExistingKey = "allowReplaceExisting"

// Env is a bdbrec environment: one bbolt database file per environment,
// one top-level bucket per recmap and one top-level bucket per secondary
// index.
type Env struct {
	mu sync.Mutex

	path   string
	db     *bbolt.DB
	lockFile *os.File
	trace  int
	allowReplace bool

	// activeTx tracks the currently open top-level bbolt transaction,
	// since bbolt only allows one read-write transaction at a time per
	// process; nested (savepoint-style) transactions reuse it.
	activeTx *bbolt.Tx
	txDepth  int
}

func openEnv(dir string, cfg rec.EnvConfig) (*Env, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rdberr.Wrap(rdberr.ResourceNotFound, "open_environment", err)
	}
	lockPath := filepath.Join(dir, ".duro.lock")
	lf, err := lockfile.LockPath(lockPath)
	if err != nil {
		if lockfile.IsLocked(err) {
			return nil, rdberr.Wrap(rdberr.ResourceNotFound, "open_environment",
				fmt.Errorf("environment %s is locked by another process: %w", dir, err))
		}
		return nil, rdberr.Wrap(rdberr.System, "open_environment", err)
	}

	dbPath := filepath.Join(dir, "duro.db")
	db, err := bbolt.Open(dbPath, 0o644, nil)
	if err != nil {
		_ = lockfile.UnlockPath(lf)
		return nil, rdberr.Wrap(rdberr.System, "open_environment", err)
	}

	allowReplace, _ := cfg.Extra[AllowReplaceExistingKey].(bool)
	return &Env{
		path:         dir,
		db:           db,
		lockFile:     lf,
		trace:        cfg.TraceLevel,
		allowReplace: allowReplace,
	}, nil
}

func (e *Env) TraceLevel() int { return e.trace }

func (e *Env) trf(format string, args ...any) {
	if e.trace >= 1 {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txDepth > 0 {
		return rdberr.Wrap(rdberr.InvalidTransaction, "close_environment",
			fmt.Errorf("environment has %d open transaction(s)", e.txDepth))
	}
	err := e.db.Close()
	_ = lockfile.UnlockPath(e.lockFile)
	if err != nil {
		return rdberr.Wrap(rdberr.System, "close_environment", err)
	}
	return nil
}

func (e *Env) Begin(ctx context.Context, parent rec.Transaction) (rec.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if parent == nil {
		if e.activeTx != nil {
			return nil, rdberr.Wrap(rdberr.InvalidTransaction, "begin",
				fmt.Errorf("a top-level transaction is already active"))
		}
		btx, err := e.db.Begin(true)
		if err != nil {
			return nil, rdberr.Wrap(rdberr.System, "begin", err)
		}
		e.activeTx = btx
		e.txDepth = 1
		return &Tx{env: e, btx: btx, depth: 1}, nil
	}

	p, ok := parent.(*Tx)
	if !ok || p.env != e {
		return nil, rdberr.New(rdberr.InvalidTransaction, "begin", "", fmt.Errorf("parent from a different environment"))
	}
	if p.Ended() {
		return nil, rdberr.New(rdberr.InvalidTransaction, "begin", "", fmt.Errorf("parent transaction already ended"))
	}
	child := &Tx{env: e, btx: e.activeTx, depth: p.depth + 1, parent: p}
	child.snapshotBucketNames()
	e.txDepth++
	return child, nil
}

func (e *Env) Sequence(ctx context.Context, name string, tx rec.Transaction) (rec.Sequence, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	b, err := t.btx.CreateBucketIfNotExists([]byte(sequenceBucketPrefix + name))
	if err != nil {
		return nil, rdberr.Wrap(rdberr.System, "sequence", err)
	}
	if b.Get(counterKey) == nil {
		if err := b.Put(counterKey, encodeInt64(0)); err != nil {
			return nil, rdberr.Wrap(rdberr.System, "sequence", err)
		}
	}
	return &Sequence{env: e, name: name}, nil
}

func asTx(tx rec.Transaction) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok {
		return nil, rdberr.New(rdberr.InvalidTransaction, "record_op", "", fmt.Errorf("transaction from a different backend"))
	}
	if t.Ended() {
		return nil, rdberr.New(rdberr.InvalidTransaction, "record_op", "", fmt.Errorf("transaction already ended"))
	}
	return t, nil
}
