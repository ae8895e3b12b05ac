package bdbrec

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

// Tx is a node in the per-environment transaction stack. bbolt only
// supports one open read-write transaction at a time, so a nested Tx
// shares its parent's *bbolt.Tx and is a savepoint in name only: its
// Abort rolls back writes recorded in undo since the nested transaction
// began, and its Commit is a no-op against bbolt (the root Tx performs
// the real commit).
type Tx struct {
	env    *Env
	btx    *bbolt.Tx
	parent *Tx
	depth  int
	ended  bool

	undo []func(*bbolt.Tx) error

	recmapsToDelete []rec.Recmap
	indexesToDelete []rec.Index

	// bucketSnapshot records which top-level buckets existed when this
	// nested transaction began, so abort can drop buckets created since.
	bucketSnapshot map[string]bool
}

func (t *Tx) Parent() rec.Transaction {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

func (t *Tx) Ended() bool { return t.ended }

func (t *Tx) snapshotBucketNames() {
	t.bucketSnapshot = map[string]bool{}
	_ = t.btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
		t.bucketSnapshot[string(name)] = true
		return nil
	})
}

// recordUndo registers a rollback action to run, in reverse order, if
// this transaction (or an ancestor acting on its behalf) aborts.
func (t *Tx) recordUndo(fn func(*bbolt.Tx) error) {
	t.undo = append(t.undo, fn)
}

func (t *Tx) ScheduleRecmapDeletion(r rec.Recmap) {
	t.recmapsToDelete = append(t.recmapsToDelete, r)
}

func (t *Tx) ScheduleIndexDeletion(i rec.Index) {
	t.indexesToDelete = append(t.indexesToDelete, i)
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.ended {
		return rdberr.New(rdberr.InvalidTransaction, "commit", "", fmt.Errorf("transaction already ended"))
	}

	if t.parent != nil {
		// Nested commit: fold this transaction's scheduled work and undo
		// log into the parent so the root commit drains everything.
		t.parent.recmapsToDelete = append(t.parent.recmapsToDelete, t.recmapsToDelete...)
		t.parent.indexesToDelete = append(t.parent.indexesToDelete, t.indexesToDelete...)
		t.parent.undo = append(t.parent.undo, t.undo...)
		t.ended = true
		t.env.mu.Lock()
		t.env.txDepth--
		t.env.mu.Unlock()
		return nil
	}

	// Drain the deletion lists while t is still live (asTx rejects an
	// ended transaction), so DeleteIndex/DeleteRecmap can run against
	// the still-open root bbolt transaction before it commits.
	for _, idx := range t.indexesToDelete {
		if err := idx.DeleteIndex(ctx, t); err != nil {
			return err
		}
		if err := idx.Close(); err != nil {
			return err
		}
	}
	for _, r := range t.recmapsToDelete {
		if err := r.DeleteRecmap(ctx, t); err != nil {
			return err
		}
		if err := r.Close(); err != nil {
			return err
		}
	}
	t.ended = true
	if err := t.btx.Commit(); err != nil {
		return rdberr.Wrap(rdberr.System, "commit", err)
	}
	t.env.mu.Lock()
	t.env.activeTx = nil
	t.env.txDepth = 0
	t.env.mu.Unlock()
	return nil
}

func (t *Tx) Abort(ctx context.Context) error {
	if t.ended {
		return rdberr.New(rdberr.InvalidTransaction, "abort", "", fmt.Errorf("transaction already ended"))
	}
	t.ended = true

	if t.parent != nil {
		// Undo this nested transaction's writes against the still-open
		// root bbolt transaction, in reverse order, and drop any buckets
		// it created.
		for i := len(t.undo) - 1; i >= 0; i-- {
			if err := t.undo[i](t.btx); err != nil {
				return rdberr.Wrap(rdberr.System, "abort", err)
			}
		}
		_ = t.btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !t.bucketSnapshot[string(name)] {
				_ = t.btx.DeleteBucket(name)
			}
			return nil
		})
		t.env.mu.Lock()
		t.env.txDepth--
		t.env.mu.Unlock()
		return nil
	}

	if err := t.btx.Rollback(); err != nil {
		return rdberr.Wrap(rdberr.System, "abort", err)
	}
	t.env.mu.Lock()
	t.env.activeTx = nil
	t.env.txDepth = 0
	t.env.mu.Unlock()
	return nil
}

// root walks up to the top-level ancestor, used wherever an operation
// needs the depth-tracking or undo log of the outermost transaction's
// immediate nested frame (each Tx records its own undo log, so
// operations always append to the Tx passed in, not root; root is used
// only for diagnostics).
func (t *Tx) root() *Tx {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}
