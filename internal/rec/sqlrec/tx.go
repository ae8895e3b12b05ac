package sqlrec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

const maxTransactionRetries = 5

// Tx is a node in the per-environment transaction stack. Top-level
// transactions are a *sql.Tx; nested transactions share their parent's
// *sql.Tx and use SAVEPOINT/RELEASE SAVEPOINT/ROLLBACK TO SAVEPOINT,
// mirroring the original PostgreSQL-style driver's nested-transaction
// support.
type Tx struct {
	env       *Env
	sqlTx     *sql.Tx
	parent    *Tx
	depth     int
	savepoint string
	ended     bool

	undo []string // SQL statements to run, in reverse order, on Abort

	recmapsToDelete []rec.Recmap
	indexesToDelete []rec.Index
}

func (t *Tx) Parent() rec.Transaction {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

func (t *Tx) Ended() bool { return t.ended }

func (t *Tx) recordUndo(stmt string) {
	t.undo = append(t.undo, stmt)
}

func (t *Tx) ScheduleRecmapDeletion(r rec.Recmap) {
	t.recmapsToDelete = append(t.recmapsToDelete, r)
}

func (t *Tx) ScheduleIndexDeletion(i rec.Index) {
	t.indexesToDelete = append(t.indexesToDelete, i)
}

// beginWithRetry starts a top-level transaction, retrying the initial
// BEGIN on a transient connection error with exponential backoff,
// mirroring the retry/backoff pattern used for serialization conflicts
// in the teacher's Dolt transaction runner.
func beginWithRetry(ctx context.Context, e *Env) (*Tx, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	var sqlTx *sql.Tx
	attempt := 0
	op := func() error {
		attempt++
		var err error
		sqlTx, err = e.db.BeginTx(ctx, nil)
		if err != nil && attempt < maxTransactionRetries && isTransientError(err) {
			fmt.Fprintf(os.Stderr, "sqlrec: begin retry (attempt %d/%d): %v\n", attempt, maxTransactionRetries, err)
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, maxTransactionRetries-1)); err != nil {
		return nil, rdberr.Wrap(rdberr.System, "begin", err)
	}
	return &Tx{env: e, sqlTx: sqlTx, depth: 1}, nil
}

func isTransientError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213: // ER_LOCK_WAIT_TIMEOUT, ER_LOCK_DEADLOCK
			return true
		}
	}
	return errors.Is(err, sql.ErrConnDone)
}

func isDeadlockError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213
	}
	return false
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.ended {
		return rdberr.New(rdberr.InvalidTransaction, "commit", "", fmt.Errorf("transaction already ended"))
	}

	if t.parent != nil {
		if _, err := t.sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
			return rdberr.Wrap(rdberr.System, "commit", err)
		}
		t.parent.recmapsToDelete = append(t.parent.recmapsToDelete, t.recmapsToDelete...)
		t.parent.indexesToDelete = append(t.parent.indexesToDelete, t.indexesToDelete...)
		t.parent.undo = append(t.parent.undo, t.undo...)
		t.ended = true
		return nil
	}

	// Drain the deletion lists while t is still live (asTx rejects an
	// ended transaction), so DeleteIndex/DeleteRecmap can run against
	// the still-open SQL transaction before it commits.
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
	if err := t.sqlTx.Commit(); err != nil {
		if isDeadlockError(err) {
			return rdberr.Wrap(rdberr.Deadlock, "commit", err)
		}
		return rdberr.Wrap(rdberr.System, "commit", err)
	}
	return nil
}

func (t *Tx) Abort(ctx context.Context) error {
	if t.ended {
		return rdberr.New(rdberr.InvalidTransaction, "abort", "", fmt.Errorf("transaction already ended"))
	}
	t.ended = true

	if t.parent != nil {
		if _, err := t.sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
			return rdberr.Wrap(rdberr.System, "abort", err)
		}
		return nil
	}

	if err := t.sqlTx.Rollback(); err != nil {
		return rdberr.Wrap(rdberr.System, "abort", err)
	}
	return nil
}
