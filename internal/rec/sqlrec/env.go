// Package sqlrec implements the record layer over database/sql and
// github.com/go-sql-driver/mysql, playing the role the original system
// gave to its PostgreSQL-style driver: recmaps map to SQL tables,
// indexes to SQL indexes, cursors to buffered row fetches emulating
// DECLARE CURSOR/FETCH, transactions to BEGIN/COMMIT/ROLLBACK with
// SAVEPOINT for nesting.
package sqlrec

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

func init() {
	rec.RegisterBackend("sql", backend{})
}

type backend struct{}

func (backend) Open(ctx context.Context, connStr string, opts ...rec.EnvOption) (rec.Environment, error) {
	cfg := rec.NewEnvConfig(opts...)
	dsn, err := buildDSN(connStr)
	if err != nil {
		return nil, rdberr.Wrap(rdberr.InvalidArgument, "open_environment", err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, rdberr.Wrap(rdberr.System, "open_environment", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, rdberr.Wrap(rdberr.ResourceNotFound, "open_environment", err)
	}
	return &Env{db: db, trace: cfg.TraceLevel}, nil
}

// Env is a sqlrec environment: one database/sql connection pool shared
// across every recmap/index/sequence opened against it.
type Env struct {
	db    *sql.DB
	trace int
}

func (e *Env) TraceLevel() int { return e.trace }

func (e *Env) trf(format string, args ...any) {
	if e.trace >= 1 {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func (e *Env) Close() error {
	if err := e.db.Close(); err != nil {
		return rdberr.Wrap(rdberr.System, "close_environment", err)
	}
	return nil
}

func (e *Env) Begin(ctx context.Context, parent rec.Transaction) (rec.Transaction, error) {
	if parent == nil {
		return beginWithRetry(ctx, e)
	}
	p, ok := parent.(*Tx)
	if !ok || p.env != e {
		return nil, rdberr.New(rdberr.InvalidTransaction, "begin", "", fmt.Errorf("parent from a different environment"))
	}
	if p.Ended() {
		return nil, rdberr.New(rdberr.InvalidTransaction, "begin", "", fmt.Errorf("parent transaction already ended"))
	}
	savepoint := fmt.Sprintf("sp_%d", p.depth+1)
	if _, err := p.sqlTx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return nil, rdberr.Wrap(rdberr.System, "begin", err)
	}
	return &Tx{env: e, sqlTx: p.sqlTx, depth: p.depth + 1, parent: p, savepoint: savepoint}, nil
}

func (e *Env) CreateRecmap(ctx context.Context, name string, infos []field.Info, keyFieldCount int,
	compareFields []rec.CompareField, flags rec.Flag, tx rec.Transaction) (rec.Recmap, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	stmt := buildCreateTableSQL(name, infos, keyFieldCount)
	if _, err := t.sqlTx.ExecContext(ctx, stmt); err != nil {
		if isDuplicateTableError(err) {
			return nil, rdberr.New(rdberr.Exists, "create_recmap", name, err)
		}
		return nil, rdberr.Wrap(rdberr.System, "create_recmap", err)
	}
	t.recordUndo(fmt.Sprintf("DROP TABLE IF EXISTS `%s`", sqlIdent(name)))
	e.trf("Creating physical storage for recmap %s\n", name)
	return &Recmap{env: e, name: name, infos: infos, keyFieldCount: keyFieldCount,
		compareFields: compareFields, flags: flags, indexes: map[string]*Index{}}, nil
}

func (e *Env) OpenRecmap(ctx context.Context, name string, infos []field.Info, keyFieldCount int,
	tx rec.Transaction) (rec.Recmap, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	var exists int
	row := t.sqlTx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?", name)
	if err := row.Scan(&exists); err != nil {
		return nil, rdberr.Wrap(rdberr.System, "open_recmap", err)
	}
	if exists == 0 {
		return nil, rdberr.New(rdberr.NotFound, "open_recmap", name, nil)
	}
	return &Recmap{env: e, name: name, infos: infos, keyFieldCount: keyFieldCount, indexes: map[string]*Index{}}, nil
}

func (e *Env) Sequence(ctx context.Context, name string, tx rec.Transaction) (rec.Sequence, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	if _, err := t.sqlTx.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS `__sequences__` (name VARCHAR(255) PRIMARY KEY, val BIGINT NOT NULL)"); err != nil {
		return nil, rdberr.Wrap(rdberr.System, "sequence", err)
	}
	if _, err := t.sqlTx.ExecContext(ctx,
		"INSERT IGNORE INTO `__sequences__` (name, val) VALUES (?, 0)", name); err != nil {
		return nil, rdberr.Wrap(rdberr.System, "sequence", err)
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

func sqlIdent(name string) string { return name }
