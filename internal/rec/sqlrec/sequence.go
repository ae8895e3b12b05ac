package sqlrec

import (
	"context"

	"github.com/duro-db/duro/internal/rdberr"
	"github.com/duro-db/duro/internal/rec"
)

// Sequence is a named, transactional monotone counter backed by a row
// in the shared `__sequences__` table.
type Sequence struct {
	env  *Env
	name string
}

func (s *Sequence) Name() string { return s.name }

func (s *Sequence) Next(ctx context.Context, tx rec.Transaction) (int64, error) {
	t, err := asTx(tx)
	if err != nil {
		return 0, err
	}
	if _, err := t.sqlTx.ExecContext(ctx,
		"UPDATE `__sequences__` SET val = val + 1 WHERE name = ?", s.name); err != nil {
		return 0, rdberr.Wrap(rdberr.System, "sequence_next", err)
	}
	var v int64
	row := t.sqlTx.QueryRowContext(ctx, "SELECT val FROM `__sequences__` WHERE name = ?", s.name)
	if err := row.Scan(&v); err != nil {
		return 0, rdberr.Wrap(rdberr.System, "sequence_next", err)
	}
	return v, nil
}

func (s *Sequence) Close() error { return nil }

func (s *Sequence) DeleteSequence(ctx context.Context, tx rec.Transaction) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if _, err := t.sqlTx.ExecContext(ctx, "DELETE FROM `__sequences__` WHERE name = ?", s.name); err != nil {
		return rdberr.Wrap(rdberr.System, "sequence_delete", err)
	}
	return nil
}
