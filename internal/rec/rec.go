// Package rec defines the backend-independent record layer: the
// Environment, Recmap, Index, Cursor, Transaction and Sequence
// interfaces shared by every driver in internal/rec/bdbrec and
// internal/rec/sqlrec.
package rec

import (
	"context"

	"github.com/duro-db/duro/internal/field"
)

// Flag enumerates the creation-time flags shared by recmaps and indexes.
type Flag int

const (
	// Ordered means iteration follows CompareFields (or, absent that,
	// ascending field-number order of the key).
	Ordered Flag = 1 << iota
	// Unique means duplicate primary keys are rejected.
	Unique
)

// Has reports whether f is set in fl.
func (fl Flag) Has(f Flag) bool { return fl&f != 0 }

// CompareField names one key field in a sort order and its direction.
type CompareField struct {
	FieldNo    int
	Ascending  bool
}

// SeekMode selects how Cursor.Seek interprets its key argument.
type SeekMode int

const (
	SeekExact SeekMode = iota
	SeekRange
)

// Backend is the factory a driver registers under a connection-string
// scheme name ("bdb", "sql", ...). Environments are opened through
// Open, which looks the kind up in the registry — the record layer
// never branches on backend identity past this point.
type Backend interface {
	// Open connects to an environment identified by connStr (a
	// filesystem directory for a BerkeleyDB-style backend, a
	// database/sql DSN for a SQL-style backend).
	Open(ctx context.Context, connStr string, opts ...EnvOption) (Environment, error)
}

var registry = map[string]Backend{}

// RegisterBackend makes a Backend available under kind for Open to find.
// Called from each driver package's init.
func RegisterBackend(kind string, b Backend) {
	registry[kind] = b
}

// Open opens an environment of the given registered kind.
func Open(ctx context.Context, kind, connStr string, opts ...EnvOption) (Environment, error) {
	b, ok := registry[kind]
	if !ok {
		return nil, &unknownBackendError{kind: kind}
	}
	return b.Open(ctx, connStr, opts...)
}

type unknownBackendError struct{ kind string }

func (e *unknownBackendError) Error() string { return "rec: unknown backend kind " + e.kind }

// EnvOption configures an Environment at open time.
type EnvOption func(*EnvConfig)

// EnvConfig holds the option values every backend must honor, plus a
// driver-specific Extra bag for the rest.
type EnvConfig struct {
	// TraceLevel >= 1 causes one line per recmap/index create/delete to
	// be written to the environment's trace writer.
	TraceLevel int
	Extra      map[string]any
}

// WithTraceLevel sets the environment's trace level.
func WithTraceLevel(level int) EnvOption {
	return func(c *EnvConfig) { c.TraceLevel = level }
}

// WithExtra stashes a driver-specific option under key for the driver to
// read back out of EnvConfig.Extra.
func WithExtra(key string, value any) EnvOption {
	return func(c *EnvConfig) {
		if c.Extra == nil {
			c.Extra = map[string]any{}
		}
		c.Extra[key] = value
	}
}

// NewEnvConfig applies opts and returns the resulting config, for use by
// Backend.Open implementations.
func NewEnvConfig(opts ...EnvOption) EnvConfig {
	var c EnvConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Environment is the top-level handle: backend connection, trace level,
// and factory methods for every object the record layer manages. It
// corresponds to one open backend connection and is not safe for
// concurrent use by multiple goroutines without external synchronization.
type Environment interface {
	// Begin starts a transaction. If parent is nil, it starts a
	// top-level transaction; otherwise a nested transaction (a
	// savepoint on SQL-style backends).
	Begin(ctx context.Context, parent Transaction) (Transaction, error)

	CreateRecmap(ctx context.Context, name string, infos []field.Info, keyFieldCount int,
		compareFields []CompareField, flags Flag, tx Transaction) (Recmap, error)
	OpenRecmap(ctx context.Context, name string, infos []field.Info, keyFieldCount int,
		tx Transaction) (Recmap, error)

	CreateIndex(ctx context.Context, primary Recmap, name string, fields []int,
		compareFields []CompareField, flags Flag, tx Transaction) (Index, error)
	OpenIndex(ctx context.Context, primary Recmap, name string, fields []int,
		unique, ordered bool, tx Transaction) (Index, error)

	// Sequence opens (creating if necessary) a named monotone counter.
	Sequence(ctx context.Context, name string, tx Transaction) (Sequence, error)

	// TraceLevel reports the configured trace level.
	TraceLevel() int

	// Close releases the environment's connection. Any open
	// transactions must have ended first.
	Close() error
}

// Recmap is a named or anonymous container of key/value records.
type Recmap interface {
	Name() string
	FieldCount() int
	KeyFieldCount() int
	FieldInfo(no int) field.Info

	Insert(ctx context.Context, fields []field.Field, tx Transaction) error
	// Update deletes and re-inserts atomically if any field in
	// newFields has No < KeyFieldCount(); otherwise it overwrites the
	// value fields in place.
	Update(ctx context.Context, keyFields []field.Field, newFields []field.Field, tx Transaction) error
	Delete(ctx context.Context, keyFields []field.Field, tx Transaction) error
	GetFields(ctx context.Context, keyFields []field.Field, requested []int, tx Transaction) ([]field.Field, error)
	Contains(ctx context.Context, fields []field.Field, tx Transaction) (bool, error)
	EstimatedSize(ctx context.Context, tx Transaction) (uint64, error)

	Cursor(ctx context.Context, writable bool, tx Transaction) (Cursor, error)

	// Close releases the backend handle. It does not close cursors opened
	// over the recmap; each cursor must be closed on its own.
	Close() error
	// DeleteRecmap destroys the recmap. Subject to deferred deletion when the
	// owning transaction schedules it instead of deleting immediately.
	DeleteRecmap(ctx context.Context, tx Transaction) error
}

// Index is a named secondary access path over one recmap.
type Index interface {
	Name() string
	Recmap() Recmap
	Fields() []int
	Unique() bool
	Ordered() bool

	GetFields(ctx context.Context, keyFields []field.Field, requested []int, tx Transaction) ([]field.Field, error)
	// DeleteRec deletes the single primary record identified by this
	// secondary key.
	DeleteRec(ctx context.Context, keyFields []field.Field, tx Transaction) error

	Cursor(ctx context.Context, writable bool, tx Transaction) (Cursor, error)

	Close() error
	DeleteIndex(ctx context.Context, tx Transaction) error
}

// CursorState is the cursor's position in its finite state machine.
type CursorState int

const (
	Unpositioned CursorState = iota
	Positioned
	PastEnd
)

// Cursor is a positioned iterator over a recmap or an index.
type Cursor interface {
	State() CursorState

	First(ctx context.Context) error
	Next(ctx context.Context, dup bool) error
	Prev(ctx context.Context) error
	Seek(ctx context.Context, keyFields []field.Field, mode SeekMode) error

	// Get reads the bytes of field fieldNo of the current record.
	Get(ctx context.Context, fieldNo int) ([]byte, error)
	// Set overwrites value fields of the current record. Attempting to
	// set a key field is InvalidArgument.
	Set(ctx context.Context, fields []field.Field) error
	// Delete removes the current record, transitioning to Unpositioned.
	Delete(ctx context.Context) error

	Close() error
}

// Transaction is a node in the per-environment transaction stack.
type Transaction interface {
	Parent() Transaction
	// Ended reports whether Commit or Abort has already been called.
	Ended() bool

	Commit(ctx context.Context) error
	Abort(ctx context.Context) error

	// ScheduleRecmapDeletion defers destroying a recmap until this
	// transaction commits; discarded if the transaction aborts instead.
	ScheduleRecmapDeletion(r Recmap)
	// ScheduleIndexDeletion defers destroying an index until this
	// transaction commits.
	ScheduleIndexDeletion(i Index)
}

// Sequence is a named, transactional monotone integer source.
type Sequence interface {
	Name() string
	Next(ctx context.Context, tx Transaction) (int64, error)
	Close() error
	DeleteSequence(ctx context.Context, tx Transaction) error
}
