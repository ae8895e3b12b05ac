// Package rdberr defines the typed error taxonomy shared by the record
// layer and the stored-table/catalog glue.
package rdberr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every exported operation in internal/rec, internal/rec/bdbrec,
// internal/rec/sqlrec and internal/catalog returns an error that satisfies
// errors.Is against at least one of these (an error whose cause carries
// another kind satisfies both; Of picks one), the way internal/storage/sqlite/errors.go
// wraps sql.ErrNoRows into ErrNotFound.
var (
	// NotFound means an operation expected an existing record, recmap,
	// index or catalog row and found none.
	NotFound = errors.New("not found")
	// Exists means a create operation targeted a name that already exists.
	Exists = errors.New("already exists")
	// KeyViolation means a primary or unique-secondary key constraint
	// was violated by an insert or key-changing update.
	KeyViolation = errors.New("key violation")
	// PredicateViolation means a semantic constraint other than a key
	// was violated.
	PredicateViolation = errors.New("predicate violation")
	// InvalidArgument means a bad field number, malformed identifier, or
	// an attempt to modify a key field through Cursor.Set.
	InvalidArgument = errors.New("invalid argument")
	// TypeMismatch means field bytes do not match the declared field type.
	TypeMismatch = errors.New("type mismatch")
	// InvalidTransaction means a cursor or handle was used after its
	// owning transaction ended, or a nested transaction was requested
	// where the backend does not support one.
	InvalidTransaction = errors.New("invalid transaction")
	// Deadlock is propagated from the backend's deadlock detector.
	Deadlock = errors.New("deadlock")
	// ResourceNotFound means the environment, a backing file or a
	// backend relation is missing.
	ResourceNotFound = errors.New("resource not found")
	// NotSupported means a driver does not implement an optional operation.
	NotSupported = errors.New("not supported")
	// System wraps a backend error that does not fit a more specific kind.
	System = errors.New("system error")
	// Internal marks an invariant violation; it should be unreachable.
	Internal = errors.New("internal error")
)

// kinds lists the sentinels in the order Of checks them. New takes its
// kind explicitly, so this order only matters for Of.
var kinds = []error{
	NotFound, Exists, KeyViolation, PredicateViolation, InvalidArgument,
	TypeMismatch, InvalidTransaction, Deadlock, ResourceNotFound,
	NotSupported, System, Internal,
}

// Error is the concrete error type returned by every exported operation
// in the record layer and catalog glue. Op and Name give the caller
// context (operation name, table/recmap/index name) without requiring
// string parsing of the message. Kind is one of the sentinels above and
// is also reachable through errors.Is/errors.Unwrap.
type Error struct {
	Kind error
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Name != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Name, e.Kind, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap exposes both the kind sentinel and the wrapped cause to
// errors.Is/errors.As via the multi-error form (Go 1.20+).
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New constructs an *Error for the given kind, operation and name,
// wrapping cause (which may be nil). kind must be one of the sentinels
// declared in this package.
func New(kind error, op, name string, cause error) error {
	return &Error{Kind: kind, Op: op, Name: name, Err: cause}
}

// Wrap is New without a name, for operations not scoped to a single
// named object (e.g. environment-level failures).
func Wrap(kind error, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Of reports which sentinel kind err carries, or nil if err is not (and
// does not wrap) one of them.
func Of(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
