package catalog

import (
	"fmt"
	"regexp"

	"github.com/duro-db/duro/internal/rdberr"
)

// identifierPattern matches the grammar enforced by the original
// system's `identifier` scalar type: a letter or underscore, followed
// by letters, digits or underscores.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Identifier is a validated name: a table, attribute or index name
// that satisfies the identifier grammar.
type Identifier string

// StringToID validates str against the identifier grammar, returning
// InvalidArgument on a syntactic violation.
func StringToID(str string) (Identifier, error) {
	if !identifierPattern.MatchString(str) {
		return "", rdberr.New(rdberr.InvalidArgument, "string_to_id", str, fmt.Errorf("not a valid identifier"))
	}
	return Identifier(str), nil
}
