package schema

import "fmt"

// ContentState is the classification of a target database. Migrations are only
// applied to databases in the StateManaged state.
type ContentState int

// Valid content states.
const (
	// StateEmpty is a database without the engine's bookkeeping tables and
	// without any tables of the schema instance.
	StateEmpty ContentState = iota
	// StateForeign is a database with tables of the schema instance, but which
	// isn't managed by the engine.
	StateForeign
	// StateOutdated is a managed database whose bookkeeping tables must be
	// migrated before steps can be applied.
	StateOutdated
	// StateManaged is a database that is managed by the engine.
	StateManaged
)

func (s ContentState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateForeign:
		return "foreign"
	case StateOutdated:
		return "outdated"
	case StateManaged:
		return "managed"
	default:
		return fmt.Sprintf("ContentState(%d)", int(s))
	}
}
