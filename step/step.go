package step

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.hackfix.me/dictstep/schema"
)

const (
	// UninstallNumber is the reserved step number of teardown steps. Steps with
	// this number only run in uninstall passes.
	UninstallNumber = math.MaxInt32
	// AnyNumber is used in a Key to match every step number of a step name.
	AnyNumber = -1
)

// State is the lifecycle state of a dictionary step.
type State int

// Valid step states.
const (
	StatePending State = iota
	StateReleased
	StateDropped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateReleased:
		return "Released"
	case StateDropped:
		return "Dropped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s State) MarshalText() ([]byte, error) {
	if s < StatePending || s > StateDropped {
		return nil, fmt.Errorf("invalid step state: %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState parses a case-insensitive state name.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatePending, nil
	case "released":
		return StateReleased, nil
	case "dropped":
		return StateDropped, nil
	}

	return StatePending, fmt.Errorf("invalid step state '%s'", s)
}

// Key identifies a step by its name and number. Names are compared
// case-insensitively.
type Key struct {
	Name   string
	Number int
}

// Matches returns true if the key refers to the step described by d.
func (k Key) Matches(d Descriptor) bool {
	if !strings.EqualFold(k.Name, d.Name) {
		return false
	}
	return k.Number == AnyNumber || k.Number == d.Number
}

// String returns the key in the format accepted by ParseKey.
func (k Key) String() string {
	switch k.Number {
	case AnyNumber:
		return k.Name
	case UninstallNumber:
		return k.Name + ":uninstall"
	default:
		return fmt.Sprintf("%s:%d", k.Name, k.Number)
	}
}

// MarshalText implements the encoding.TextMarshaler interface. The zero Key
// is encoded as empty text.
func (k Key) MarshalText() ([]byte, error) {
	if k == (Key{}) {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = Key{}
		return nil
	}
	key, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = key
	return nil
}

// ParseKey parses a step key from a string in one of these formats:
// "<name>:<number>", "<name>:uninstall" or "<name>". A key without a number
// matches all steps with that name.
func ParseKey(s string) (Key, error) {
	name, num, hasNum := strings.Cut(strings.TrimSpace(s), ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return Key{}, fmt.Errorf("invalid step key '%s': empty name", s)
	}
	if !hasNum {
		return Key{Name: name, Number: AnyNumber}, nil
	}

	num = strings.TrimSpace(num)
	if strings.EqualFold(num, "uninstall") {
		return Key{Name: name, Number: UninstallNumber}, nil
	}

	n, err := strconv.Atoi(num)
	if err != nil {
		return Key{}, fmt.Errorf("invalid step key '%s': %w", s, err)
	}
	if n < 1 {
		return Key{}, fmt.Errorf("invalid step key '%s': number must be greater than 0", s)
	}

	return Key{Name: name, Number: n}, nil
}

// Descriptor is the immutable identity of a discovered dictionary step.
type Descriptor struct {
	Name        string
	Number      int
	State       State
	Module      string
	Description string
}

// Key returns the lookup key of the step.
func (d Descriptor) Key() Key {
	return Key{Name: d.Name, Number: d.Number}
}

// IsUninstall returns true if this is a teardown step.
func (d Descriptor) IsUninstall() bool {
	return d.Number == UninstallNumber
}

func (d Descriptor) String() string {
	return d.Key().String()
}

// Compare orders steps by case-insensitive name, then by name, then by number,
// which is the order they're applied in.
func Compare(a, b Descriptor) int {
	if n := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); n != 0 {
		return n
	}
	if n := strings.Compare(a.Name, b.Name); n != 0 {
		return n
	}
	return cmp.Compare(a.Number, b.Number)
}

// Result is the outcome of applying a single step.
type Result struct {
	Name   string
	Number int
	State  State
}

// String returns the short form of the result, e.g. "AddColumn-1R" for a
// released step, or "AddColumn-2147483647D" for a dropped one.
func (r Result) String() string {
	state := "D"
	if r.State == StateReleased {
		state = "R"
	}
	return fmt.Sprintf("%s-%d%s", r.Name, r.Number, state)
}

// Step is an executable dictionary step. Instances are created right before
// execution, and are never reused across runs.
type Step interface {
	Apply(ctx context.Context, u Unit) error
}

// Func is an adapter that allows using a plain function as a Step.
type Func func(ctx context.Context, u Unit) error

// Apply calls f(ctx, u).
func (f Func) Apply(ctx context.Context, u Unit) error {
	return f(ctx, u)
}

// Unit is the unit of work a step is applied within. All changes made through
// it are part of a single transaction, and are kept in sync with the in-memory
// database model. Table names are given without the table prefix.
type Unit interface {
	// Dialect returns the SQL dialect of the target database.
	Dialect() string
	// Prefix returns the table prefix of the schema instance.
	Prefix() string
	// Table returns the prefixed name of a table.
	Table(name string) string
	// Model returns the working database model. It must not be modified
	// directly.
	Model() *schema.Model

	CreateTable(ctx context.Context, name string, columns ...schema.Column) error
	DropTable(ctx context.Context, name string) error
	AddColumn(ctx context.Context, table string, column schema.Column) error
	DropColumn(ctx context.Context, table, column string) error

	// Exec runs a raw SQL statement. The database model is refreshed from the
	// database once all steps have been applied.
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row

	// Progress sends a best-effort progress message.
	Progress(msg string)
}

// Definition is a step registered by a plugin module.
type Definition struct {
	Name        string
	Number      int
	State       State
	Description string
	// New creates a new step instance. It must not have side effects.
	New func() (Step, error)
}

// Descriptor returns the step descriptor of the definition.
func (d Definition) Descriptor(module string) Descriptor {
	return Descriptor{
		Name:        d.Name,
		Number:      d.Number,
		State:       d.State,
		Module:      module,
		Description: d.Description,
	}
}

// Module is a named set of step definitions registered by a plugin.
type Module struct {
	Name  string
	Steps func() ([]Definition, error)
}
