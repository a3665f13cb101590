package selector

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.hackfix.me/dictstep/step"
)

// Request is the set of steps a caller wants applied. An empty Steps list
// selects all steps of the requested mode.
type Request struct {
	Steps         []step.Key `toml:"steps"`
	UninstallOnly bool       `toml:"uninstall"`
}

// Select resolves req against the discovered steps. In install mode it returns
// the non-teardown steps matching a requested (name, number) pair. In uninstall
// mode it returns the teardown steps matching a requested name, regardless of
// the requested number. The selected steps are sorted by name and number.
//
// Requested keys that don't match any discovered step of the mode are returned
// in unmatched. In uninstall mode only keys that target teardown steps, or all
// steps of a name, are considered.
func Select(discovered []step.Descriptor, req Request) (selected []step.Descriptor, unmatched []step.Key) {
	selected = []step.Descriptor{}
	for _, d := range discovered {
		if d.IsUninstall() != req.UninstallOnly {
			continue
		}
		if len(req.Steps) == 0 || slices.ContainsFunc(req.Steps, func(k step.Key) bool {
			return matches(k, d, req.UninstallOnly)
		}) {
			selected = append(selected, d)
		}
	}
	Sort(selected)

	for _, k := range req.Steps {
		if req.UninstallOnly {
			if k.Number != step.UninstallNumber && k.Number != step.AnyNumber {
				continue
			}
		} else if k.Number == step.UninstallNumber {
			continue
		}

		if !slices.ContainsFunc(selected, func(d step.Descriptor) bool {
			return matches(k, d, req.UninstallOnly)
		}) {
			unmatched = append(unmatched, k)
		}
	}

	return selected, unmatched
}

// Sort sorts steps in apply order: by case-insensitive name, then by name and
// number. The sort is stable.
func Sort(steps []step.Descriptor) {
	slices.SortStableFunc(steps, step.Compare)
}

func matches(k step.Key, d step.Descriptor, uninstall bool) bool {
	if uninstall {
		return strings.EqualFold(k.Name, d.Name)
	}
	return k.Matches(d)
}

// MissingPolicy determines how requested steps that weren't found are handled.
type MissingPolicy int

// Valid missing step policies.
const (
	MissingIgnore MissingPolicy = iota
	MissingWarn
	MissingError
)

func (p MissingPolicy) String() string {
	switch p {
	case MissingIgnore:
		return "ignore"
	case MissingWarn:
		return "warn"
	case MissingError:
		return "error"
	default:
		return fmt.Sprintf("MissingPolicy(%d)", int(p))
	}
}

// ParseMissingPolicy parses a missing step policy name.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch strings.ToLower(s) {
	case "ignore":
		return MissingIgnore, nil
	case "warn":
		return MissingWarn, nil
	case "error":
		return MissingError, nil
	}
	return MissingIgnore, fmt.Errorf("invalid missing step policy '%s'", s)
}

// Check applies the policy to the unmatched keys returned by Select.
func (p MissingPolicy) Check(unmatched []step.Key, logger *slog.Logger) error {
	if len(unmatched) == 0 {
		return nil
	}

	switch p {
	case MissingWarn:
		for _, k := range unmatched {
			logger.Warn("requested step not found", "step", k.String())
		}
	case MissingError:
		return &UnmatchedError{Keys: unmatched}
	}

	return nil
}

// UnmatchedError is returned when requested steps weren't found and the
// MissingError policy is in effect.
type UnmatchedError struct {
	Keys []step.Key
}

// Error returns a string representation of the error.
func (e *UnmatchedError) Error() string {
	keys := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = k.String()
	}
	return fmt.Sprintf("requested steps not found: %s", strings.Join(keys, ", "))
}
