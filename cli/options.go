package cli

import (
	"fmt"
	"reflect"

	"github.com/alecthomas/kong"

	"go.hackfix.me/dictstep/xtime"
)

// DurationMapper parses durations in the extended xtime format, e.g. "90s",
// "10m" or "1d".
type DurationMapper struct{}

var _ kong.Mapper = (*DurationMapper)(nil)

// Decode implements the kong.Mapper interface.
func (DurationMapper) Decode(kctx *kong.DecodeContext, target reflect.Value) error {
	var value string
	err := kctx.Scan.PopValueInto("duration", &value)
	if err != nil {
		return err
	}

	dur, err := xtime.ParseDuration(value)
	if err != nil {
		return err
	}
	if dur < 0 {
		return fmt.Errorf("duration must not be negative: %s", value)
	}

	target.SetInt(int64(dur))

	return nil
}
