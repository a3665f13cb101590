package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/step"
	"go.hackfix.me/dictstep/step/selector"
)

func TestErrorRecord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		kind  engine.ErrorKind
		check func(t *testing.T, err error)
	}{
		{
			name: "ok/discovery",
			err:  &engine.DiscoveryError{Module: "core", Err: errors.New("can't load")},
			kind: engine.KindDiscovery,
			check: func(t *testing.T, err error) {
				var derr *engine.DiscoveryError
				require.ErrorAs(t, err, &derr)
				assert.Equal(t, "core", derr.Module)
			},
		},
		{
			name: "ok/connection",
			err:  &engine.ConnectionError{Dialect: types.Postgres, Err: errors.New("refused")},
			kind: engine.KindConnection,
			check: func(t *testing.T, err error) {
				var cerr *engine.ConnectionError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, types.Postgres, cerr.Dialect)
			},
		},
		{
			name: "ok/application_timeout",
			err: &engine.ApplicationError{
				Phase: engine.PhaseApply, Step: step.Key{Name: "Slow", Number: 1}, Index: 1,
				Err: fmt.Errorf("waiting: %w", context.DeadlineExceeded),
			},
			kind: engine.KindApplication,
			check: func(t *testing.T, err error) {
				var aerr *engine.ApplicationError
				require.ErrorAs(t, err, &aerr)
				assert.Equal(t, step.Key{Name: "Slow", Number: 1}, aerr.Step)
				assert.Equal(t, 1, aerr.Index)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			},
		},
		{
			name: "ok/locked",
			err: fmt.Errorf("wrapped: %w", &types.LockedError{
				Prefix: "app_", Holder: "run1", Since: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			}),
			kind: engine.KindLocked,
			check: func(t *testing.T, err error) {
				var lerr *types.LockedError
				require.ErrorAs(t, err, &lerr)
				assert.Equal(t, "run1", lerr.Holder)
			},
		},
		{
			name: "ok/unmatched",
			err:  &selector.UnmatchedError{Keys: []step.Key{{Name: "Nope", Number: 2}}},
			kind: engine.KindUnmatched,
			check: func(t *testing.T, err error) {
				var uerr *selector.UnmatchedError
				require.ErrorAs(t, err, &uerr)
				assert.Equal(t, []step.Key{{Name: "Nope", Number: 2}}, uerr.Keys)
			},
		},
		{
			name: "ok/other_canceled",
			err:  fmt.Errorf("interrupted: %w", context.Canceled),
			kind: engine.KindOther,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, context.Canceled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := engine.NewErrorRecord(tt.err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.kind, rec.Kind)

			err := rec.Err()
			require.Error(t, err)
			assert.Equal(t, tt.err.Error(), rec.Message)
			tt.check(t, err)
		})
	}

	assert.Nil(t, engine.NewErrorRecord(nil))
	assert.NoError(t, (*engine.ErrorRecord)(nil).Err())
}
