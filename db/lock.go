package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.hackfix.me/dictstep/db/types"
)

const lockTable = "_dictstep_lock"

// Lock is an exclusive lock on a schema instance, held for the duration of a
// migration run.
type Lock struct {
	once    sync.Once
	err     error
	release func(ctx context.Context) error
}

// Release releases the lock. It's safe to call multiple times.
func (l *Lock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.release(ctx)
	})
	return l.err
}

// Lock acquires the exclusive lock of the schema instance with the given table
// prefix. It doesn't wait for the lock to be released if it's held by another
// run, but fails with a types.LockedError instead.
//
// On PostgreSQL this is a session advisory lock held on a dedicated connection.
// On SQLite and libSQL a row in the lock table is used, which is committed
// independently of the migration transaction.
func (d *DB) Lock(ctx context.Context, prefix, holder string) (*Lock, error) {
	if d.dialect == types.Postgres {
		return d.advisoryLock(ctx, prefix)
	}

	_, err := d.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (prefix, holder, acquired_at) VALUES (?, ?, ?)`, lockTable),
		prefix, holder, d.TimeNow().UTC().UnixNano())
	if err != nil {
		err = types.Err("lock", prefix, err)
		var dupErr *types.DuplicateError
		if !errors.As(err, &dupErr) {
			return nil, fmt.Errorf("failed acquiring lock: %w", err)
		}

		lerr := &types.LockedError{Prefix: prefix}
		var since int64
		qerr := d.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT holder, acquired_at FROM %s WHERE prefix = ?`, lockTable), prefix).
			Scan(&lerr.Holder, &since)
		if qerr == nil {
			lerr.Since = time.Unix(0, since).UTC()
		}
		return nil, lerr
	}

	return &Lock{release: func(ctx context.Context) error {
		_, err := d.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE prefix = ? AND holder = ?`, lockTable), prefix, holder)
		if err != nil {
			return fmt.Errorf("failed releasing lock: %w", err)
		}
		return nil
	}}, nil
}

// ForceUnlock removes a stale lock of the schema instance with the given table
// prefix, e.g. after a migration process was killed. It returns false if there
// was no lock to remove.
func (d *DB) ForceUnlock(ctx context.Context, prefix string) (bool, error) {
	if d.dialect == types.Postgres {
		return false, errors.New("PostgreSQL advisory locks are released when the holding session ends")
	}

	return d.deleteLock(ctx, `prefix = ?`, prefix)
}

// ReleaseHolder removes the lock of the schema instance with the given table
// prefix only if it's held by holder. It's used to clean up after a migration
// run that was aborted without releasing its lock. It returns false if holder
// didn't hold the lock. On PostgreSQL this is a no-op, since the advisory lock
// ends with the session of the holder.
func (d *DB) ReleaseHolder(ctx context.Context, prefix, holder string) (bool, error) {
	if d.dialect == types.Postgres {
		return false, nil
	}

	return d.deleteLock(ctx, `prefix = ? AND holder = ?`, prefix, holder)
}

func (d *DB) deleteLock(ctx context.Context, where string, args ...any) (bool, error) {
	res, err := d.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, lockTable, where), args...)
	if err != nil {
		return false, fmt.Errorf("failed removing lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed getting affected rows: %w", err)
	}

	return n > 0, nil
}

func (d *DB) advisoryLock(ctx context.Context, prefix string) (*Lock, error) {
	conn, err := d.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed acquiring lock connection: %w", err)
	}

	key := lockKey(prefix)
	var acquired bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed acquiring advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, &types.LockedError{Prefix: prefix}
	}

	return &Lock{release: func(ctx context.Context) error {
		defer conn.Close()
		var released sql.Null[bool]
		err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
		if err != nil {
			return fmt.Errorf("failed releasing advisory lock: %w", err)
		}
		return nil
	}}, nil
}

func lockKey(prefix string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("dictstep:" + prefix))
	return int64(h.Sum64()) //nolint:gosec // Overflow is fine for a lock key.
}
