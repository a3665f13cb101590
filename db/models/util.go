package models

import (
	"context"
	"fmt"

	"go.hackfix.me/dictstep/db/types"
)

// CountStepRecords returns the number of step records matching filter. The
// history table is aliased as "h" in filter conditions.
func CountStepRecords(ctx context.Context, d types.Querier, filter *types.Filter) (int, error) {
	if filter == nil {
		filter = &types.Filter{Where: "1=1"}
	}
	return filterCount(ctx, d, HistoryTable, filter)
}

func filterCount(ctx context.Context, d types.Querier, table string, filter *types.Filter) (int, error) {
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM "%s" h WHERE %s`, table, filter.Where)
	var count int
	err := d.QueryRowContext(ctx, countQ, filter.Args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed scanning %s count query: %w", table, err)
	}

	return count, nil
}
