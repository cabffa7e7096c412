package executor

import (
	"sort"
	"strings"

	"github.com/nexus-db/nexus/internal/query"
	"github.com/nexus-db/nexus/internal/types"
)

// execProjection implements the shared WITH/RETURN machinery: plain
// row-at-a-time projection when no item contains an aggregate function, or
// grouping by every non-aggregate item's value when at least one does
// (spec.md §4.7.3's "RETURN/WITH either project row-wise or, when an
// aggregate appears, implicitly GROUP BY every other item").
func execProjection(ctx *ExecContext, rows []Row, pc *query.ProjectionClause) ([]Row, []string, error) {
	if pc.Star {
		return execStarProjection(ctx, rows, pc)
	}

	cols := make([]string, len(pc.Items))
	for i, item := range pc.Items {
		if item.Alias != "" {
			cols[i] = item.Alias
		} else {
			cols[i] = exprDisplayName(item.Expr)
		}
	}

	aggregating := false
	for _, item := range pc.Items {
		if containsAggregate(item.Expr) {
			aggregating = true
			break
		}
	}

	var out []Row
	if aggregating {
		groups, order := groupRows(ctx, rows, pc.Items)
		for _, key := range order {
			grp := groups[key]
			row := make(Row, len(pc.Items))
			for i, item := range pc.Items {
				v, err := evalGrouped(ctx, grp, item.Expr)
				if err != nil {
					return nil, nil, err
				}
				row[cols[i]] = v
			}
			out = append(out, row)
		}
		if len(rows) == 0 {
			// A grouping projection over zero input rows still yields one
			// row of aggregate identities (count()=0, sum()=0, etc.), the
			// same as every SQL/Cypher aggregate engine.
			row := make(Row, len(pc.Items))
			for i, item := range pc.Items {
				v, err := evalGrouped(ctx, []Row{{}}, item.Expr)
				if err != nil {
					return nil, nil, err
				}
				row[cols[i]] = v
			}
			out = append(out, row)
		}
	} else {
		for _, r := range rows {
			row := make(Row, len(pc.Items))
			for i, item := range pc.Items {
				v, err := Eval(ctx, r, item.Expr)
				if err != nil {
					return nil, nil, err
				}
				row[cols[i]] = v
			}
			out = append(out, row)
		}
	}

	if pc.Where != nil {
		var filtered []Row
		for _, r := range out {
			v, err := Eval(ctx, r, pc.Where)
			if err != nil {
				return nil, nil, err
			}
			if t, ok := v.Truthy(); ok && t {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}

	if pc.Distinct {
		out = distinctRows(out, cols)
	}

	if len(pc.OrderBy) > 0 {
		if err := orderRows(ctx, out, pc.OrderBy); err != nil {
			return nil, nil, err
		}
	}

	out, err := applySkipLimit(ctx, out, pc.Skip, pc.Limit)
	if err != nil {
		return nil, nil, err
	}
	return out, cols, nil
}

// groupRows partitions rows into groups keyed by the values of every
// non-aggregate item, preserving first-seen group order.
func groupRows(ctx *ExecContext, rows []Row, items []query.ReturnItem) (map[string][]Row, []string) {
	groups := make(map[string][]Row)
	var order []string
	for _, r := range rows {
		var keyParts []types.Value
		for _, item := range items {
			if containsAggregate(item.Expr) {
				continue
			}
			v, err := Eval(ctx, r, item.Expr)
			if err != nil {
				v = types.Null
			}
			keyParts = append(keyParts, v)
		}
		key := valuesKey(keyParts)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	return groups, order
}

// valuesKey serializes an ordered tuple of values into a grouping key.
// Ordered by construction (unlike iterating a Row map), so equal tuples
// always produce equal keys.
func valuesKey(vals []types.Value) string {
	var b strings.Builder
	for _, v := range vals {
		b.WriteString(v.String())
		b.WriteByte('\x1f')
	}
	return b.String()
}

func execStarProjection(ctx *ExecContext, rows []Row, pc *query.ProjectionClause) ([]Row, []string, error) {
	colSet := make(map[string]bool)
	for _, r := range rows {
		for k := range r {
			colSet[k] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for k := range colSet {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	out := rows
	if pc.Where != nil {
		var filtered []Row
		for _, r := range out {
			v, err := Eval(ctx, r, pc.Where)
			if err != nil {
				return nil, nil, err
			}
			if t, ok := v.Truthy(); ok && t {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}
	if pc.Distinct {
		out = distinctRows(out, cols)
	}
	if len(pc.OrderBy) > 0 {
		if err := orderRows(ctx, out, pc.OrderBy); err != nil {
			return nil, nil, err
		}
	}
	out, err := applySkipLimit(ctx, out, pc.Skip, pc.Limit)
	if err != nil {
		return nil, nil, err
	}
	return out, cols, nil
}

func applySkipLimit(ctx *ExecContext, rows []Row, skip, limit query.Expr) ([]Row, error) {
	start := 0
	if skip != nil {
		v, err := Eval(ctx, Row{}, skip)
		if err != nil {
			return nil, err
		}
		start = int(v.AsInt())
		if start < 0 {
			start = 0
		}
	}
	if start > len(rows) {
		start = len(rows)
	}
	rows = rows[start:]
	if limit != nil {
		v, err := Eval(ctx, Row{}, limit)
		if err != nil {
			return nil, err
		}
		n := int(v.AsInt())
		if n < 0 {
			n = 0
		}
		if n < len(rows) {
			rows = rows[:n]
		}
	}
	return rows, nil
}
