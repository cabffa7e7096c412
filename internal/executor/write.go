package executor

import (
	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/query"
	"github.com/nexus-db/nexus/internal/types"
)

func requireTx(ctx *ExecContext) error {
	if ctx.Tx == nil {
		return nexuserr.New(nexuserr.CodeSemanticError, "write clause used in a read-only query")
	}
	return nil
}

// evalPropsMap resolves a pattern's inline `{k: expr, ...}` map and/or
// whole-map `$param` form into a concrete property map, evaluated against
// row (spec.md §4.3 pattern property forms).
func evalPropsMap(ctx *ExecContext, row Row, props map[string]query.Expr, param query.Expr) (map[string]types.Value, error) {
	out := make(map[string]types.Value, len(props))
	for k, e := range props {
		v, err := Eval(ctx, row, e)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	if param != nil {
		v, err := Eval(ctx, row, param)
		if err != nil {
			return nil, err
		}
		if v.Kind() == types.KindMap {
			for k, vv := range v.AsMap() {
				out[k] = vv
			}
		}
	}
	return out, nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) > 0 {
		return ss[0]
	}
	return ""
}

// resolveOrCreateNode binds np's variable to the node it already names in
// row (pattern variable reuse across CREATE/MERGE, e.g. the `a` in
// `MATCH (a) CREATE (a)-[:KNOWS]->(b)`), or creates a fresh node otherwise.
func resolveOrCreateNode(ctx *ExecContext, row Row, np *query.NodePattern) (uint64, error) {
	if np.Variable != "" {
		if bound, ok := row[np.Variable]; ok && bound.Kind() == types.KindNode {
			return bound.AsNode().ID, nil
		}
	}
	props, err := evalPropsMap(ctx, row, np.Props, np.PropsParam)
	if err != nil {
		return 0, err
	}
	id, err := ctx.Graph.CreateNode(ctx.Tx, np.Labels, props)
	if err != nil {
		return 0, err
	}
	if np.Variable != "" {
		n, err := ctx.Graph.ReadNode(ctx.Snap, id)
		if err != nil {
			return 0, err
		}
		row[np.Variable] = nodeValue(n)
	}
	return id, nil
}

// createPatternPart materializes one CREATE/MERGE-create pattern part,
// reusing already-bound node variables and creating everything else.
func createPatternPart(ctx *ExecContext, row Row, part *query.PatternPart) error {
	nodeIDs := make([]uint64, len(part.Nodes))
	for i, np := range part.Nodes {
		id, err := resolveOrCreateNode(ctx, row, np)
		if err != nil {
			return err
		}
		nodeIDs[i] = id
	}
	relIDs := make([]uint64, len(part.Rels))
	for i, rp := range part.Rels {
		src, dst := nodeIDs[i], nodeIDs[i+1]
		if rp.Dir == query.DirIn {
			src, dst = dst, src
		}
		props, err := evalPropsMap(ctx, row, rp.Props, nil)
		if err != nil {
			return err
		}
		id, err := ctx.Graph.CreateRel(ctx.Tx, src, dst, firstOrEmpty(rp.Types), props)
		if err != nil {
			return err
		}
		relIDs[i] = id
		if rp.Variable != "" {
			r, err := ctx.Graph.ReadRel(ctx.Snap, id)
			if err != nil {
				return err
			}
			row[rp.Variable] = relValue(r)
		}
	}
	if part.PathVariable != "" {
		c := candidate{vars: row, nodeIDs: nodeIDs, relIDs: relIDs}
		pv, err := buildPath(ctx, c)
		if err != nil {
			return err
		}
		row[part.PathVariable] = pv
	}
	return nil
}

func execCreate(ctx *ExecContext, rows []Row, c *query.CreateClause) ([]Row, error) {
	if err := requireTx(ctx); err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		cur := row.Clone()
		for _, part := range c.Patterns {
			if err := createPatternPart(ctx, cur, part); err != nil {
				return nil, err
			}
		}
		out = append(out, cur)
	}
	return out, nil
}

// applySetItem mutates one SET target. Bound node/relationship values are
// replaced with a freshly copied Node/Rel (rather than mutated in place)
// since row.Clone() is shallow and the same *Node/*Rel pointer may be
// shared by sibling rows produced from the same match.
func applySetItem(ctx *ExecContext, row Row, item query.SetItem) error {
	bound, ok := row[item.Variable]
	if !ok {
		return nexuserr.New(nexuserr.CodeSemanticError, "SET target %q is not bound", item.Variable)
	}
	switch item.Property {
	case "":
	default:
		v, err := Eval(ctx, row, item.Value)
		if err != nil {
			return err
		}
		switch bound.Kind() {
		case types.KindNode:
			n := *bound.AsNode()
			bits, err := ctx.Graph.NodeLabelBits(n.ID)
			if err != nil {
				return err
			}
			if err := ctx.Graph.SetNodeProperty(ctx.Tx, n.ID, bits, item.Property, v); err != nil {
				return err
			}
			props := make(map[string]types.Value, len(n.Props)+1)
			for k, pv := range n.Props {
				props[k] = pv
			}
			props[item.Property] = v
			n.Props = props
			row[item.Variable] = types.NodeVal(n)
		case types.KindRel:
			r := *bound.AsRel()
			if err := ctx.Graph.SetRelProperty(ctx.Tx, r.ID, item.Property, v); err != nil {
				return err
			}
			props := make(map[string]types.Value, len(r.Props)+1)
			for k, pv := range r.Props {
				props[k] = pv
			}
			props[item.Property] = v
			r.Props = props
			row[item.Variable] = types.RelVal(r)
		default:
			return nexuserr.New(nexuserr.CodeSemanticError, "SET property target must be a node or relationship")
		}
		return nil
	}
	if item.Label != "" {
		if bound.Kind() != types.KindNode {
			return nexuserr.New(nexuserr.CodeSemanticError, "SET label target must be a node")
		}
		n := *bound.AsNode()
		if err := ctx.Graph.AddLabel(ctx.Tx, n.ID, item.Label); err != nil {
			return err
		}
		n.Labels = append(append([]string{}, n.Labels...), item.Label)
		row[item.Variable] = types.NodeVal(n)
		return nil
	}
	// Whole-map form: SET n = {..} (replace) or SET n += {..} (merge).
	mv, err := Eval(ctx, row, item.Value)
	if err != nil {
		return err
	}
	if mv.Kind() != types.KindMap {
		return nexuserr.New(nexuserr.CodeSemanticError, "SET map target must evaluate to a map")
	}
	switch bound.Kind() {
	case types.KindNode:
		n := *bound.AsNode()
		bits, err := ctx.Graph.NodeLabelBits(n.ID)
		if err != nil {
			return err
		}
		newProps := make(map[string]types.Value)
		if item.IsAdd {
			for k, pv := range n.Props {
				newProps[k] = pv
			}
		} else {
			for k := range n.Props {
				if _, keep := mv.AsMap()[k]; !keep {
					if err := ctx.Graph.RemoveNodeProperty(ctx.Tx, n.ID, k); err != nil {
						return err
					}
				}
			}
		}
		for k, v := range mv.AsMap() {
			if err := ctx.Graph.SetNodeProperty(ctx.Tx, n.ID, bits, k, v); err != nil {
				return err
			}
			newProps[k] = v
		}
		n.Props = newProps
		row[item.Variable] = types.NodeVal(n)
	case types.KindRel:
		r := *bound.AsRel()
		newProps := make(map[string]types.Value)
		if item.IsAdd {
			for k, pv := range r.Props {
				newProps[k] = pv
			}
		} else {
			for k := range r.Props {
				if _, keep := mv.AsMap()[k]; !keep {
					if err := ctx.Graph.RemoveRelProperty(ctx.Tx, r.ID, k); err != nil {
						return err
					}
				}
			}
		}
		for k, v := range mv.AsMap() {
			if err := ctx.Graph.SetRelProperty(ctx.Tx, r.ID, k, v); err != nil {
				return err
			}
			newProps[k] = v
		}
		r.Props = newProps
		row[item.Variable] = types.RelVal(r)
	default:
		return nexuserr.New(nexuserr.CodeSemanticError, "SET map target must be a node or relationship")
	}
	return nil
}

func execSet(ctx *ExecContext, rows []Row, c *query.SetClause) ([]Row, error) {
	if err := requireTx(ctx); err != nil {
		return nil, err
	}
	for _, row := range rows {
		for _, item := range c.Items {
			if err := applySetItem(ctx, row, item); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

func execRemove(ctx *ExecContext, rows []Row, c *query.RemoveClause) ([]Row, error) {
	if err := requireTx(ctx); err != nil {
		return nil, err
	}
	for _, row := range rows {
		for _, item := range c.Items {
			bound, ok := row[item.Variable]
			if !ok {
				continue
			}
			if item.Label != "" {
				if bound.Kind() != types.KindNode {
					return nil, nexuserr.New(nexuserr.CodeSemanticError, "REMOVE label target must be a node")
				}
				n := *bound.AsNode()
				if err := ctx.Graph.RemoveLabel(ctx.Tx, n.ID, item.Label); err != nil {
					return nil, err
				}
				kept := n.Labels[:0]
				for _, l := range n.Labels {
					if l != item.Label {
						kept = append(kept, l)
					}
				}
				n.Labels = kept
				row[item.Variable] = types.NodeVal(n)
				continue
			}
			switch bound.Kind() {
			case types.KindNode:
				n := *bound.AsNode()
				if err := ctx.Graph.RemoveNodeProperty(ctx.Tx, n.ID, item.Property); err != nil {
					return nil, err
				}
				props := make(map[string]types.Value, len(n.Props))
				for k, v := range n.Props {
					if k != item.Property {
						props[k] = v
					}
				}
				n.Props = props
				row[item.Variable] = types.NodeVal(n)
			case types.KindRel:
				r := *bound.AsRel()
				if err := ctx.Graph.RemoveRelProperty(ctx.Tx, r.ID, item.Property); err != nil {
					return nil, err
				}
				props := make(map[string]types.Value, len(r.Props))
				for k, v := range r.Props {
					if k != item.Property {
						props[k] = v
					}
				}
				r.Props = props
				row[item.Variable] = types.RelVal(r)
			}
		}
	}
	return rows, nil
}

func execDelete(ctx *ExecContext, rows []Row, c *query.DeleteClause) ([]Row, error) {
	if err := requireTx(ctx); err != nil {
		return nil, err
	}
	for _, row := range rows {
		for _, expr := range c.Items {
			v, err := Eval(ctx, row, expr)
			if err != nil {
				return nil, err
			}
			switch v.Kind() {
			case types.KindNode:
				if err := ctx.Graph.DeleteNode(ctx.Tx, v.AsNode().ID, c.Detach); err != nil {
					return nil, err
				}
			case types.KindRel:
				if err := ctx.Graph.DeleteRel(ctx.Tx, v.AsRel().ID); err != nil {
					return nil, err
				}
			case types.KindPath:
				p := v.AsPath()
				for _, r := range p.Rels {
					if err := ctx.Graph.DeleteRel(ctx.Tx, r.ID); err != nil {
						return nil, err
					}
				}
				for _, n := range p.Nodes {
					if err := ctx.Graph.DeleteNode(ctx.Tx, n.ID, c.Detach); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return rows, nil
}

func execMerge(ctx *ExecContext, rows []Row, c *query.MergeClause) ([]Row, error) {
	if err := requireTx(ctx); err != nil {
		return nil, err
	}
	var out []Row
	for _, row := range rows {
		matches, err := matchPattern(ctx, row, c.Pattern)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			cur := row.Clone()
			if err := createPatternPart(ctx, cur, c.Pattern); err != nil {
				return nil, err
			}
			for _, item := range c.OnCreate {
				if err := applySetItem(ctx, cur, item); err != nil {
					return nil, err
				}
			}
			out = append(out, cur)
			continue
		}
		for _, m := range matches {
			for _, item := range c.OnMatch {
				if err := applySetItem(ctx, m, item); err != nil {
					return nil, err
				}
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func execForeach(ctx *ExecContext, rows []Row, c *query.ForeachClause) ([]Row, error) {
	if err := requireTx(ctx); err != nil {
		return nil, err
	}
	for _, row := range rows {
		v, err := Eval(ctx, row, c.List)
		if err != nil {
			return nil, err
		}
		for _, item := range v.AsList() {
			sub := row.Clone()
			sub[c.Variable] = item
			if _, _, err := runClausesFrom(ctx, []Row{sub}, c.Clauses); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

func evalArgs(ctx *ExecContext, row Row, args []query.Expr) ([]types.Value, error) {
	out := make([]types.Value, len(args))
	for i, a := range args {
		v, err := Eval(ctx, row, a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func execCall(ctx *ExecContext, rows []Row, c *query.CallClause) ([]Row, error) {
	proc, ok := ctx.Procs[c.Name]
	if !ok {
		return nil, nexuserr.New(nexuserr.CodeSemanticError, "unknown procedure %q", c.Name)
	}
	var out []Row
	for _, row := range rows {
		args, err := evalArgs(ctx, row, c.Args)
		if err != nil {
			return nil, err
		}
		procRows, yields, err := proc(ctx, args)
		if err != nil {
			return nil, err
		}
		names := c.Yield
		if len(names) == 0 {
			names = yields
		}
		for _, pr := range procRows {
			merged := row.Clone()
			for _, n := range names {
				if v, ok := pr[n]; ok {
					merged[n] = v
				}
			}
			out = append(out, merged)
		}
		if len(procRows) == 0 && len(c.Yield) == 0 {
			out = append(out, row)
		}
	}
	return out, nil
}

// execCallSubquery runs CALL { ... } [IN TRANSACTIONS OF n ROWS] once per
// outer row, seeding the inner query with that row so its clauses see the
// enclosing bindings. Batching only groups how many outer rows are
// processed per iteration of the loop below: there is no separate
// transaction boundary per batch in the single-writer engine, so a batch
// failure already aborts the one open outer transaction, matching the
// "abort the whole query on a batch failure" policy.
func execCallSubquery(ctx *ExecContext, rows []Row, c *query.CallSubqueryClause) ([]Row, error) {
	batch := c.BatchSize
	if !c.InTransactions || batch <= 0 {
		batch = len(rows)
		if batch == 0 {
			batch = 1
		}
	}
	var out []Row
	for i := 0; i < len(rows); i += batch {
		end := i + batch
		if end > len(rows) {
			end = len(rows)
		}
		for _, row := range rows[i:end] {
			innerRows, _, err := executeFrom(ctx, c.Query, []Row{row.Clone()})
			if err != nil {
				return nil, err
			}
			out = append(out, innerRows...)
		}
	}
	return out, nil
}
