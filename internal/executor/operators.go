package executor

import (
	"fmt"
	"strings"

	"github.com/nexus-db/nexus/internal/graph"
	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/planner"
	"github.com/nexus-db/nexus/internal/query"
	"github.com/nexus-db/nexus/internal/store"
	"github.com/nexus-db/nexus/internal/types"
)

// DefaultMaxVarLength bounds an unbounded `*..` variable-length relationship
// pattern (spec.md §4.3 grammar allows `*` with no upper bound). Without a
// cap a cyclic graph would make the DFS below run forever; this is a
// pragmatic ceiling, not a spec-mandated constant.
const DefaultMaxVarLength = 15

// candidate is the internal, non-Row-visible state matchPattern threads
// through one pattern part's node/relationship walk: the row-visible
// bindings built up so far, the set of relationship ids already consumed
// along this path (Cypher's "no edge twice within one match" rule), and the
// ordered node/relationship ids needed to build a path variable at the end.
// None of this leaks into user-visible bindings; matchPattern converts each
// surviving candidate to a plain Row only once the whole pattern is walked.
type candidate struct {
	vars     Row
	used     map[uint64]bool
	nodeIDs  []uint64
	relIDs   []uint64
}

func (c candidate) clone() candidate {
	out := candidate{
		vars:    c.vars.Clone(),
		used:    make(map[uint64]bool, len(c.used)),
		nodeIDs: append([]uint64{}, c.nodeIDs...),
		relIDs:  append([]uint64{}, c.relIDs...),
	}
	for k, v := range c.used {
		out.used[k] = v
	}
	return out
}

func storeDir(d query.Direction) store.Direction {
	switch d {
	case query.DirOut:
		return store.DirOutgoing
	case query.DirIn:
		return store.DirIncoming
	default:
		return store.DirBoth
	}
}

func hasAllLabels(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func propsMatch(ctx *ExecContext, row Row, want map[string]query.Expr, get func(key string) types.Value) (bool, error) {
	for k, e := range want {
		v, err := Eval(ctx, row, e)
		if err != nil {
			return false, err
		}
		if !types.Equal(get(k), v) {
			return false, nil
		}
	}
	return true, nil
}

func propsMatchParam(ctx *ExecContext, row Row, paramExpr query.Expr, get func(key string) types.Value) (bool, error) {
	if paramExpr == nil {
		return true, nil
	}
	v, err := Eval(ctx, row, paramExpr)
	if err != nil {
		return false, err
	}
	if v.Kind() != types.KindMap {
		return false, nexuserr.New(nexuserr.CodeSemanticError, "pattern property parameter must evaluate to a map")
	}
	for k, want := range v.AsMap() {
		if !types.Equal(get(k), want) {
			return false, nil
		}
	}
	return true, nil
}

func nodeValue(n *types.Node) types.Value { return types.NodeVal(*n) }
func relValue(r *types.Rel) types.Value   { return types.RelVal(*r) }

func nodeGetter(n *types.Node) func(string) types.Value {
	return func(k string) types.Value {
		if v, ok := n.Props[k]; ok {
			return v
		}
		return types.Null
	}
}

func relGetter(r *types.Rel) func(string) types.Value {
	return func(k string) types.Value {
		if v, ok := r.Props[k]; ok {
			return v
		}
		return types.Null
	}
}

// nodeSatisfies checks label/property constraints of np against an already
// materialized node, used both for fresh enumeration and for re-validating
// an already-bound variable reused at a later position in the same pattern.
func nodeSatisfies(ctx *ExecContext, row Row, np *query.NodePattern, n *types.Node) (bool, error) {
	if !hasAllLabels(n.Labels, np.Labels) {
		return false, nil
	}
	if ok, err := propsMatch(ctx, row, np.Props, nodeGetter(n)); err != nil || !ok {
		return ok, err
	}
	return propsMatchParam(ctx, row, np.PropsParam, nodeGetter(n))
}

func relSatisfies(ctx *ExecContext, row Row, rp *query.RelPattern, r *types.Rel) (bool, error) {
	return propsMatch(ctx, row, rp.Props, relGetter(r))
}

// candidateNodes enumerates the nodes np can bind to: the single bound
// entity if np.Variable is already bound in c.vars, or every live node
// satisfying its label/property constraints otherwise (via the label
// bitmap when a label is named, else a full scan).
func candidateNodes(ctx *ExecContext, c candidate, np *query.NodePattern) ([]*types.Node, error) {
	if np.Variable != "" {
		if bound, ok := c.vars[np.Variable]; ok {
			if bound.Kind() != types.KindNode {
				return nil, nil
			}
			n := bound.AsNode()
			ok2, err := nodeSatisfies(ctx, c.vars, np, n)
			if err != nil || !ok2 {
				return nil, err
			}
			return []*types.Node{n}, nil
		}
	}
	var out []*types.Node
	var scanErr error
	collect := func(n *types.Node) bool {
		ok, err := nodeSatisfies(ctx, c.vars, np, n)
		if err != nil {
			scanErr = err
			return false
		}
		if ok {
			out = append(out, n)
		}
		return true
	}

	start := planner.ChooseAccessMethod(ctx.Graph, np)
	switch start.Method {
	case planner.IndexSeek:
		labelID, _, err := ctx.Graph.LabelID(start.Label)
		if err != nil {
			return nil, err
		}
		idx, ok := ctx.Graph.PropertyIndexFor(labelID, start.Property)
		if !ok {
			break
		}
		for _, id := range idx.Seek(start.SeekKey) {
			n, err := ctx.Graph.ReadNode(ctx.Snap, id)
			if err != nil {
				if nexuserr.Is(err, nexuserr.CodeNotFound) {
					continue
				}
				return nil, err
			}
			if !collect(n) {
				break
			}
		}
		return out, scanErr
	case planner.LabelScan:
		if err := ctx.Graph.NodesByLabel(ctx.Snap, start.Label, collect); err != nil {
			return nil, err
		}
		return out, scanErr
	}
	if err := ctx.Graph.AllNodes(ctx.Snap, collect); err != nil {
		return nil, err
	}
	return out, scanErr
}

// expandFirstNode seeds one candidate per matching node for the pattern's
// first node position.
func expandFirstNode(ctx *ExecContext, base candidate, np *query.NodePattern) ([]candidate, error) {
	nodes, err := candidateNodes(ctx, base, np)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(nodes))
	for _, n := range nodes {
		c := base.clone()
		if np.Variable != "" {
			c.vars[np.Variable] = nodeValue(n)
		}
		c.nodeIDs = append(c.nodeIDs, n.ID)
		out = append(out, c)
	}
	return out, nil
}

// expandHop advances every candidate across one relationship pattern to the
// next node pattern, branching into one candidate per (relationship, next
// node) pair that satisfies both patterns' constraints and has not already
// been used along this path.
func expandHop(ctx *ExecContext, cands []candidate, rp *query.RelPattern, np *query.NodePattern) ([]candidate, error) {
	var out []candidate
	for _, c := range cands {
		if rp.VarLength {
			branches, err := expandVarLength(ctx, c, rp, np)
			if err != nil {
				return nil, err
			}
			out = append(out, branches...)
			continue
		}
		anchor := c.nodeIDs[len(c.nodeIDs)-1]
		rels, err := ctx.Graph.Neighbors(ctx.Snap, anchor, storeDir(rp.Dir), rp.Types)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			if c.used[r.ID] {
				continue
			}
			if rp.Variable != "" {
				if bound, ok := c.vars[rp.Variable]; ok {
					if bound.Kind() != types.KindRel || bound.AsRel().ID != r.ID {
						continue
					}
				}
			}
			ok, err := relSatisfies(ctx, c.vars, rp, r)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			other := r.Start
			if other == anchor {
				other = r.End
			}
			n, err := ctx.Graph.ReadNode(ctx.Snap, other)
			if err != nil {
				if nexuserr.Is(err, nexuserr.CodeNotFound) {
					continue
				}
				return nil, err
			}
			ok, err = nodeSatisfies(ctx, c.vars, np, n)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			nc := c.clone()
			if rp.Variable != "" {
				nc.vars[rp.Variable] = relValue(r)
			}
			if np.Variable != "" {
				nc.vars[np.Variable] = nodeValue(n)
			}
			nc.used[r.ID] = true
			nc.relIDs = append(nc.relIDs, r.ID)
			nc.nodeIDs = append(nc.nodeIDs, n.ID)
			out = append(out, nc)
		}
	}
	return out, nil
}

// expandVarLength DFS-walks a `*min..max` relationship pattern from c's
// current anchor, emitting one candidate per distinct simple path (no
// repeated relationship) whose length falls in [min,max] and whose final
// node satisfies np. rp.Variable, if named, is bound to the list of
// traversed relationships (Cypher's variable-length binding semantics).
func expandVarLength(ctx *ExecContext, c candidate, rp *query.RelPattern, np *query.NodePattern) ([]candidate, error) {
	// rp.MinLen is already the correct lower bound: the parser defaults it
	// to 1 when the pattern gives no explicit number and sets it to 0 for
	// `*0..k`, so it must not be re-clamped here (0 is a legitimate bound,
	// not a sentinel for "unspecified").
	min := rp.MinLen
	max := rp.MaxLen
	if max < 0 || max > DefaultMaxVarLength {
		max = DefaultMaxVarLength
	}

	var out []candidate
	var walk func(cur candidate, depth int, relChain []types.Value) error
	walk = func(cur candidate, depth int, relChain []types.Value) error {
		anchor := cur.nodeIDs[len(cur.nodeIDs)-1]
		if depth >= min {
			n, err := ctx.Graph.ReadNode(ctx.Snap, anchor)
			if err == nil {
				ok, err := nodeSatisfies(ctx, cur.vars, np, n)
				if err != nil {
					return err
				}
				if ok {
					var matchOK bool
					if np.Variable != "" {
						if bound, already := cur.vars[np.Variable]; already {
							matchOK = bound.Kind() == types.KindNode && bound.AsNode().ID == n.ID
						} else {
							matchOK = true
						}
					} else {
						matchOK = true
					}
					if matchOK {
						final := cur.clone()
						if np.Variable != "" {
							final.vars[np.Variable] = nodeValue(n)
						}
						if rp.Variable != "" {
							final.vars[rp.Variable] = types.List(append([]types.Value{}, relChain...))
						}
						out = append(out, final)
					}
				}
			} else if !nexuserr.Is(err, nexuserr.CodeNotFound) {
				return err
			}
		}
		if depth >= max {
			return nil
		}
		rels, err := ctx.Graph.Neighbors(ctx.Snap, anchor, storeDir(rp.Dir), rp.Types)
		if err != nil {
			return err
		}
		for _, r := range rels {
			if cur.used[r.ID] {
				continue
			}
			ok, err := relSatisfies(ctx, cur.vars, rp, r)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			other := r.Start
			if other == anchor {
				other = r.End
			}
			nc := cur.clone()
			nc.used[r.ID] = true
			nc.relIDs = append(nc.relIDs, r.ID)
			nc.nodeIDs = append(nc.nodeIDs, other)
			if err := walk(nc, depth+1, append(relChain, relValue(r))); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(c, 0, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// buildPath constructs the path variable for a fully-walked candidate,
// materializing every node/relationship id it visited.
func buildPath(ctx *ExecContext, c candidate) (types.Value, error) {
	p := types.Path{}
	for _, id := range c.nodeIDs {
		n, err := ctx.Graph.ReadNode(ctx.Snap, id)
		if err != nil {
			return types.Null, err
		}
		p.Nodes = append(p.Nodes, *n)
	}
	for _, id := range c.relIDs {
		r, err := ctx.Graph.ReadRel(ctx.Snap, id)
		if err != nil {
			return types.Null, err
		}
		p.Rels = append(p.Rels, *r)
	}
	return types.PathVal(p), nil
}

// matchPattern walks one PatternPart against row, returning one Row per
// surviving match (zero rows if the pattern has no matches at all — the
// caller decides whether that means "drop this row" (MATCH) or "keep it
// with unbound vars" (OPTIONAL MATCH)).
func matchPattern(ctx *ExecContext, row Row, pattern *query.PatternPart) ([]Row, error) {
	if len(pattern.Nodes) == 0 {
		return nil, nexuserr.New(nexuserr.CodeSemanticError, "empty pattern")
	}
	cands, err := expandFirstNode(ctx, candidate{vars: row.Clone(), used: map[uint64]bool{}}, pattern.Nodes[0])
	if err != nil {
		return nil, err
	}
	for i, rp := range pattern.Rels {
		cands, err = expandHop(ctx, cands, rp, pattern.Nodes[i+1])
		if err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			return nil, nil
		}
	}
	if pattern.ShortestPath || pattern.AllShortest {
		cands = shortestOnly(cands, pattern.AllShortest)
	}
	rows := make([]Row, 0, len(cands))
	for _, c := range cands {
		if pattern.PathVariable != "" {
			pv, err := buildPath(ctx, c)
			if err != nil {
				return nil, err
			}
			c.vars[pattern.PathVariable] = pv
		}
		rows = append(rows, c.vars)
	}
	return rows, nil
}

// shortestOnly reduces a match set down to the shortest hop-count path(s),
// implementing shortestPath()/allShortestPaths() (spec.md §4.3).
func shortestOnly(cands []candidate, all bool) []candidate {
	if len(cands) == 0 {
		return cands
	}
	best := len(cands[0].relIDs)
	for _, c := range cands[1:] {
		if len(c.relIDs) < best {
			best = len(c.relIDs)
		}
	}
	var out []candidate
	for _, c := range cands {
		if len(c.relIDs) == best {
			out = append(out, c)
			if !all {
				return out
			}
		}
	}
	return out
}

// matchExists evaluates an EXISTS { pattern [WHERE ...] } semijoin predicate
// against one outer row.
func matchExists(ctx *ExecContext, row Row, pattern *query.PatternPart, where query.Expr) (bool, error) {
	rows, err := matchPattern(ctx, row, pattern)
	if err != nil {
		return false, err
	}
	if where == nil {
		return len(rows) > 0, nil
	}
	for _, r := range rows {
		v, err := Eval(ctx, r, where)
		if err != nil {
			return false, err
		}
		if t, ok := v.Truthy(); ok && t {
			return true, nil
		}
	}
	return false, nil
}

// execMatch applies a (possibly OPTIONAL) MATCH clause to every input row,
// expanding each into zero or more output rows across all of its
// comma-separated pattern parts (an inner join on any variables the parts
// share, since later parts see earlier parts' bindings via row.Clone()).
func execMatch(ctx *ExecContext, rows []Row, c *query.MatchClause) ([]Row, error) {
	var out []Row
	for _, row := range rows {
		cur := []Row{row}
		for _, part := range c.Patterns {
			var next []Row
			for _, r := range cur {
				matched, err := matchPattern(ctx, r, part)
				if err != nil {
					return nil, err
				}
				next = append(next, matched...)
			}
			cur = next
			if len(cur) == 0 {
				break
			}
		}
		if c.Where != nil {
			var filtered []Row
			for _, r := range cur {
				v, err := Eval(ctx, r, c.Where)
				if err != nil {
					return nil, err
				}
				if t, ok := v.Truthy(); ok && t {
					filtered = append(filtered, r)
				}
			}
			cur = filtered
		}
		if len(cur) == 0 {
			if c.Optional {
				out = append(out, row)
			}
			continue
		}
		out = append(out, cur...)
	}
	return out, nil
}

// execUnwind expands Row into one Row per element of the UNWIND list
// expression, binding each element to c.As.
func execUnwind(ctx *ExecContext, rows []Row, c *query.UnwindClause) ([]Row, error) {
	var out []Row
	for _, row := range rows {
		v, err := Eval(ctx, row, c.List)
		if err != nil {
			return nil, err
		}
		items := v.AsList()
		if v.Kind() != types.KindList {
			if v.IsNull() {
				continue
			}
			items = []types.Value{v}
		}
		for _, item := range items {
			sub := row.Clone()
			sub[c.As] = item
			out = append(out, sub)
		}
	}
	return out, nil
}

func exprDisplayName(e query.Expr) string {
	switch v := e.(type) {
	case *query.VarRef:
		return v.Name
	case *query.PropertyAccess:
		return exprDisplayName(v.Target) + "." + v.Property
	case *query.ParamRef:
		return "$" + v.Name
	case *query.Literal:
		return fmt.Sprintf("%v", v.Value)
	case *query.FunctionCall:
		args := make([]string, len(v.Args))
		for i, a := range v.Args {
			args[i] = exprDisplayName(a)
		}
		return v.Name + "(" + strings.Join(args, ", ") + ")"
	default:
		return "expr"
	}
}

// runClauses threads a fresh single empty row through one linear clause
// sequence. See runClausesFrom for the general form FOREACH/CALL{} need.
func runClauses(ctx *ExecContext, clauses []query.Clause) ([]Row, []string, error) {
	return runClausesFrom(ctx, []Row{{}}, clauses)
}

// runClausesFrom threads the given starting row set through one linear
// clause sequence, returning the final rows and, once a RETURN/WITH
// projection has run, the column names to render them under. A pure write
// query with no projection returns a nil column slice. FOREACH and
// CALL { subquery } both reuse this to run a nested clause list seeded
// with the enclosing row's bindings rather than an empty one.
func runClausesFrom(ctx *ExecContext, start []Row, clauses []query.Clause) ([]Row, []string, error) {
	rows := start
	var cols []string
	var err error
	for _, cl := range clauses {
		switch c := cl.(type) {
		case *query.MatchClause:
			rows, err = execMatch(ctx, rows, c)
		case *query.UnwindClause:
			rows, err = execUnwind(ctx, rows, c)
		case *query.CreateClause:
			rows, err = execCreate(ctx, rows, c)
		case *query.SetClause:
			rows, err = execSet(ctx, rows, c)
		case *query.DeleteClause:
			rows, err = execDelete(ctx, rows, c)
		case *query.RemoveClause:
			rows, err = execRemove(ctx, rows, c)
		case *query.MergeClause:
			rows, err = execMerge(ctx, rows, c)
		case *query.ForeachClause:
			rows, err = execForeach(ctx, rows, c)
		case *query.CallClause:
			rows, err = execCall(ctx, rows, c)
		case *query.CallSubqueryClause:
			rows, err = execCallSubquery(ctx, rows, c)
		case *query.WithClause:
			rows, cols, err = execProjection(ctx, rows, &c.ProjectionClause)
		case *query.ReturnClause:
			rows, cols, err = execProjection(ctx, rows, &c.ProjectionClause)
		default:
			err = nexuserr.New(nexuserr.CodeSemanticError, "unsupported clause %T", cl)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return rows, cols, nil
}

// Execute runs a full (possibly UNION-combined) query and returns the final
// result rows plus the column names to render them under.
func Execute(ctx *ExecContext, q *query.Query) ([]Row, []string, error) {
	return executeFrom(ctx, q, []Row{{}})
}

// executeFrom runs q with each UNION part seeded from start, used by
// Execute (start = one empty row) and by CALL { subquery } (start = the
// single enclosing row, so the subquery body sees the outer bindings).
func executeFrom(ctx *ExecContext, q *query.Query, start []Row) ([]Row, []string, error) {
	var all []Row
	var cols []string
	for i, part := range q.Parts {
		rows, partCols, err := runClausesFrom(ctx, start, part.Clauses)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			cols = partCols
		}
		all = append(all, rows...)
		if i < len(q.UnionAll) && !q.UnionAll[i] {
			all = distinctRows(all, cols)
		}
	}
	return all, cols, nil
}

func rowKey(row Row, cols []string) string {
	var b strings.Builder
	if len(cols) == 0 {
		for k, v := range row {
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(v.String())
			b.WriteByte('|')
		}
		return b.String()
	}
	for _, c := range cols {
		b.WriteString(row[c].String())
		b.WriteByte('|')
	}
	return b.String()
}

func distinctRows(rows []Row, cols []string) []Row {
	seen := make(map[string]bool, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		k := rowKey(r, cols)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
