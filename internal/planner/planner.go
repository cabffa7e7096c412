// Package planner picks a node pattern's starting access method (full
// scan, label scan, or property-index seek) from label-bitmap cardinality
// and registered property indexes, and builds a static plan tree that
// Render prints as text.
package planner

import (
	"fmt"
	"strings"

	"github.com/nexus-db/nexus/internal/graph"
	"github.com/nexus-db/nexus/internal/index/btreeidx"
	"github.com/nexus-db/nexus/internal/query"
)

// AccessMethod is how a pattern's first node position is resolved to a
// candidate set before relationship expansion begins.
type AccessMethod int

const (
	FullScan AccessMethod = iota
	LabelScan
	IndexSeek
)

func (m AccessMethod) String() string {
	switch m {
	case LabelScan:
		return "LabelScan"
	case IndexSeek:
		return "IndexSeek"
	default:
		return "AllNodesScan"
	}
}

// StartPlan describes how candidateNodes should resolve one NodePattern.
type StartPlan struct {
	Method   AccessMethod
	Label    string       // label chosen to scan/seek on, if any
	Property string       // property chosen for an index seek, if any
	SeekKey  btreeidx.Key // equality key, valid when Method == IndexSeek
}

// ChooseAccessMethod picks the cheapest way to resolve np's initial
// candidate set. With more than one label it prefers the lowest-
// cardinality label (spec.md's label-bitmap intersection note); with an
// inline equality property that has a registered index, it prefers the
// index seek over any label scan, since a seek's result size is bounded
// by the number of nodes sharing that exact value rather than the whole
// label.
func ChooseAccessMethod(g *graph.Graph, np *query.NodePattern) StartPlan {
	if len(np.Labels) == 0 {
		return StartPlan{Method: FullScan}
	}

	label := np.Labels[0]
	best := cardinalityOf(g, label)
	for _, l := range np.Labels[1:] {
		if c := cardinalityOf(g, l); c < best {
			best, label = c, l
		}
	}
	plan := StartPlan{Method: LabelScan, Label: label}

	labelID, ok, err := g.LabelID(label)
	if !ok || err != nil {
		return plan
	}
	for prop, expr := range np.Props {
		lit, ok := expr.(*query.Literal)
		if !ok {
			continue
		}
		if _, hasIdx := g.PropertyIndexFor(labelID, prop); !hasIdx {
			continue
		}
		key, ok := literalKey(lit.Value)
		if !ok {
			continue
		}
		plan.Method = IndexSeek
		plan.Property = prop
		plan.SeekKey = key
		break
	}
	return plan
}

func cardinalityOf(g *graph.Graph, label string) uint64 {
	labelID, ok, err := g.LabelID(label)
	if !ok || err != nil {
		return ^uint64(0) // unknown label: treat as unbounded so a known one wins
	}
	bm := g.LabelBitmap(labelID)
	if bm == nil {
		return 0
	}
	return bm.Cardinality()
}

func literalKey(v interface{}) (btreeidx.Key, bool) {
	switch t := v.(type) {
	case int64:
		return btreeidx.IntKey(t), true
	case int:
		return btreeidx.IntKey(int64(t)), true
	case float64:
		return btreeidx.FloatKey(t), true
	case string:
		return btreeidx.StringKey(t), true
	default:
		return btreeidx.Key{}, false
	}
}

// PlanNode is one node of the static plan tree built by Describe and
// printed by Render. Rows, when non-nil, is an observed row count that
// Render prints; Describe leaves it nil, and neither the engine nor the
// executor calls Describe or sets Rows.
type PlanNode struct {
	Operator      string
	Details       string
	EstimatedRows uint64
	Rows          *uint64
	Children      []*PlanNode
}

// Plan is the root of a single-part query's static plan.
type Plan struct {
	Root *PlanNode
}

// Describe builds a static plan tree for one SinglePartQuery. It mirrors
// the clause order: each clause contributes one node, MATCH contributing a
// subtree per pattern part describing the chosen start access method and
// the expansion hops that follow it.
func Describe(g *graph.Graph, part *query.SinglePartQuery) *Plan {
	var root, prev *PlanNode
	link := func(n *PlanNode) {
		if root == nil {
			root = n
		} else {
			prev.Children = []*PlanNode{n}
		}
		prev = n
	}
	for _, c := range part.Clauses {
		link(describeClause(g, c))
	}
	if root == nil {
		root = &PlanNode{Operator: "EmptyResult"}
	}
	return &Plan{Root: root}
}

func describeClause(g *graph.Graph, c query.Clause) *PlanNode {
	switch cl := c.(type) {
	case *query.MatchClause:
		n := &PlanNode{Operator: "Match"}
		if cl.Optional {
			n.Operator = "OptionalMatch"
		}
		for _, part := range cl.Patterns {
			n.Children = append(n.Children, describePatternPart(g, part))
		}
		if cl.Where != nil {
			n = &PlanNode{Operator: "Filter", Details: "WHERE", Children: []*PlanNode{n}}
		}
		return n
	case *query.UnwindClause:
		return &PlanNode{Operator: "Unwind"}
	case *query.CreateClause:
		return &PlanNode{Operator: "Create", Details: fmt.Sprintf("%d pattern(s)", len(cl.Patterns))}
	case *query.SetClause:
		return &PlanNode{Operator: "Set", Details: fmt.Sprintf("%d item(s)", len(cl.Items))}
	case *query.DeleteClause:
		op := "Delete"
		if cl.Detach {
			op = "DetachDelete"
		}
		return &PlanNode{Operator: op}
	case *query.RemoveClause:
		return &PlanNode{Operator: "Remove"}
	case *query.MergeClause:
		return &PlanNode{Operator: "Merge", Children: []*PlanNode{describePatternPart(g, cl.Pattern)}}
	case *query.ForeachClause:
		return &PlanNode{Operator: "Foreach"}
	case *query.CallClause:
		return &PlanNode{Operator: "ProcedureCall", Details: cl.Name}
	case *query.CallSubqueryClause:
		return &PlanNode{Operator: "CallSubquery"}
	case *query.ReturnClause:
		return describeProjection("Return", cl.ProjectionClause)
	case *query.WithClause:
		return describeProjection("With", cl.ProjectionClause)
	default:
		return &PlanNode{Operator: "Unknown"}
	}
}

func describeProjection(name string, pc query.ProjectionClause) *PlanNode {
	n := &PlanNode{Operator: name}
	var parts []string
	if pc.Distinct {
		parts = append(parts, "DISTINCT")
	}
	if len(pc.OrderBy) > 0 {
		parts = append(parts, "ORDER BY")
	}
	if pc.Skip != nil {
		parts = append(parts, "SKIP")
	}
	if pc.Limit != nil {
		parts = append(parts, "LIMIT")
	}
	n.Details = strings.Join(parts, ", ")
	return n
}

func describePatternPart(g *graph.Graph, part *query.PatternPart) *PlanNode {
	if len(part.Nodes) == 0 {
		return &PlanNode{Operator: "EmptyPattern"}
	}
	start := ChooseAccessMethod(g, part.Nodes[0])
	var root *PlanNode
	switch start.Method {
	case IndexSeek:
		root = &PlanNode{Operator: "IndexSeek", Details: fmt.Sprintf(":%s(%s)", start.Label, start.Property)}
	case LabelScan:
		root = &PlanNode{Operator: "LabelScan", Details: ":" + start.Label, EstimatedRows: cardinalityOf(g, start.Label)}
	default:
		root = &PlanNode{Operator: "AllNodesScan"}
	}
	for i := range part.Rels {
		dir := dirSymbol(part.Rels[i].Dir)
		root = &PlanNode{Operator: "Expand", Details: dir, Children: []*PlanNode{root}}
		_ = i
	}
	if part.ShortestPath {
		root = &PlanNode{Operator: "ShortestPath", Children: []*PlanNode{root}}
	} else if part.AllShortest {
		root = &PlanNode{Operator: "AllShortestPaths", Children: []*PlanNode{root}}
	}
	return root
}

func dirSymbol(d query.Direction) string {
	switch d {
	case query.DirOut:
		return "->"
	case query.DirIn:
		return "<-"
	default:
		return "-"
	}
}

// Render prints the plan tree the way EXPLAIN output is displayed: one
// indented line per operator, children below their parent.
func (p *Plan) Render() string {
	var b strings.Builder
	renderNode(&b, p.Root, 0)
	return b.String()
}

func renderNode(b *strings.Builder, n *PlanNode, depth int) {
	if n == nil {
		return
	}
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.Operator)
	if n.Details != "" {
		b.WriteString(" ")
		b.WriteString(n.Details)
	}
	if n.EstimatedRows > 0 {
		fmt.Fprintf(b, " (estimated rows=%d)", n.EstimatedRows)
	}
	if n.Rows != nil {
		fmt.Fprintf(b, " (rows=%d)", *n.Rows)
	}
	b.WriteByte('\n')
	for _, c := range n.Children {
		renderNode(b, c, depth+1)
	}
}
