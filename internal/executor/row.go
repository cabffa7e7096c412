// Package executor evaluates a planned query against internal/graph: it
// walks the physical operator tree the planner produces (spec.md §4.7.3),
// binding pattern variables into rows and evaluating internal/query's
// expression AST against them.
package executor

import (
	"time"

	"github.com/nexus-db/nexus/internal/graph"
	"github.com/nexus-db/nexus/internal/txn"
	"github.com/nexus-db/nexus/internal/types"
)

// Row is one binding environment: variable name to bound value. Path and
// pattern variables are bound the same way as node/relationship variables,
// since internal/types.Value can carry any of them.
type Row map[string]types.Value

// Clone returns a shallow copy, used whenever an operator must branch a row
// into more than one downstream row (UNWIND, variable-length expansion).
func (r Row) Clone() Row {
	out := make(Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Procedure is a registered CALL target. It receives the bound argument
// values and returns one output row per result plus the names of the
// columns it yields, in order. Implemented by internal/procedures;
// referenced here as an interface to avoid an import cycle.
type Procedure func(ctx *ExecContext, args []types.Value) (rows []Row, yields []string, err error)

// ExecContext threads everything an operator or the expression evaluator
// needs to resolve a row: the materialized graph, the transaction (nil for
// read-only queries), the snapshot reads are visible against, bound query
// parameters, and the procedure registry CALL resolves against.
type ExecContext struct {
	Graph  *graph.Graph
	Snap   txn.Snapshot
	Tx     *txn.Tx
	Params map[string]types.Value
	Procs  map[string]Procedure
	Now    time.Time
}

// Operator is one node of the physical plan. Rows fully materializes this
// operator's output given its already-materialized input — a deliberate
// simplification over a pull-based iterator model, traded for the much
// simpler cycle-avoidance and rollback bookkeeping a tree-walking evaluator
// gives write operators (spec.md §4.7.3's operator set still maps one to
// one onto these types; only the execution strategy between them differs).
type Operator interface {
	Rows(ctx *ExecContext) ([]Row, error)
}
