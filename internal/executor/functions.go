package executor

import (
	"sort"
	"strconv"
	"strings"

	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/query"
	"github.com/nexus-db/nexus/internal/types"
)

// aggregateNames is the Cypher subset's supported aggregate function set
// (spec.md §4.7.3 "the usual aggregate functions").
var aggregateNames = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true, "collect": true,
}

func isAggregateName(name string) bool {
	return aggregateNames[strings.ToLower(name)]
}

// containsAggregate reports whether expr contains an aggregate function
// call anywhere in its tree, used by execProjection to tell a grouping
// RETURN/WITH apart from a plain row-wise one.
func containsAggregate(expr query.Expr) bool {
	switch e := expr.(type) {
	case nil:
		return false
	case *query.FunctionCall:
		if isAggregateName(e.Name) {
			return true
		}
		for _, a := range e.Args {
			if containsAggregate(a) {
				return true
			}
		}
		return false
	case *query.UnaryExpr:
		return containsAggregate(e.Operand)
	case *query.BinaryExpr:
		return containsAggregate(e.Left) || containsAggregate(e.Right)
	case *query.IsNullExpr:
		return containsAggregate(e.Operand)
	case *query.PropertyAccess:
		return containsAggregate(e.Target)
	case *query.ListExpr:
		for _, it := range e.Items {
			if containsAggregate(it) {
				return true
			}
		}
		return false
	case *query.MapExpr:
		for _, it := range e.Entries {
			if containsAggregate(it) {
				return true
			}
		}
		return false
	case *query.CaseExpr:
		if containsAggregate(e.Test) || containsAggregate(e.Else) {
			return true
		}
		for _, w := range e.Whens {
			if containsAggregate(w.Cond) || containsAggregate(w.Then) {
				return true
			}
		}
		return false
	case *query.IndexExpr:
		return containsAggregate(e.Target) || containsAggregate(e.Index) || containsAggregate(e.Lo) || containsAggregate(e.Hi)
	default:
		return false
	}
}

// evalGrouped evaluates expr over a whole group of rows produced by an
// aggregating RETURN/WITH: subtrees with no aggregate inside them are
// evaluated once against the group's representative row (valid per Cypher's
// rule that any non-aggregate item in an aggregating projection must itself
// be a grouping key, hence constant across the group); subtrees containing
// an aggregate call are folded over every row in the group.
func evalGrouped(ctx *ExecContext, groupRows []Row, expr query.Expr) (types.Value, error) {
	if !containsAggregate(expr) {
		return Eval(ctx, groupRows[0], expr)
	}
	switch e := expr.(type) {
	case *query.FunctionCall:
		if isAggregateName(e.Name) {
			return computeAggregate(ctx, groupRows, e)
		}
		args := make([]types.Value, len(e.Args))
		for i, a := range e.Args {
			v, err := evalGrouped(ctx, groupRows, a)
			if err != nil {
				return types.Null, err
			}
			args[i] = v
		}
		return scalarFunction(ctx, e.Name, args)
	case *query.UnaryExpr:
		v, err := evalGrouped(ctx, groupRows, e.Operand)
		if err != nil {
			return types.Null, err
		}
		if e.Op == "NOT" {
			return types.Not(v), nil
		}
		if v.IsNull() {
			return types.Null, nil
		}
		return types.Neg(v), nil
	case *query.BinaryExpr:
		l, err := evalGrouped(ctx, groupRows, e.Left)
		if err != nil {
			return types.Null, err
		}
		r, err := evalGrouped(ctx, groupRows, e.Right)
		if err != nil {
			return types.Null, err
		}
		return applyBinaryOp(e.Op, l, r)
	case *query.IsNullExpr:
		v, err := evalGrouped(ctx, groupRows, e.Operand)
		if err != nil {
			return types.Null, err
		}
		if e.Negate {
			return types.Bool(!v.IsNull()), nil
		}
		return types.Bool(v.IsNull()), nil
	default:
		return Eval(ctx, groupRows[0], expr)
	}
}

// applyBinaryOp applies a binary operator to two already evaluated
// operands, used by evalGrouped where both sides are already folded over a
// group and short-circuit evaluation no longer applies.
func applyBinaryOp(op string, l, r types.Value) (types.Value, error) {
	switch op {
	case "AND":
		return types.And(l, r), nil
	case "OR":
		return types.Or(l, r), nil
	case "XOR":
		lt, lok := l.Truthy()
		rt, rok := r.Truthy()
		if !lok || !rok {
			return types.Null, nil
		}
		return types.Bool(lt != rt), nil
	case "+":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		if l.Kind() == types.KindString || r.Kind() == types.KindString {
			return types.Str(l.String() + r.String()), nil
		}
		return types.Add(l, r), nil
	case "-":
		return types.Sub(l, r), nil
	case "*":
		return types.Mul(l, r), nil
	case "/":
		return types.Div(l, r), nil
	case "%":
		return types.Mod(l, r), nil
	case "=":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Bool(types.Equal(l, r)), nil
	case "<>":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Bool(!types.Equal(l, r)), nil
	case "<":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Bool(types.Compare(l, r) < 0), nil
	case "<=":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Bool(types.Compare(l, r) <= 0), nil
	case ">":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Bool(types.Compare(l, r) > 0), nil
	case ">=":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Bool(types.Compare(l, r) >= 0), nil
	}
	return types.Null, nexuserr.New(nexuserr.CodeSemanticError, "unsupported binary operator %q in aggregating projection", op)
}

func computeAggregate(ctx *ExecContext, groupRows []Row, fc *query.FunctionCall) (types.Value, error) {
	name := strings.ToLower(fc.Name)
	if name == "count" && len(fc.Args) == 0 {
		return types.Int(int64(len(groupRows))), nil
	}
	var arg query.Expr
	if len(fc.Args) > 0 {
		arg = fc.Args[0]
	}
	var vals []types.Value
	for _, row := range groupRows {
		v, err := Eval(ctx, row, arg)
		if err != nil {
			return types.Null, err
		}
		if v.IsNull() {
			continue
		}
		vals = append(vals, v)
	}
	if fc.Distinct {
		vals = dedupeValues(vals)
	}
	switch name {
	case "count":
		return types.Int(int64(len(vals))), nil
	case "collect":
		return types.List(vals), nil
	case "sum":
		isFloat := false
		var fsum float64
		var isum int64
		for _, v := range vals {
			if !v.IsNumeric() {
				continue
			}
			if v.Kind() == types.KindFloat64 {
				isFloat = true
			}
			fsum += v.Float()
			isum += v.AsInt()
		}
		if isFloat {
			return types.Float(fsum), nil
		}
		return types.Int(isum), nil
	case "avg":
		var sum float64
		var n int
		for _, v := range vals {
			if !v.IsNumeric() {
				continue
			}
			sum += v.Float()
			n++
		}
		if n == 0 {
			return types.Null, nil
		}
		return types.Float(sum / float64(n)), nil
	case "min":
		if len(vals) == 0 {
			return types.Null, nil
		}
		best := vals[0]
		for _, v := range vals[1:] {
			if types.Compare(v, best) < 0 {
				best = v
			}
		}
		return best, nil
	case "max":
		if len(vals) == 0 {
			return types.Null, nil
		}
		best := vals[0]
		for _, v := range vals[1:] {
			if types.Compare(v, best) > 0 {
				best = v
			}
		}
		return best, nil
	}
	return types.Null, nexuserr.New(nexuserr.CodeSemanticError, "unknown aggregate function %q", fc.Name)
}

func dedupeValues(vals []types.Value) []types.Value {
	var out []types.Value
	for _, v := range vals {
		dup := false
		for _, o := range out {
			if types.Equal(v, o) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

// evalFunctionCall evaluates a scalar (non-aggregate) function call in
// row-at-a-time context. Aggregate functions reaching here mean one was
// used outside an aggregating RETURN/WITH projection, which is a semantic
// error rather than something Eval can resolve row by row.
func evalFunctionCall(ctx *ExecContext, row Row, e *query.FunctionCall) (types.Value, error) {
	if isAggregateName(e.Name) {
		return types.Null, nexuserr.New(nexuserr.CodeSemanticError, "aggregate function %s used outside of a RETURN/WITH projection", e.Name)
	}
	args := make([]types.Value, len(e.Args))
	for i, a := range e.Args {
		v, err := Eval(ctx, row, a)
		if err != nil {
			return types.Null, err
		}
		args[i] = v
	}
	return scalarFunction(ctx, e.Name, args)
}

func arg(args []types.Value, i int) types.Value {
	if i < len(args) {
		return args[i]
	}
	return types.Null
}

// scalarFunction implements the Cypher subset's built-in scalar function
// library (spec.md §4.7.3's "common scalar/list/string functions").
func scalarFunction(ctx *ExecContext, name string, args []types.Value) (types.Value, error) {
	switch strings.ToLower(name) {
	case "tointeger":
		return types.ToInteger(arg(args, 0)), nil
	case "tofloat":
		return types.ToFloat(arg(args, 0)), nil
	case "tostring":
		return types.ToStringValue(arg(args, 0)), nil
	case "toboolean":
		return types.ToBoolean(arg(args, 0)), nil
	case "coalesce":
		for _, a := range args {
			if !a.IsNull() {
				return a, nil
			}
		}
		return types.Null, nil
	case "id":
		v := arg(args, 0)
		switch v.Kind() {
		case types.KindNode:
			return types.Int(int64(v.AsNode().ID)), nil
		case types.KindRel:
			return types.Int(int64(v.AsRel().ID)), nil
		}
		return types.Null, nil
	case "labels":
		v := arg(args, 0)
		if v.Kind() != types.KindNode {
			return types.Null, nil
		}
		out := make([]types.Value, len(v.AsNode().Labels))
		for i, l := range v.AsNode().Labels {
			out[i] = types.Str(l)
		}
		return types.List(out), nil
	case "type":
		v := arg(args, 0)
		if v.Kind() != types.KindRel {
			return types.Null, nil
		}
		return types.Str(v.AsRel().Type), nil
	case "properties":
		v := arg(args, 0)
		switch v.Kind() {
		case types.KindNode:
			return types.Map(v.AsNode().Props), nil
		case types.KindRel:
			return types.Map(v.AsRel().Props), nil
		case types.KindMap:
			return v, nil
		}
		return types.Null, nil
	case "keys":
		v := arg(args, 0)
		var m map[string]types.Value
		switch v.Kind() {
		case types.KindNode:
			m = v.AsNode().Props
		case types.KindRel:
			m = v.AsRel().Props
		case types.KindMap:
			m = v.AsMap()
		default:
			return types.Null, nil
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]types.Value, len(keys))
		for i, k := range keys {
			out[i] = types.Str(k)
		}
		return types.List(out), nil
	case "length", "size":
		v := arg(args, 0)
		switch v.Kind() {
		case types.KindPath:
			return types.Int(int64(v.AsPath().Length())), nil
		case types.KindList:
			return types.Int(int64(len(v.AsList()))), nil
		case types.KindString:
			return types.Int(int64(len(v.AsString()))), nil
		}
		return types.Null, nil
	case "head":
		items := arg(args, 0).AsList()
		if len(items) == 0 {
			return types.Null, nil
		}
		return items[0], nil
	case "last":
		items := arg(args, 0).AsList()
		if len(items) == 0 {
			return types.Null, nil
		}
		return items[len(items)-1], nil
	case "tail":
		items := arg(args, 0).AsList()
		if len(items) <= 1 {
			return types.List(nil), nil
		}
		return types.List(append([]types.Value{}, items[1:]...)), nil
	case "reverse":
		v := arg(args, 0)
		if v.Kind() == types.KindString {
			r := []rune(v.AsString())
			for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
				r[i], r[j] = r[j], r[i]
			}
			return types.Str(string(r)), nil
		}
		items := v.AsList()
		out := make([]types.Value, len(items))
		for i, it := range items {
			out[len(items)-1-i] = it
		}
		return types.List(out), nil
	case "range":
		lo := arg(args, 0).AsInt()
		hi := arg(args, 1).AsInt()
		step := int64(1)
		if len(args) > 2 {
			step = arg(args, 2).AsInt()
		}
		if step == 0 {
			return types.Null, nexuserr.New(nexuserr.CodeSemanticError, "range() step must not be 0")
		}
		var out []types.Value
		if step > 0 {
			for i := lo; i <= hi; i += step {
				out = append(out, types.Int(i))
			}
		} else {
			for i := lo; i >= hi; i += step {
				out = append(out, types.Int(i))
			}
		}
		return types.List(out), nil
	case "abs":
		v := arg(args, 0)
		if v.Kind() == types.KindInt64 {
			n := v.AsInt()
			if n < 0 {
				n = -n
			}
			return types.Int(n), nil
		}
		f := v.Float()
		if f < 0 {
			f = -f
		}
		return types.Float(f), nil
	case "sign":
		v := arg(args, 0)
		f := v.Float()
		switch {
		case f > 0:
			return types.Int(1), nil
		case f < 0:
			return types.Int(-1), nil
		default:
			return types.Int(0), nil
		}
	case "touppercase", "toupper":
		return types.Str(strings.ToUpper(arg(args, 0).AsString())), nil
	case "tolowercase", "tolower":
		return types.Str(strings.ToLower(arg(args, 0).AsString())), nil
	case "trim":
		return types.Str(strings.TrimSpace(arg(args, 0).AsString())), nil
	case "ltrim":
		return types.Str(strings.TrimLeft(arg(args, 0).AsString(), " \t\n\r")), nil
	case "rtrim":
		return types.Str(strings.TrimRight(arg(args, 0).AsString(), " \t\n\r")), nil
	case "replace":
		return types.Str(strings.ReplaceAll(arg(args, 0).AsString(), arg(args, 1).AsString(), arg(args, 2).AsString())), nil
	case "split":
		parts := strings.Split(arg(args, 0).AsString(), arg(args, 1).AsString())
		out := make([]types.Value, len(parts))
		for i, p := range parts {
			out[i] = types.Str(p)
		}
		return types.List(out), nil
	case "substring":
		s := []rune(arg(args, 0).AsString())
		start := int(arg(args, 1).AsInt())
		if start < 0 {
			start = 0
		}
		if start > len(s) {
			start = len(s)
		}
		end := len(s)
		if len(args) > 2 {
			end = start + int(arg(args, 2).AsInt())
			if end > len(s) {
				end = len(s)
			}
		}
		if end < start {
			end = start
		}
		return types.Str(string(s[start:end])), nil
	case "left":
		s := []rune(arg(args, 0).AsString())
		n := int(arg(args, 1).AsInt())
		if n > len(s) {
			n = len(s)
		}
		if n < 0 {
			n = 0
		}
		return types.Str(string(s[:n])), nil
	case "right":
		s := []rune(arg(args, 0).AsString())
		n := int(arg(args, 1).AsInt())
		if n > len(s) {
			n = len(s)
		}
		if n < 0 {
			n = 0
		}
		return types.Str(string(s[len(s)-n:])), nil
	case "strtonum":
		if f, err := strconv.ParseFloat(arg(args, 0).AsString(), 64); err == nil {
			return types.Float(f), nil
		}
		return types.Null, nil
	}
	return types.Null, nexuserr.New(nexuserr.CodeSemanticError, "unknown function %q", name)
}
