package executor

import (
	"math"
	"regexp"
	"sort"

	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/query"
	"github.com/nexus-db/nexus/internal/types"
)

// Eval evaluates expr against row under ctx, producing the dynamic value
// the rest of the pipeline consumes. It implements Cypher's three-valued
// logic: any operand that is NULL propagates NULL rather than erroring,
// except where the operator itself is defined over NULL (IS NULL, the
// coalesce builtin).
func Eval(ctx *ExecContext, row Row, expr query.Expr) (types.Value, error) {
	switch e := expr.(type) {
	case *query.Literal:
		return literalValue(e.Value), nil

	case *query.ParamRef:
		if v, ok := ctx.Params[e.Name]; ok {
			return v, nil
		}
		return types.Null, nexuserr.New(nexuserr.CodeParameterError, "unbound parameter $%s", e.Name)

	case *query.VarRef:
		if v, ok := row[e.Name]; ok {
			return v, nil
		}
		return types.Null, nil

	case *query.PropertyAccess:
		target, err := Eval(ctx, row, e.Target)
		if err != nil {
			return types.Null, err
		}
		return propertyOf(target, e.Property), nil

	case *query.ListExpr:
		items := make([]types.Value, len(e.Items))
		for i, it := range e.Items {
			v, err := Eval(ctx, row, it)
			if err != nil {
				return types.Null, err
			}
			items[i] = v
		}
		return types.List(items), nil

	case *query.MapExpr:
		m := make(map[string]types.Value, len(e.Entries))
		for k, ve := range e.Entries {
			v, err := Eval(ctx, row, ve)
			if err != nil {
				return types.Null, err
			}
			m[k] = v
		}
		return types.Map(m), nil

	case *query.MapProjection:
		return evalMapProjection(ctx, row, e)

	case *query.UnaryExpr:
		v, err := Eval(ctx, row, e.Operand)
		if err != nil {
			return types.Null, err
		}
		switch e.Op {
		case "-":
			if v.IsNull() {
				return types.Null, nil
			}
			return types.Neg(v), nil
		case "NOT":
			return types.Not(v), nil
		}
		return types.Null, nexuserr.New(nexuserr.CodeSemanticError, "unknown unary operator %q", e.Op)

	case *query.BinaryExpr:
		return evalBinary(ctx, row, e)

	case *query.IsNullExpr:
		v, err := Eval(ctx, row, e.Operand)
		if err != nil {
			return types.Null, err
		}
		isNull := v.IsNull()
		if e.Negate {
			return types.Bool(!isNull), nil
		}
		return types.Bool(isNull), nil

	case *query.FunctionCall:
		return evalFunctionCall(ctx, row, e)

	case *query.CaseExpr:
		return evalCase(ctx, row, e)

	case *query.ListComprehension:
		return evalListComprehension(ctx, row, e)

	case *query.PatternComprehension:
		return evalPatternComprehension(ctx, row, e)

	case *query.ExistsExpr:
		ok, err := matchExists(ctx, row, e.Pattern, e.Where)
		if err != nil {
			return types.Null, err
		}
		return types.Bool(ok), nil

	case *query.IndexExpr:
		return evalIndex(ctx, row, e)
	}
	return types.Null, nexuserr.New(nexuserr.CodeSemanticError, "unsupported expression %T", expr)
}

func literalValue(raw interface{}) types.Value {
	switch v := raw.(type) {
	case nil:
		return types.Null
	case bool:
		return types.Bool(v)
	case int64:
		return types.Int(v)
	case int:
		return types.Int(int64(v))
	case float64:
		return types.Float(v)
	case string:
		return types.Str(v)
	}
	return types.Null
}

func propertyOf(target types.Value, key string) types.Value {
	switch target.Kind() {
	case types.KindNode:
		if v, ok := target.AsNode().Props[key]; ok {
			return v
		}
	case types.KindRel:
		if v, ok := target.AsRel().Props[key]; ok {
			return v
		}
	case types.KindMap:
		if v, ok := target.AsMap()[key]; ok {
			return v
		}
	}
	return types.Null
}

func evalBinary(ctx *ExecContext, row Row, e *query.BinaryExpr) (types.Value, error) {
	// Short-circuit boolean operators evaluate the right side lazily so
	// `false AND <expr that errors on missing binding>` never trips.
	switch e.Op {
	case "AND":
		l, err := Eval(ctx, row, e.Left)
		if err != nil {
			return types.Null, err
		}
		if t, ok := l.Truthy(); ok && !t {
			return types.Bool(false), nil
		}
		r, err := Eval(ctx, row, e.Right)
		if err != nil {
			return types.Null, err
		}
		return types.And(l, r), nil
	case "OR":
		l, err := Eval(ctx, row, e.Left)
		if err != nil {
			return types.Null, err
		}
		if t, ok := l.Truthy(); ok && t {
			return types.Bool(true), nil
		}
		r, err := Eval(ctx, row, e.Right)
		if err != nil {
			return types.Null, err
		}
		return types.Or(l, r), nil
	case "XOR":
		l, err := Eval(ctx, row, e.Left)
		if err != nil {
			return types.Null, err
		}
		r, err := Eval(ctx, row, e.Right)
		if err != nil {
			return types.Null, err
		}
		lt, lok := l.Truthy()
		rt, rok := r.Truthy()
		if !lok || !rok {
			return types.Null, nil
		}
		return types.Bool(lt != rt), nil
	}

	l, err := Eval(ctx, row, e.Left)
	if err != nil {
		return types.Null, err
	}
	r, err := Eval(ctx, row, e.Right)
	if err != nil {
		return types.Null, err
	}

	switch e.Op {
	case "+":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		if l.Kind() == types.KindString || r.Kind() == types.KindString {
			return types.Str(l.String() + r.String()), nil
		}
		if l.Kind() == types.KindList || r.Kind() == types.KindList {
			return types.List(append(append([]types.Value{}, l.AsList()...), r.AsList()...)), nil
		}
		return types.Add(l, r), nil
	case "-":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Sub(l, r), nil
	case "*":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Mul(l, r), nil
	case "/":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Div(l, r), nil
	case "%":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Mod(l, r), nil
	case "^":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Float(math.Pow(l.Float(), r.Float())), nil
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
	case "STARTS WITH":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.StartsWith(l, r), nil
	case "ENDS WITH":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.EndsWith(l, r), nil
	case "CONTAINS":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		return types.Contains(l, r), nil
	case "=~":
		if l.IsNull() || r.IsNull() {
			return types.Null, nil
		}
		re, err := regexp.Compile(r.AsString())
		if err != nil {
			return types.Null, nexuserr.Wrap(nexuserr.CodeSemanticError, err, "invalid regex %q", r.AsString())
		}
		return types.Bool(re.MatchString(l.AsString())), nil
	case "IN":
		if r.IsNull() {
			return types.Null, nil
		}
		for _, item := range r.AsList() {
			if types.Equal(l, item) {
				return types.Bool(true), nil
			}
		}
		return types.Bool(false), nil
	}
	return types.Null, nexuserr.New(nexuserr.CodeSemanticError, "unknown binary operator %q", e.Op)
}

func evalCase(ctx *ExecContext, row Row, e *query.CaseExpr) (types.Value, error) {
	var testVal types.Value
	if e.Test != nil {
		v, err := Eval(ctx, row, e.Test)
		if err != nil {
			return types.Null, err
		}
		testVal = v
	}
	for _, when := range e.Whens {
		condVal, err := Eval(ctx, row, when.Cond)
		if err != nil {
			return types.Null, err
		}
		var matched bool
		if e.Test != nil {
			matched = !condVal.IsNull() && types.Equal(testVal, condVal)
		} else {
			t, ok := condVal.Truthy()
			matched = ok && t
		}
		if matched {
			return Eval(ctx, row, when.Then)
		}
	}
	if e.Else != nil {
		return Eval(ctx, row, e.Else)
	}
	return types.Null, nil
}

func evalListComprehension(ctx *ExecContext, row Row, e *query.ListComprehension) (types.Value, error) {
	listVal, err := Eval(ctx, row, e.List)
	if err != nil {
		return types.Null, err
	}
	var out []types.Value
	for _, item := range listVal.AsList() {
		sub := row.Clone()
		sub[e.Variable] = item
		if e.Where != nil {
			wv, err := Eval(ctx, sub, e.Where)
			if err != nil {
				return types.Null, err
			}
			if t, ok := wv.Truthy(); !ok || !t {
				continue
			}
		}
		if e.Project != nil {
			pv, err := Eval(ctx, sub, e.Project)
			if err != nil {
				return types.Null, err
			}
			out = append(out, pv)
		} else {
			out = append(out, item)
		}
	}
	return types.List(out), nil
}

func evalPatternComprehension(ctx *ExecContext, row Row, e *query.PatternComprehension) (types.Value, error) {
	matches, err := matchPattern(ctx, row, e.Pattern)
	if err != nil {
		return types.Null, err
	}
	var out []types.Value
	for _, m := range matches {
		if e.Where != nil {
			wv, err := Eval(ctx, m, e.Where)
			if err != nil {
				return types.Null, err
			}
			if t, ok := wv.Truthy(); !ok || !t {
				continue
			}
		}
		pv, err := Eval(ctx, m, e.Project)
		if err != nil {
			return types.Null, err
		}
		out = append(out, pv)
	}
	return types.List(out), nil
}

func evalIndex(ctx *ExecContext, row Row, e *query.IndexExpr) (types.Value, error) {
	target, err := Eval(ctx, row, e.Target)
	if err != nil {
		return types.Null, err
	}
	if target.IsNull() {
		return types.Null, nil
	}
	if e.IsSlice {
		items := target.AsList()
		lo, hi := 0, len(items)
		if e.Lo != nil {
			lv, err := Eval(ctx, row, e.Lo)
			if err != nil {
				return types.Null, err
			}
			lo = clampIndex(int(lv.AsInt()), len(items))
		}
		if e.Hi != nil {
			hv, err := Eval(ctx, row, e.Hi)
			if err != nil {
				return types.Null, err
			}
			hi = clampIndex(int(hv.AsInt()), len(items))
		}
		if lo > hi {
			return types.List(nil), nil
		}
		return types.List(append([]types.Value{}, items[lo:hi]...)), nil
	}
	iv, err := Eval(ctx, row, e.Index)
	if err != nil {
		return types.Null, err
	}
	idx := int(iv.AsInt())
	switch target.Kind() {
	case types.KindList:
		items := target.AsList()
		if idx < 0 {
			idx += len(items)
		}
		if idx < 0 || idx >= len(items) {
			return types.Null, nil
		}
		return items[idx], nil
	case types.KindMap:
		return propertyOf(target, iv.AsString()), nil
	}
	return types.Null, nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func evalMapProjection(ctx *ExecContext, row Row, e *query.MapProjection) (types.Value, error) {
	target, err := Eval(ctx, row, e.Target)
	if err != nil {
		return types.Null, err
	}
	out := make(map[string]types.Value)
	for _, item := range e.Items {
		if item.AllProps {
			switch target.Kind() {
			case types.KindNode:
				for k, v := range target.AsNode().Props {
					out[k] = v
				}
			case types.KindRel:
				for k, v := range target.AsRel().Props {
					out[k] = v
				}
			case types.KindMap:
				for k, v := range target.AsMap() {
					out[k] = v
				}
			}
			continue
		}
		if item.Value == nil {
			out[item.Key] = propertyOf(target, item.Key)
			continue
		}
		v, err := Eval(ctx, row, item.Value)
		if err != nil {
			return types.Null, err
		}
		out[item.Key] = v
	}
	return types.Map(out), nil
}

// orderRows sorts rows in place by the given ORDER BY items, each evaluated
// fresh per row (so ORDER BY can reference aggregate or projected aliases
// already bound into the row by the preceding WITH/RETURN).
func orderRows(ctx *ExecContext, rows []Row, items []query.OrderItem) error {
	type keyed struct {
		row  Row
		keys []types.Value
	}
	ks := make([]keyed, len(rows))
	for i, r := range rows {
		keys := make([]types.Value, len(items))
		for j, it := range items {
			v, err := Eval(ctx, r, it.Expr)
			if err != nil {
				return err
			}
			keys[j] = v
		}
		ks[i] = keyed{row: r, keys: keys}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		for k, it := range items {
			c := types.Compare(ks[i].keys[k], ks[j].keys[k])
			if c == 0 {
				continue
			}
			if it.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	for i := range rows {
		rows[i] = ks[i].row
	}
	return nil
}
