// Package types implements Nexus's dynamic value system (spec.md §9): a
// tagged sum of Null | Bool | Int64 | Float64 | String | List | Map | Node |
// Rel | Path | Point | Temporal | Blob, plus the structural equality,
// NaN-safe ordering, and three-valued boolean logic the Cypher execution
// core (internal/query, internal/executor) evaluates expressions over.
package types

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Kind tags the active field of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindList
	KindMap
	KindNode
	KindRel
	KindPath
	KindPoint
	KindTemporal
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "integer"
	case KindFloat64:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindNode:
		return "node"
	case KindRel:
		return "relationship"
	case KindPath:
		return "path"
	case KindPoint:
		return "point"
	case KindTemporal:
		return "temporal"
	case KindBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Node is the read-oriented projection of a stored node surfaced to query
// results: identity, labels, and resolved properties (§6.3 "Node/relationship
// rendering includes an identity plus labels/type and properties").
type Node struct {
	ID     uint64
	Labels []string
	Props  map[string]Value
}

// Rel is the equivalent projection for a relationship.
type Rel struct {
	ID    uint64
	Type  string
	Start uint64
	End   uint64
	Props map[string]Value
}

// Path is an alternating sequence of nodes and relationships produced by
// Expand/variable-length traversal and the shortestPath family.
type Path struct {
	Nodes []Node
	Rels  []Rel
}

// Length returns the number of relationships in the path, i.e. Cypher's
// length(p).
func (p Path) Length() int { return len(p.Rels) }

// Point is a 2D or 3D spatial value (spatial.* procedures, §4.8).
type Point struct {
	X, Y, Z float64
	Is3D    bool
	SRID    int
}

// TemporalKind distinguishes the Cypher temporal literal forms.
type TemporalKind uint8

const (
	TemporalDate TemporalKind = iota
	TemporalTime
	TemporalDateTime
	TemporalDuration
)

// Temporal wraps a time.Time (or, for Duration, a time.Duration held in
// D) tagged with which temporal literal form it represents.
type Temporal struct {
	Kind TemporalKind
	T    time.Time
	D    time.Duration
}

// Value is the tagged-union runtime representation of every Cypher
// expression result and stored property value.
type Value struct {
	kind Kind

	b float64 // unused: Bool is stored in i as 0/1, Int64 in i and Float64 in f
	i int64
	f float64
	s string

	list []Value
	m    map[string]Value

	node     *Node
	rel      *Rel
	path     *Path
	point    *Point
	temporal *Temporal
	blob     []byte
}

// Null is the zero Value and the result of any undefined expression
// (missing property, out-of-range index, …).
var Null = Value{kind: KindNull}

func Bool(v bool) Value {
	i := int64(0)
	if v {
		i = 1
	}
	return Value{kind: KindBool, i: i}
}

func Int(v int64) Value     { return Value{kind: KindInt64, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat64, f: v} }
func Str(v string) Value    { return Value{kind: KindString, s: v} }
func List(v []Value) Value  { return Value{kind: KindList, list: v} }
func Map(v map[string]Value) Value {
	return Value{kind: KindMap, m: v}
}
func NodeVal(n Node) Value         { return Value{kind: KindNode, node: &n} }
func RelVal(r Rel) Value           { return Value{kind: KindRel, rel: &r} }
func PathVal(p Path) Value         { return Value{kind: KindPath, path: &p} }
func PointVal(p Point) Value       { return Value{kind: KindPoint, point: &p} }
func TemporalVal(t Temporal) Value { return Value{kind: KindTemporal, temporal: &t} }
func BlobVal(b []byte) Value       { return Value{kind: KindBlob, blob: b} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() bool          { return v.i != 0 }
func (v Value) AsInt() int64          { return v.i }
func (v Value) AsFloat() float64      { return v.f }
func (v Value) AsString() string      { return v.s }
func (v Value) AsList() []Value       { return v.list }
func (v Value) AsMap() map[string]Value { return v.m }
func (v Value) AsNode() *Node         { return v.node }
func (v Value) AsRel() *Rel           { return v.rel }
func (v Value) AsPath() *Path         { return v.path }
func (v Value) AsPoint() *Point       { return v.point }
func (v Value) AsTemporal() *Temporal { return v.temporal }
func (v Value) AsBlob() []byte        { return v.blob }

// IsNumeric reports whether v is Int64 or Float64.
func (v Value) IsNumeric() bool { return v.kind == KindInt64 || v.kind == KindFloat64 }

// Float widens an Int64 or Float64 value to float64; for any other kind it
// returns the unused float field (0), so callers check IsNumeric first.
func (v Value) Float() float64 {
	if v.kind == KindInt64 {
		return float64(v.i)
	}
	return v.f
}

// Truthy implements Cypher's three-valued boolean logic: returns
// (value, true) for Bool, or (false, false) when v is not a definite
// boolean (null, or a type error that the caller should itself turn into
// null per spec.md §4.7.3's "boolean logic follows three-valued logic").
func (v Value) Truthy() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.i != 0, true
}

// And implements three-valued AND: null acts as "unknown" and only
// short-circuits to a definite result when the other operand is a
// definite false.
func And(a, b Value) Value {
	av, aok := a.Truthy()
	bv, bok := b.Truthy()
	switch {
	case aok && bok:
		return Bool(av && bv)
	case aok && !av:
		return Bool(false)
	case bok && !bv:
		return Bool(false)
	default:
		return Null
	}
}

// Or implements three-valued OR.
func Or(a, b Value) Value {
	av, aok := a.Truthy()
	bv, bok := b.Truthy()
	switch {
	case aok && bok:
		return Bool(av || bv)
	case aok && av:
		return Bool(true)
	case bok && bv:
		return Bool(true)
	default:
		return Null
	}
}

// Not implements three-valued NOT: NOT null = null.
func Not(a Value) Value {
	v, ok := a.Truthy()
	if !ok {
		return Null
	}
	return Bool(!v)
}

// Equal implements Cypher structural equality (spec.md §4.7.3 "equality is
// structural") with the NaN-safe rule: NaN is never equal to anything,
// including itself. Comparing across incompatible kinds returns false,
// except Int64/Float64 which compare numerically. null = null is itself a
// three-valued-logic null at the Cypher level; this function answers the
// lower-level structural-equality question used by DISTINCT/aggregation
// hashing and ORDER BY, where null must compare equal to null to dedupe
// correctly (the executor's '=' and '<>' operators in internal/executor
// return null for a null operand before calling Equal).
func Equal(a, b Value) bool {
	if a.kind == KindInt64 && b.kind == KindFloat64 {
		return !math.IsNaN(b.f) && float64(a.i) == b.f
	}
	if a.kind == KindFloat64 && b.kind == KindInt64 {
		return !math.IsNaN(a.f) && a.f == float64(b.i)
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool, KindInt64:
		return a.i == b.i
	case KindFloat64:
		if math.IsNaN(a.f) || math.IsNaN(b.f) {
			return false
		}
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBlob:
		return string(a.blob) == string(b.blob)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindNode:
		return a.node.ID == b.node.ID
	case KindRel:
		return a.rel.ID == b.rel.ID
	case KindPoint:
		return a.point.X == b.point.X && a.point.Y == b.point.Y && a.point.Z == b.point.Z && a.point.Is3D == b.point.Is3D
	case KindTemporal:
		return a.temporal.Kind == b.temporal.Kind && a.temporal.T.Equal(b.temporal.T) && a.temporal.D == b.temporal.D
	case KindPath:
		if len(a.path.Nodes) != len(b.path.Nodes) || len(a.path.Rels) != len(b.path.Rels) {
			return false
		}
		for i := range a.path.Rels {
			if a.path.Rels[i].ID != b.path.Rels[i].ID {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// kindRank fixes a total order across kinds for ORDER BY / comparisons
// between incomparable types, matching the common openCypher convention:
// maps < nodes < rels < paths < lists < strings < booleans < numbers < null
// is inverted here for our purposes — we only need a STABLE total order,
// not Cypher's exact cross-type ranking, since spec.md does not name one;
// the one invariant we must honor is "NaN is greatest" and "null sorts
// last" (both named in spec.md §4.7.3 and §9's ORDER BY note).
func kindRank(k Kind) int {
	switch k {
	case KindBool:
		return 0
	case KindInt64, KindFloat64:
		return 1
	case KindString:
		return 2
	case KindList:
		return 3
	case KindMap:
		return 4
	case KindNode:
		return 5
	case KindRel:
		return 6
	case KindPath:
		return 7
	case KindPoint:
		return 8
	case KindTemporal:
		return 9
	case KindBlob:
		return 10
	case KindNull:
		return 11
	default:
		return 12
	}
}

// Compare implements the ORDER BY ordering: numbers widen for comparison,
// NaN sorts as the greatest float value, null sorts last, and otherwise
// incomparable kinds fall back to a stable kind rank so OrderBy never
// panics on a mixed-type column.
func Compare(a, b Value) int {
	if a.kind == KindNull && b.kind == KindNull {
		return 0
	}
	if a.kind == KindNull {
		return 1
	}
	if b.kind == KindNull {
		return -1
	}
	if a.IsNumeric() && b.IsNumeric() {
		af, bf := a.Float(), b.Float()
		aNaN, bNaN := math.IsNaN(af), math.IsNaN(bf)
		switch {
		case aNaN && bNaN:
			return 0
		case aNaN:
			return 1
		case bNaN:
			return -1
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	if a.kind != b.kind {
		return kindRank(a.kind) - kindRank(b.kind)
	}
	switch a.kind {
	case KindBool:
		if a.i == b.i {
			return 0
		}
		if a.i < b.i {
			return -1
		}
		return 1
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindList:
		n := len(a.list)
		if len(b.list) < n {
			n = len(b.list)
		}
		for i := 0; i < n; i++ {
			if c := Compare(a.list[i], b.list[i]); c != 0 {
				return c
			}
		}
		return len(a.list) - len(b.list)
	case KindTemporal:
		if a.temporal.T.Before(b.temporal.T) {
			return -1
		}
		if a.temporal.T.After(b.temporal.T) {
			return 1
		}
		return 0
	case KindNode:
		if a.node.ID == b.node.ID {
			return 0
		}
		if a.node.ID < b.node.ID {
			return -1
		}
		return 1
	case KindRel:
		if a.rel.ID == b.rel.ID {
			return 0
		}
		if a.rel.ID < b.rel.ID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// SortValues stably sorts a slice of Values per Compare, ascending, or
// descending when desc is set.
func SortValues(vs []Value, desc bool) {
	sort.SliceStable(vs, func(i, j int) bool {
		c := Compare(vs[i], vs[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// Arithmetic. Any operand null makes the result null (spec.md §4.7.3:
// "any arithmetic or comparison with null -> null"). Int+Int stays Int;
// any Float operand widens the result to Float ("implicit int<->float
// widening only in arithmetic").
func arith(a, b Value, iop func(x, y int64) int64, fop func(x, y float64) float64) Value {
	if a.IsNull() || b.IsNull() {
		return Null
	}
	if !a.IsNumeric() || !b.IsNumeric() {
		return Null
	}
	if a.kind == KindInt64 && b.kind == KindInt64 {
		return Int(iop(a.i, b.i))
	}
	return Float(fop(a.Float(), b.Float()))
}

func Add(a, b Value) Value {
	if a.kind == KindString && b.kind == KindString {
		return Str(a.s + b.s)
	}
	if a.kind == KindList || b.kind == KindList {
		if a.IsNull() || b.IsNull() {
			return Null
		}
		out := append([]Value{}, a.list...)
		if a.kind != KindList {
			out = append([]Value{a}, b.list...)
			return List(out)
		}
		if b.kind == KindList {
			return List(append(out, b.list...))
		}
		return List(append(out, b))
	}
	return arith(a, b, func(x, y int64) int64 { return x + y }, func(x, y float64) float64 { return x + y })
}

func Sub(a, b Value) Value {
	return arith(a, b, func(x, y int64) int64 { return x - y }, func(x, y float64) float64 { return x - y })
}

func Mul(a, b Value) Value {
	return arith(a, b, func(x, y int64) int64 { return x * y }, func(x, y float64) float64 { return x * y })
}

func Div(a, b Value) Value {
	if a.IsNull() || b.IsNull() || !a.IsNumeric() || !b.IsNumeric() {
		return Null
	}
	if a.kind == KindInt64 && b.kind == KindInt64 {
		if b.i == 0 {
			return Null
		}
		return Int(a.i / b.i)
	}
	return Float(a.Float() / b.Float())
}

func Mod(a, b Value) Value {
	if a.IsNull() || b.IsNull() || !a.IsNumeric() || !b.IsNumeric() {
		return Null
	}
	if a.kind == KindInt64 && b.kind == KindInt64 {
		if b.i == 0 {
			return Null
		}
		return Int(a.i % b.i)
	}
	return Float(math.Mod(a.Float(), b.Float()))
}

func Neg(a Value) Value {
	switch a.kind {
	case KindInt64:
		return Int(-a.i)
	case KindFloat64:
		return Float(-a.f)
	default:
		return Null
	}
}

// String operators: null input propagates to null (§4.7.3).
func StartsWith(a, b Value) Value {
	if a.kind != KindString || b.kind != KindString {
		return Null
	}
	return Bool(strings.HasPrefix(a.s, b.s))
}

func EndsWith(a, b Value) Value {
	if a.kind != KindString || b.kind != KindString {
		return Null
	}
	return Bool(strings.HasSuffix(a.s, b.s))
}

func Contains(a, b Value) Value {
	if a.kind != KindString || b.kind != KindString {
		return Null
	}
	return Bool(strings.Contains(a.s, b.s))
}

// Coercions (toInteger/toFloat/toString/toBoolean, §4.7.3).
func ToInteger(v Value) Value {
	switch v.kind {
	case KindInt64:
		return v
	case KindFloat64:
		return Int(int64(v.f))
	case KindString:
		var n int64
		if _, err := fmt.Sscanf(strings.TrimSpace(v.s), "%d", &n); err != nil {
			return Null
		}
		return Int(n)
	case KindBool:
		return Int(v.i)
	default:
		return Null
	}
}

func ToFloat(v Value) Value {
	switch v.kind {
	case KindFloat64:
		return v
	case KindInt64:
		return Float(float64(v.i))
	case KindString:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v.s), "%g", &f); err != nil {
			return Null
		}
		return Float(f)
	default:
		return Null
	}
}

func ToStringValue(v Value) Value {
	switch v.kind {
	case KindString:
		return v
	case KindInt64:
		return Str(fmt.Sprintf("%d", v.i))
	case KindFloat64:
		return Str(fmt.Sprintf("%g", v.f))
	case KindBool:
		return Str(fmt.Sprintf("%t", v.i != 0))
	case KindNull:
		return Null
	default:
		return Null
	}
}

func ToBoolean(v Value) Value {
	switch v.kind {
	case KindBool:
		return v
	case KindString:
		switch strings.ToLower(v.s) {
		case "true":
			return Bool(true)
		case "false":
			return Bool(false)
		default:
			return Null
		}
	default:
		return Null
	}
}

// String renders a Value for logging/debugging (not the Cypher toString
// coercion — see ToStringValue for that).
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.i != 0)
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		parts := make([]string, 0, len(v.m))
		for k, e := range v.m {
			parts = append(parts, fmt.Sprintf("%s: %s", k, e.String()))
		}
		sort.Strings(parts)
		return "{" + strings.Join(parts, ", ") + "}"
	case KindNode:
		return fmt.Sprintf("(:%v %d)", v.node.Labels, v.node.ID)
	case KindRel:
		return fmt.Sprintf("[:%s %d]", v.rel.Type, v.rel.ID)
	case KindPath:
		return fmt.Sprintf("<path len=%d>", len(v.path.Rels))
	case KindPoint:
		return fmt.Sprintf("point(%g,%g)", v.point.X, v.point.Y)
	case KindTemporal:
		return v.temporal.T.String()
	case KindBlob:
		return fmt.Sprintf("<blob %d bytes>", len(v.blob))
	default:
		return "?"
	}
}
