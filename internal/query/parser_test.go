package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreateAndMatch(t *testing.T) {
	q, err := Parse(`CREATE (a:Person {name:'Alice', age:30}),
		(b:Person {name:'Bob', age:25}),
		(a)-[:KNOWS {since:2020}]->(b);`)
	require.NoError(t, err)
	require.Len(t, q.Parts, 1)
	require.Len(t, q.Parts[0].Clauses, 1)
	cc, ok := q.Parts[0].Clauses[0].(*CreateClause)
	require.True(t, ok)
	require.Len(t, cc.Patterns, 3)
	assert.Equal(t, "a", cc.Patterns[0].Nodes[0].Variable)
	assert.Equal(t, []string{"Person"}, cc.Patterns[0].Nodes[0].Labels)
	assert.Len(t, cc.Patterns[2].Rels, 1)
	assert.Equal(t, DirOut, cc.Patterns[2].Rels[0].Dir)
	assert.Equal(t, []string{"KNOWS"}, cc.Patterns[2].Rels[0].Types)
}

func TestParseMatchWhereReturnOrderBy(t *testing.T) {
	q, err := Parse(`MATCH (p:Person) WHERE p.age > 26 RETURN p.name ORDER BY p.name`)
	require.NoError(t, err)
	clauses := q.Parts[0].Clauses
	require.Len(t, clauses, 2)
	mc := clauses[0].(*MatchClause)
	assert.False(t, mc.Optional)
	require.NotNil(t, mc.Where)
	bin, ok := mc.Where.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, ">", bin.Op)

	rc := clauses[1].(*ReturnClause)
	require.Len(t, rc.Items, 1)
	require.Len(t, rc.OrderBy, 1)
}

func TestParseOptionalMatch(t *testing.T) {
	q, err := Parse(`MATCH (p:Person) OPTIONAL MATCH (p)-[:KNOWS]->(f) RETURN p.name, f.name ORDER BY p.name`)
	require.NoError(t, err)
	require.Len(t, q.Parts[0].Clauses, 3)
	opt := q.Parts[0].Clauses[1].(*MatchClause)
	assert.True(t, opt.Optional)
}

func TestParseMergeOnCreateSet(t *testing.T) {
	q, err := Parse(`MERGE (c:Person {name:'Carol'}) ON CREATE SET c.created = true`)
	require.NoError(t, err)
	mc := q.Parts[0].Clauses[0].(*MergeClause)
	require.Len(t, mc.OnCreate, 1)
	assert.Equal(t, "created", mc.OnCreate[0].Property)
	assert.Empty(t, mc.OnMatch)
}

func TestParseVariableLengthPath(t *testing.T) {
	q, err := Parse(`MATCH p = (a)-[:R*1..3]->(x) RETURN length(p) ORDER BY length(p)`)
	require.NoError(t, err)
	mc := q.Parts[0].Clauses[0].(*MatchClause)
	part := mc.Patterns[0]
	assert.Equal(t, "p", part.PathVariable)
	require.Len(t, part.Rels, 1)
	assert.True(t, part.Rels[0].VarLength)
	assert.Equal(t, 1, part.Rels[0].MinLen)
	assert.Equal(t, 3, part.Rels[0].MaxLen)
}

func TestParseCallVectorKnnYield(t *testing.T) {
	q, err := Parse(`CALL vector.knn('Person', [1,0,0,0], 2) YIELD node, score RETURN node.name, score`)
	require.NoError(t, err)
	cc := q.Parts[0].Clauses[0].(*CallClause)
	assert.Equal(t, "vector.knn", cc.Name)
	require.Len(t, cc.Args, 3)
	assert.Equal(t, []string{"node", "score"}, cc.Yield)
}

func TestParseUnwind(t *testing.T) {
	q, err := Parse(`UNWIND [1,2,3] AS x RETURN x`)
	require.NoError(t, err)
	uc := q.Parts[0].Clauses[0].(*UnwindClause)
	assert.Equal(t, "x", uc.As)
	le, ok := uc.List.(*ListExpr)
	require.True(t, ok)
	assert.Len(t, le.Items, 3)
}

func TestParseUnion(t *testing.T) {
	q, err := Parse(`MATCH (a) RETURN a.name UNION ALL MATCH (b) RETURN b.name`)
	require.NoError(t, err)
	require.Len(t, q.Parts, 2)
	require.Len(t, q.UnionAll, 1)
	assert.True(t, q.UnionAll[0])
}

func TestParseListComprehension(t *testing.T) {
	q, err := Parse(`RETURN [x IN [1,2,3] WHERE x > 1 | x * 2]`)
	require.NoError(t, err)
	rc := q.Parts[0].Clauses[0].(*ReturnClause)
	lc, ok := rc.Items[0].Expr.(*ListComprehension)
	require.True(t, ok)
	assert.Equal(t, "x", lc.Variable)
	require.NotNil(t, lc.Where)
	require.NotNil(t, lc.Project)
}

func TestParseMapProjectionAndCase(t *testing.T) {
	q, err := Parse(`MATCH (n) RETURN n{.name, .age, label: 'x'}, CASE WHEN n.age > 18 THEN 'adult' ELSE 'minor' END`)
	require.NoError(t, err)
	rc := q.Parts[0].Clauses[1].(*ReturnClause)
	mp, ok := rc.Items[0].Expr.(*MapProjection)
	require.True(t, ok)
	assert.Len(t, mp.Items, 3)
	ce, ok := rc.Items[1].Expr.(*CaseExpr)
	require.True(t, ok)
	assert.Nil(t, ce.Test)
	require.Len(t, ce.Whens, 1)
}

func TestParseExistsExpression(t *testing.T) {
	q, err := Parse(`MATCH (n) WHERE EXISTS { (n)-[:KNOWS]->(:Person) } RETURN n`)
	require.NoError(t, err)
	mc := q.Parts[0].Clauses[0].(*MatchClause)
	ex, ok := mc.Where.(*ExistsExpr)
	require.True(t, ok)
	assert.NotNil(t, ex.Pattern)
}

func TestParseCallSubqueryInTransactions(t *testing.T) {
	q, err := Parse(`CALL { MATCH (n) RETURN n } IN TRANSACTIONS OF 500 ROWS`)
	require.NoError(t, err)
	cs, ok := q.Parts[0].Clauses[0].(*CallSubqueryClause)
	require.True(t, ok)
	assert.True(t, cs.InTransactions)
	assert.Equal(t, 500, cs.BatchSize)
}

func TestParseErrorHasPosition(t *testing.T) {
	_, err := Parse(`MATCH (n RETURN n`)
	require.Error(t, err)
	pe, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Greater(t, pe.Line, 0)
}

func TestParseDetachDelete(t *testing.T) {
	q, err := Parse(`MATCH (n) DETACH DELETE n`)
	require.NoError(t, err)
	dc := q.Parts[0].Clauses[1].(*DeleteClause)
	assert.True(t, dc.Detach)
}

func TestParseSetAddLabelAndRemove(t *testing.T) {
	q, err := Parse(`MATCH (n) SET n:Admin REMOVE n:Guest, n.temp`)
	require.NoError(t, err)
	sc := q.Parts[0].Clauses[1].(*SetClause)
	assert.Equal(t, "Admin", sc.Items[0].Label)
	rc := q.Parts[0].Clauses[2].(*RemoveClause)
	require.Len(t, rc.Items, 2)
	assert.Equal(t, "Guest", rc.Items[0].Label)
	assert.Equal(t, "temp", rc.Items[1].Property)
}
