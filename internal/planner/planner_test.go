package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-db/nexus/internal/query"
)

func TestDirSymbol(t *testing.T) {
	require.Equal(t, "->", dirSymbol(query.DirOut))
	require.Equal(t, "<-", dirSymbol(query.DirIn))
	require.Equal(t, "-", dirSymbol(query.DirEither))
}

func TestAccessMethodString(t *testing.T) {
	require.Equal(t, "AllNodesScan", FullScan.String())
	require.Equal(t, "LabelScan", LabelScan.String())
	require.Equal(t, "IndexSeek", IndexSeek.String())
}

func TestLiteralKey(t *testing.T) {
	cases := []interface{}{int64(3), 3, 1.5, "x", true}
	wantOK := []bool{true, true, true, true, false}
	for i, v := range cases {
		_, ok := literalKey(v)
		require.Equal(t, wantOK[i], ok, "case %d", i)
	}
}

func TestPlanRenderNilSafe(t *testing.T) {
	p := &Plan{Root: &PlanNode{Operator: "AllNodesScan"}}
	require.Contains(t, p.Render(), "AllNodesScan")
}
