package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nexus-db/nexus/internal/config"
	"github.com/nexus-db/nexus/internal/index/hnsw"
	"github.com/nexus-db/nexus/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	e, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenCreatesDataDir(t *testing.T) {
	e := newTestEngine(t)
	stats := e.Stats()
	require.Equal(t, uint64(0), stats.NodeCount)
}

func TestExecuteCreateAndMatch(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.Execute(context.Background(),
		`CREATE (:Person {name: "Alice", age: 30})`, nil, ExecuteOptions{Write: true})
	require.NoError(t, err)

	rows, cols, err := e.Execute(context.Background(),
		`MATCH (p:Person) RETURN p.name AS name, p.age AS age`, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"name", "age"}, cols)
	require.Len(t, rows, 1)
	require.Equal(t, "Alice", rows[0]["name"].AsString())
	require.Equal(t, int64(30), rows[0]["age"].AsInt())
}

func TestExecuteWriteFailureAborts(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.Execute(context.Background(), `CREATE (n {bogus`, nil, ExecuteOptions{Write: true})
	require.Error(t, err)

	stats := e.Stats()
	require.Equal(t, uint64(0), stats.NodeCount)
}

func TestCommitAdvancesCatalogEpoch(t *testing.T) {
	e := newTestEngine(t)
	before := e.Stats().CurrentEpoch

	_, _, err := e.Execute(context.Background(),
		`CREATE (:Thing {x: 1})`, nil, ExecuteOptions{Write: true})
	require.NoError(t, err)

	meta, err := e.cat.Metadata()
	require.NoError(t, err)
	require.Greater(t, meta.CurrentEpoch, before)
}

func TestConfigurePropertyIndexBackfills(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Execute(context.Background(),
		`CREATE (:Person {email: "a@example.com"})`, nil, ExecuteOptions{Write: true})
	require.NoError(t, err)

	require.NoError(t, e.ConfigurePropertyIndex("Person", "email"))

	labelID, ok, err := e.graph.LabelID("Person")
	require.NoError(t, err)
	require.True(t, ok)
	idx, ok := e.graph.PropertyIndexFor(labelID, "email")
	require.True(t, ok)
	require.Equal(t, 1, idx.Len())
}

func TestConfigureVectorIndexBackfills(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Execute(context.Background(),
		`CREATE (:Doc {embedding: [0.1, 0.2, 0.3]})`, nil, ExecuteOptions{Write: true})
	require.NoError(t, err)

	require.NoError(t, e.ConfigureVectorIndex("Doc", "embedding", 3, hnsw.MetricCosine))

	labelID, ok, err := e.graph.LabelID("Doc")
	require.NoError(t, err)
	require.True(t, ok)
	idx, prop, ok := e.graph.VectorIndexFor(labelID)
	require.True(t, ok)
	require.Equal(t, "embedding", prop)
	require.Equal(t, 1, idx.Len())
}

func TestQueryHandleRegistry(t *testing.T) {
	e := newTestEngine(t)
	require.Empty(t, e.ShowQueries())
	require.False(t, e.TerminateQuery(uuid.New()))
}

func TestStatsAndHealth(t *testing.T) {
	e := newTestEngine(t)
	h := e.Health()
	require.False(t, h.ReadOnly)
	require.GreaterOrEqual(t, h.CacheCapacity, 0)
}

func TestBeginTransactionRejectedWhenReadOnly(t *testing.T) {
	e := newTestEngine(t)
	e.setReadOnly(nil)
	_, err := e.BeginTransaction(context.Background())
	require.Error(t, err)
}

func TestEvalParamsFlowThrough(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Execute(context.Background(),
		`CREATE (:Person {name: $name})`,
		map[string]types.Value{"name": types.Str("Bob")},
		ExecuteOptions{Write: true})
	require.NoError(t, err)

	rows, _, err := e.Execute(context.Background(),
		`MATCH (p:Person {name: "Bob"}) RETURN p.name AS name`, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
