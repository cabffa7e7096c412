package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nexus-db/nexus/internal/config"
	"github.com/nexus-db/nexus/internal/engine"
	"github.com/nexus-db/nexus/internal/executor"
	"github.com/nexus-db/nexus/internal/index/hnsw"
	"github.com/nexus-db/nexus/internal/types"
)

var (
	dataDir    string
	configFile string
	jsonOut    bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "nexusd",
	Short: "nexusd - embeddable property-graph database with native vector search",
	Long:  `A single-node property-graph database with MVCC transactions, label-bitmap and HNSW vector indexes, and a Cypher-subset query engine.`,
	// Only apply the bound viper value when the flag itself wasn't set on
	// the command line, mirroring the flags-beat-config precedence every
	// subcommand below relies on.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("json") {
			jsonOut = viper.GetBool("json")
		}
	},
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openEngine() (*engine.Engine, error) {
	// config.Load validates DataDir before returning, so a --data-dir
	// override has to reach it as an environment variable rather than
	// being patched onto the result afterward.
	if dataDir != "" {
		if err := os.Setenv("NEXUS_DATA_DIR", dataDir); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return engine.Open(cfg, newLogger())
}

var queryCmd = &cobra.Command{
	Use:   "query <cypher>",
	Short: "execute a single Cypher statement against the data directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rows, cols, err := e.Execute(ctx, args[0], nil, engine.ExecuteOptions{Write: isWriteQuery(args[0])})
		if err != nil {
			return err
		}
		printRows(cols, rows)
		return nil
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "interactive Cypher REPL over the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		if configFile != "" {
			stop, err := config.WatchMutable(configFile, func(c config.Config) {
				fmt.Fprintln(os.Stderr, "config reloaded:", c)
			}, func(err error) {
				fmt.Fprintln(os.Stderr, "config watch error:", err)
			})
			if err == nil {
				defer stop()
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		scanner := bufio.NewScanner(os.Stdin)
		fmt.Fprintln(os.Stderr, "nexusd shell. Enter Cypher statements, blank line to exit.")
		for {
			fmt.Fprint(os.Stderr, "nexus> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				return nil
			}
			rows, cols, err := e.Execute(ctx, line, nil, engine.ExecuteOptions{Write: isWriteQuery(line)})
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				continue
			}
			printRows(cols, rows)
		}
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print engine counters: epoch, node/rel/prop counts, active readers",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		s := e.Stats()
		fmt.Printf("epoch=%d nodes=%d rels=%d props=%d active_readers=%d in_flight_queries=%d\n",
			s.CurrentEpoch, s.NodeCount, s.RelCount, s.PropCount, s.ActiveReaders, s.InFlightQueries)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "print engine liveness: read-only state, WAL size, page-cache occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		h := e.Health()
		fmt.Printf("read_only=%v wal_bytes=%d cache_frames=%d/%d cache_dirty=%d\n",
			h.ReadOnly, h.WalSizeBytes, h.CacheFrames, h.CacheCapacity, h.CacheDirty)
		return nil
	},
}

var configDumpCmd = &cobra.Command{
	Use:   "config-dump",
	Short: "print the fully-resolved configuration (defaults + file + env) as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dataDir != "" {
			if err := os.Setenv("NEXUS_DATA_DIR", dataDir); err != nil {
				return err
			}
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "manage property and vector indexes",
}

var indexPropertyCmd = &cobra.Command{
	Use:   "property <label> <property>",
	Short: "create (or rebuild) a B-tree property index, backfilling from existing nodes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.ConfigurePropertyIndex(args[0], args[1])
	},
}

var (
	vectorDim    int
	vectorMetric string
)

var indexVectorCmd = &cobra.Command{
	Use:   "vector <label> <property>",
	Short: "create (or rebuild) an HNSW vector index, backfilling from existing nodes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		metric := hnsw.MetricCosine
		if vectorMetric == "euclidean" {
			metric = hnsw.MetricEuclidean
		}
		return e.ConfigureVectorIndex(args[0], args[1], vectorDim, metric)
	},
}

// isWriteQuery is a cheap lexical classifier used only by the CLI, which
// has no parse tree handy before calling Execute: a leading write-clause
// keyword routes the statement through the writer seat. Execute itself
// does not rely on this — embedders pass ExecuteOptions.Write explicitly.
func isWriteQuery(cypher string) bool {
	upper := strings.ToUpper(strings.TrimSpace(cypher))
	for _, kw := range []string{"CREATE", "MERGE", "SET", "DELETE", "REMOVE", "DETACH"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return strings.Contains(upper, "CREATE ") || strings.Contains(upper, "MERGE ") ||
		strings.Contains(upper, "SET ") || strings.Contains(upper, "DELETE ")
}

// printRows renders query results either as JSON lines (--json) or a
// simple whitespace-aligned table, the way a CLI wrapping an embedded
// database prints ad-hoc query output.
func printRows(cols []string, rows []executor.Row) {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range rows {
			obj := make(map[string]interface{}, len(cols))
			for _, c := range cols {
				obj[c] = valueToJSON(r[c])
			}
			_ = enc.Encode(obj)
		}
		return
	}

	fmt.Println(strings.Join(cols, "\t"))
	for _, r := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = formatValue(r[c])
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
}

func valueToJSON(v types.Value) interface{} {
	switch v.Kind() {
	case types.KindNull:
		return nil
	case types.KindBool:
		return v.AsBool()
	case types.KindInt64:
		return v.AsInt()
	case types.KindFloat64:
		return v.AsFloat()
	case types.KindString:
		return v.AsString()
	default:
		return formatValue(v)
	}
}

func formatValue(v types.Value) string {
	switch v.Kind() {
	case types.KindNull:
		return "null"
	case types.KindString:
		return v.AsString()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "engine data directory (overrides config file)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print rows as JSON lines instead of a table")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	viper.SetEnvPrefix("nexusd")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	indexVectorCmd.Flags().IntVar(&vectorDim, "dimension", 0, "vector dimension (required)")
	indexVectorCmd.Flags().StringVar(&vectorMetric, "metric", "cosine", "distance metric: cosine or euclidean")
	_ = indexVectorCmd.MarkFlagRequired("dimension")

	indexCmd.AddCommand(indexPropertyCmd, indexVectorCmd)
	rootCmd.AddCommand(queryCmd, shellCmd, statsCmd, healthCmd, indexCmd, configDumpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
