package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relaydata/relay/internal/engine"
	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/registry"
	"github.com/relaydata/relay/pkg/logger"
	"github.com/relaydata/relay/pkg/manifest"
	"github.com/relaydata/relay/pkg/objectstore"
	"github.com/relaydata/relay/pkg/planner"
	"github.com/relaydata/relay/pkg/query"

	// Import all available sources to register them
	_ "github.com/relaydata/relay/pkg/connector/sources"
)

var version = "0.1.0"

func main() {
	// Load .env if present for source and store credentials
	_ = godotenv.Load()

	var engineConfigFile string

	root := &cobra.Command{
		Use:   "relay",
		Short: "Relay - streaming tabular loads with SQL over the result",
		Long: `Relay moves tabular data from heterogeneous sources into compressed
columnar shards in object storage, and answers ad-hoc SQL over the shard
files through an embedded analytical engine.`,
	}
	root.PersistentFlags().StringVar(&engineConfigFile, "engine-config", "", "Path to engine configuration file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Relay v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "List available source connectors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available source connectors:")
			for _, source := range registry.ListSources() {
				fmt.Printf("  - %s\n", source)
			}
		},
	})

	var runPipelineFile string
	var runTimeout time.Duration
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one load run of a pipeline",
		Long: `Execute one load run of the pipeline described by a YAML file and
wait for its terminal status. The exit code is non-zero when the run does
not reach success or partial success.

Example:
  relay run --pipeline orders.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), engineConfigFile, runPipelineFile, runTimeout)
		},
	}
	runCmd.Flags().StringVarP(&runPipelineFile, "pipeline", "p", "", "Path to pipeline YAML file (required)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "Run timeout")
	_ = runCmd.MarkFlagRequired("pipeline")
	root.AddCommand(runCmd)

	var statusPipelineFile, statusRunID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), statusPipelineFile, statusRunID)
		},
	}
	statusCmd.Flags().StringVarP(&statusPipelineFile, "pipeline", "p", "", "Path to pipeline YAML file (required)")
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Run ID (required)")
	_ = statusCmd.MarkFlagRequired("pipeline")
	_ = statusCmd.MarkFlagRequired("run")
	root.AddCommand(statusCmd)

	var queryPipelineFiles []string
	var querySQL string
	var queryLimit int
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Run SQL over the latest completed runs of pipelines",
		Long: `Run a SQL statement over one or more pipelines. Each pipeline's
latest completed run is registered as a relation named after the pipeline.

Example:
  relay query -p orders.yaml -p customers.yaml \
    --sql "SELECT country, COUNT(*) FROM orders JOIN customers ON orders.customer_id = customers.customer_id GROUP BY country"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), engineConfigFile, queryPipelineFiles, querySQL, queryLimit)
		},
	}
	queryCmd.Flags().StringArrayVarP(&queryPipelineFiles, "pipeline", "p", nil, "Path to pipeline YAML file (repeatable, required)")
	queryCmd.Flags().StringVar(&querySQL, "sql", "", "SQL statement (required)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Row limit applied when the statement carries none")
	_ = queryCmd.MarkFlagRequired("pipeline")
	_ = queryCmd.MarkFlagRequired("sql")
	root.AddCommand(queryCmd)

	var joinPipelineFiles []string
	joinCmd := &cobra.Command{
		Use:   "suggest-join",
		Short: "Suggest join keys between two pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(joinPipelineFiles) != 2 {
				return fmt.Errorf("suggest-join requires exactly two --pipeline files")
			}
			return suggestJoin(cmd.Context(), engineConfigFile, joinPipelineFiles)
		},
	}
	joinCmd.Flags().StringArrayVarP(&joinPipelineFiles, "pipeline", "p", nil, "Path to pipeline YAML file (exactly two)")
	_ = joinCmd.MarkFlagRequired("pipeline")
	root.AddCommand(joinCmd)

	var transformPipelineFiles []string
	var transformSpecFile string
	transformCmd := &cobra.Command{
		Use:   "transform",
		Short: "Materialize a join/aggregate transformation as a derived pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(cmd.Context(), engineConfigFile, transformPipelineFiles, transformSpecFile)
		},
	}
	transformCmd.Flags().StringArrayVarP(&transformPipelineFiles, "pipeline", "p", nil, "Path to source pipeline YAML file (one or two)")
	transformCmd.Flags().StringVar(&transformSpecFile, "spec", "", "Path to transformation YAML file (required)")
	_ = transformCmd.MarkFlagRequired("pipeline")
	_ = transformCmd.MarkFlagRequired("spec")
	root.AddCommand(transformCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildService loads the pipelines, opens the first pipeline's object store
// and wires a service around it. All pipelines of one invocation must share
// a destination store.
func buildService(ctx context.Context, engineConfigFile string, pipelineFiles []string) (*engine.Service, []string, error) {
	cfg, err := config.LoadEngineConfig(engineConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("engine configuration error: %w", err)
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Encoding: "json"}); err != nil {
		return nil, nil, err
	}

	pipelines := make([]*config.PipelineConfig, 0, len(pipelineFiles))
	for _, file := range pipelineFiles {
		p, err := config.LoadPipelineFile(file)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline configuration error in %s: %w", file, err)
		}
		pipelines = append(pipelines, p)
	}

	store, err := objectstore.Open(ctx, pipelines[0].Destination)
	if err != nil {
		return nil, nil, err
	}

	opts := []query.Option{}
	if pipelines[0].Destination.Store == "s3" {
		opts = append(opts, query.WithS3Region(pipelines[0].Destination.Region))
	}
	queries, err := query.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	svc := engine.NewService(cfg, store, queries)
	ids := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		id, err := svc.RegisterPipeline(p)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
	}
	return svc, ids, nil
}

func runPipeline(ctx context.Context, engineConfigFile, pipelineFile string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	svc, ids, err := buildService(ctx, engineConfigFile, []string{pipelineFile})
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	log := logger.Get().With(zap.String("component", "relay-cli"))
	start := time.Now()

	runID, err := svc.CreateRun(ctx, ids[0])
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	report, err := svc.WaitForRun(ctx, runID)
	if err != nil {
		return err
	}

	printJSON(report)
	log.Info("run finished",
		zap.String("run_id", runID),
		zap.String("status", string(report.Status)),
		zap.Int64("rows_processed", report.RowsProcessed),
		zap.Duration("duration", time.Since(start)))

	if !report.Status.Completed() {
		return fmt.Errorf("run %s ended in status %s", runID, report.Status)
	}
	return nil
}

func showStatus(ctx context.Context, pipelineFile, runID string) error {
	p, err := config.LoadPipelineFile(pipelineFile)
	if err != nil {
		return fmt.Errorf("pipeline configuration error: %w", err)
	}
	if p.ID == "" {
		return fmt.Errorf("pipeline file %s carries no id; status needs the id the run was created under", pipelineFile)
	}

	store, err := objectstore.Open(ctx, p.Destination)
	if err != nil {
		return err
	}
	m, err := manifest.NewStore(store, p.Destination.Prefix).Load(ctx, p.ID, runID)
	if err != nil {
		return err
	}
	printJSON(engine.ReportFor(m))
	return nil
}

func runQuery(ctx context.Context, engineConfigFile string, pipelineFiles []string, sqlText string, limit int) error {
	svc, ids, err := buildService(ctx, engineConfigFile, pipelineFiles)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	rs, err := svc.Query(ctx, sqlText, ids, limit)
	if err != nil {
		return err
	}
	printJSON(rs)
	return nil
}

func suggestJoin(ctx context.Context, engineConfigFile string, pipelineFiles []string) error {
	svc, ids, err := buildService(ctx, engineConfigFile, pipelineFiles)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	candidates, err := svc.SuggestJoin(ctx, ids[0], ids[1])
	if err != nil {
		return err
	}
	printJSON(candidates)
	return nil
}

func runTransform(ctx context.Context, engineConfigFile string, pipelineFiles []string, specFile string) error {
	if len(pipelineFiles) < 1 || len(pipelineFiles) > 2 {
		return fmt.Errorf("transform requires one or two --pipeline files")
	}

	data, err := os.ReadFile(specFile)
	if err != nil {
		return fmt.Errorf("failed to read transformation file: %w", err)
	}
	var spec planner.TransformationSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("failed to parse transformation file: %w", err)
	}

	svc, ids, err := buildService(ctx, engineConfigFile, pipelineFiles)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	spec.LeftPipeline = ids[0]
	if len(ids) == 2 {
		spec.RightPipeline = ids[1]
	}

	derivedID, err := svc.CreateTransformation(ctx, &spec)
	if err != nil {
		return err
	}
	fmt.Printf("created derived pipeline %s\n", derivedID)
	return nil
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}
