// Package query is the virtual table layer: it registers the shard files of
// completed runs as views inside an embedded DuckDB instance and executes
// ad-hoc SQL over them. Views are rebuilt from dataset descriptors, so a
// query only ever sees chunks that were committed when the descriptor was
// resolved.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	duckdb "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"github.com/relaydata/relay/pkg/catalog"
	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/logger"
	"github.com/relaydata/relay/pkg/metrics"
)

// ResultSet carries one query's rows plus execution metadata
type ResultSet struct {
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int             `json:"row_count"`
	// ExecutionTimeMs is the wall-clock execution time in milliseconds
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	// Tables maps each registered alias to the pipeline that backs it
	Tables map[string]string `json:"tables,omitempty"`
	// SQL is the statement as executed, including an applied row limit
	SQL string `json:"sql"`
}

// Engine wraps an embedded DuckDB instance
type Engine struct {
	db       *sql.DB
	cfg      *config.EngineConfig
	s3Region string
	httpfs   bool
	logger   *zap.Logger
}

// Option configures the engine
type Option func(*Engine)

// WithS3Region sets the region used when the engine reads s3:// shard URLs
func WithS3Region(region string) Option {
	return func(e *Engine) { e.s3Region = region }
}

// New opens an in-memory DuckDB instance
func New(cfg *config.EngineConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to open embedded sql engine")
	}

	e := &Engine{
		db:     db,
		cfg:    cfg,
		logger: logger.Get().With(zap.String("component", "query_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases the embedded instance
func (e *Engine) Close() error {
	return e.db.Close()
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// RegisterDataset creates or replaces the view for one dataset descriptor.
// The view reads exactly the descriptor's shard URLs; later runs are not
// visible until the caller re-registers with a fresh descriptor.
func (e *Engine) RegisterDataset(ctx context.Context, d *catalog.DatasetDescriptor) error {
	if len(d.URLs) == 0 {
		return errors.Newf(errors.ErrorTypeRelationNotFound, "no queryable data for relation %q", d.Relation).
			WithDetail("pipeline_id", d.PipelineID)
	}
	if !identPattern.MatchString(d.Relation) {
		return errors.Newf(errors.ErrorTypeValidation, "invalid relation name %q", d.Relation)
	}

	if strings.HasPrefix(d.URLs[0], "s3://") {
		if err := e.ensureRemoteAccess(ctx); err != nil {
			return err
		}
	}

	reader, err := readerFunction(d.URLs[0])
	if err != nil {
		return err
	}

	quoted := make([]string, len(d.URLs))
	for i, u := range d.URLs {
		quoted[i] = "'" + strings.ReplaceAll(u, "'", "''") + "'"
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s([%s])",
		d.Relation, reader, strings.Join(quoted, ", "))

	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to register dataset view").
			WithDetail("relation", d.Relation)
	}

	e.logger.Debug("dataset registered",
		zap.String("relation", d.Relation),
		zap.String("run_id", d.RunID),
		zap.Int("shards", len(d.URLs)))
	return nil
}

// DropDataset removes a registered view. Missing views are not an error.
func (e *Engine) DropDataset(ctx context.Context, relation string) error {
	if !identPattern.MatchString(relation) {
		return errors.Newf(errors.ErrorTypeValidation, "invalid relation name %q", relation)
	}
	_, err := e.db.ExecContext(ctx, "DROP VIEW IF EXISTS "+relation)
	return err
}

// Query executes one SQL statement and materializes the result. When the
// statement carries no LIMIT clause the engine's row limit is appended.
func (e *Engine) Query(ctx context.Context, sqlText string, tables map[string]string, limit int) (*ResultSet, error) {
	if limit <= 0 {
		limit = e.cfg.QueryRowLimit
	}
	applied := ApplyLimit(sqlText, limit)

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, applied)
	if err != nil {
		metrics.ObserveQuery(time.Since(start), true)
		return nil, classify(err, applied)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		metrics.ObserveQuery(time.Since(start), true)
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read result columns")
	}

	result := &ResultSet{
		Columns: columns,
		Rows:    make([][]interface{}, 0, 64),
		Tables:  tables,
		SQL:     applied,
	}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		targets := make([]interface{}, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			metrics.ObserveQuery(time.Since(start), true)
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to scan result row")
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		metrics.ObserveQuery(time.Since(start), true)
		return nil, classify(err, applied)
	}

	elapsed := time.Since(start)
	result.RowCount = len(result.Rows)
	result.ExecutionTimeMs = float64(elapsed.Microseconds()) / 1000
	metrics.ObserveQuery(elapsed, false)

	e.logger.Debug("query executed",
		zap.Int("rows", result.RowCount),
		zap.Duration("duration", elapsed))
	return result, nil
}

var columnPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SampleColumn pulls up to limit values of one column from a registered
// view. Join inference uses this for value-overlap scoring.
func (e *Engine) SampleColumn(ctx context.Context, relation, column string, limit int) ([]interface{}, error) {
	if !identPattern.MatchString(relation) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid relation name %q", relation)
	}
	if !columnPattern.MatchString(column) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid column name %q", column)
	}

	rs, err := e.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", column, relation), nil, limit)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		values = append(values, row[0])
	}
	return values, nil
}

// ensureRemoteAccess loads httpfs and installs a credential-chain secret so
// the engine can read s3:// URLs directly
func (e *Engine) ensureRemoteAccess(ctx context.Context) error {
	if e.httpfs {
		return nil
	}
	stmts := []string{
		"INSTALL httpfs",
		"LOAD httpfs",
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to enable remote shard access")
		}
	}

	secret := "CREATE OR REPLACE SECRET relay_s3 (TYPE S3, PROVIDER CREDENTIAL_CHAIN"
	if e.s3Region != "" {
		secret += fmt.Sprintf(", REGION '%s'", strings.ReplaceAll(e.s3Region, "'", "''"))
	}
	secret += ")"
	if _, err := e.db.ExecContext(ctx, secret); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to configure object store credentials")
	}

	e.httpfs = true
	return nil
}

var limitPattern = regexp.MustCompile(`(?i)\blimit\s+\d+`)

// ApplyLimit appends a LIMIT clause when the statement carries none
func ApplyLimit(sqlText string, limit int) string {
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sqlText), ";"))
	if limitPattern.MatchString(trimmed) {
		return trimmed
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, limit)
}

// normalizeValue flattens driver-specific wide types into plain Go values.
// DuckDB surfaces HUGEINT aggregates as *big.Int and DECIMAL as its own
// struct; downstream consumers expect int64 or float64.
func normalizeValue(v interface{}) interface{} {
	switch n := v.(type) {
	case []byte:
		return string(n)
	case *big.Int:
		if n.IsInt64() {
			return n.Int64()
		}
		f, _ := new(big.Float).SetInt(n).Float64()
		return f
	case duckdb.Decimal:
		return n.Float64()
	}
	return v
}

// readerFunction picks the DuckDB table function matching the shard format
func readerFunction(url string) (string, error) {
	switch {
	case strings.Contains(url, ".parquet"):
		return "read_parquet", nil
	case strings.Contains(url, ".csv"):
		return "read_csv_auto", nil
	case strings.Contains(url, ".jsonl"):
		return "read_json_auto", nil
	}
	return "", errors.Newf(errors.ErrorTypeValidation, "unsupported shard format in %q", url)
}

// classify maps engine failures onto the error taxonomy
func classify(err error, sqlText string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "interrupted"):
		return errors.Wrap(err, errors.ErrorTypeEngineTimeout, "query exceeded its time budget").
			WithDetail("sql", sqlText)
	case strings.Contains(msg, "Parser Error") || strings.Contains(msg, "Syntax Error"):
		return errors.Wrap(err, errors.ErrorTypeQuerySyntax, "query failed to parse").
			WithDetail("sql", sqlText)
	case strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found in FROM clause"):
		return errors.Wrap(err, errors.ErrorTypeRelationNotFound, "query references an unknown relation").
			WithDetail("sql", sqlText)
	}
	return errors.Wrap(err, errors.ErrorTypeInternal, "query execution failed").
		WithDetail("sql", sqlText)
}
