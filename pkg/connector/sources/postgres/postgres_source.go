// Package postgres provides a PostgreSQL source connector on pgx with
// connection pooling. It reads a table or a custom query and streams rows
// without materializing the result set.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/logger"
	"github.com/relaydata/relay/pkg/models"
)

// Source reads from PostgreSQL.
//
// Properties:
//
//	connection_string  pgx connection string (required)
//	table              table to read, optionally schema-qualified
//	query              custom SQL; overrides table
//
// One of table or query is required.
type Source struct {
	connectionStr string
	tableName     string
	query         string
	pool          *pgxpool.Pool
	schema        *core.Schema
	opened        bool
	mu            sync.Mutex
	logger        *zap.Logger
}

// New creates an unopened PostgreSQL source
func New() (core.Source, error) {
	return &Source{logger: logger.Get().With(zap.String("connector", "postgres"))}, nil
}

// Open parses the spec and establishes the connection pool
func (s *Source) Open(ctx context.Context, spec config.SourceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return errors.New(errors.ErrorTypeValidation, "source already opened")
	}

	s.connectionStr = spec.Property("connection_string")
	if s.connectionStr == "" {
		return errors.New(errors.ErrorTypeConfig, "connection_string property is required")
	}
	s.tableName = spec.Property("table")
	s.query = spec.Property("query")
	if s.tableName == "" && s.query == "" {
		return errors.New(errors.ErrorTypeConfig, "either table or query property is required")
	}

	poolConfig, err := pgxpool.ParseConfig(s.connectionStr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to reach postgres")
	}
	s.pool = pool
	s.opened = true

	s.logger.Info("postgres source opened",
		zap.String("table", s.tableName),
		zap.Bool("custom_query", s.query != ""))
	return nil
}

// Discover reads the schema from information_schema, or from the query's
// row description for custom queries
func (s *Source) Discover(ctx context.Context) (*core.Schema, error) {
	if !s.opened {
		return nil, errors.New(errors.ErrorTypeValidation, "source not opened")
	}
	if s.schema != nil {
		return s.schema, nil
	}

	if s.query != "" {
		return s.discoverFromQuery(ctx)
	}
	return s.discoverFromTable(ctx)
}

func (s *Source) discoverFromTable(ctx context.Context) (*core.Schema, error) {
	schemaName, tableName := splitTableName(s.tableName)

	rows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schemaName, tableName)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to query table schema")
	}
	defer rows.Close()

	var fields []core.Field
	for rows.Next() {
		var columnName, dataType, isNullable string
		if err := rows.Scan(&columnName, &dataType, &isNullable); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to scan schema row")
		}
		fields = append(fields, core.Field{
			Name:     columnName,
			Type:     mapPostgresType(dataType),
			Nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "schema query failed")
	}
	if len(fields) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "table not found: %s", s.tableName)
	}

	s.schema = &core.Schema{Name: tableName, Fields: fields, CreatedAt: time.Now()}
	return s.schema, nil
}

func (s *Source) discoverFromQuery(ctx context.Context) (*core.Schema, error) {
	// LIMIT 0 yields the row description without reading data
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT * FROM (%s) q LIMIT 0", s.query))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to probe query schema")
	}
	defer rows.Close()

	descriptions := rows.FieldDescriptions()
	fields := make([]core.Field, 0, len(descriptions))
	for _, d := range descriptions {
		fields = append(fields, core.Field{
			Name:     string(d.Name),
			Type:     core.FieldTypeString,
			Nullable: true,
		})
	}

	s.schema = &core.Schema{Name: "query", Fields: fields, CreatedAt: time.Now()}
	return s.schema, nil
}

// ReadBatches streams the table or query result
func (s *Source) ReadBatches(ctx context.Context, batchSize int) (*core.BatchStream, error) {
	if !s.opened {
		return nil, errors.New(errors.ErrorTypeValidation, "source not opened")
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	sql := s.query
	if sql == "" {
		sql = fmt.Sprintf("SELECT * FROM %s", s.tableName)
	}

	batches := make(chan models.Batch)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)

		rows, err := s.pool.Query(ctx, sql)
		if err != nil {
			errs <- errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to execute read query")
			return
		}
		defer rows.Close()

		descriptions := rows.FieldDescriptions()
		columns := make([]string, len(descriptions))
		for i, d := range descriptions {
			columns[i] = string(d.Name)
		}

		var offset int64
		batch := make(models.Batch, 0, batchSize)

		emit := func() bool {
			if len(batch) == 0 {
				return true
			}
			select {
			case batches <- batch:
				batch = make(models.Batch, 0, batchSize)
				return true
			case <-ctx.Done():
				errs <- errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "postgres read cancelled")
				return false
			}
		}

		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				errs <- errors.Wrap(err, errors.ErrorTypeInternal, "failed to read row values")
				return
			}

			data := make(map[string]interface{}, len(columns))
			for i, name := range columns {
				data[name] = normalizeValue(values[i])
			}
			batch = append(batch, &models.Record{
				Data: data,
				Metadata: models.RecordMetadata{
					Source: "postgres",
					Table:  s.tableName,
					Offset: offset,
				},
			})
			offset++

			if len(batch) >= batchSize && !emit() {
				return
			}
		}
		if err := rows.Err(); err != nil {
			errs <- errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "read query failed")
			return
		}
		emit()
	}()

	return &core.BatchStream{Batches: batches, Errors: errs}, nil
}

// EstimatedRows consults the planner statistics; exact counts would scan
func (s *Source) EstimatedRows(ctx context.Context) int64 {
	if !s.opened || s.tableName == "" {
		return core.EstimateUnknown
	}

	var estimate int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(reltuples::bigint, -1) FROM pg_class WHERE oid = to_regclass($1)",
		s.tableName,
	).Scan(&estimate)
	if err != nil || estimate < 0 {
		return core.EstimateUnknown
	}
	return estimate
}

// SupportsStreaming reports true; pgx cursors stream the result set
func (s *Source) SupportsStreaming() bool { return true }

// Close releases the connection pool
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func splitTableName(name string) (schema, table string) {
	if parts := strings.SplitN(name, ".", 2); len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "public", name
}

// normalizeValue maps pgx-specific values to the engine's scalar set
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val
	case [16]byte:
		// uuid column
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	default:
		return val
	}
}

func mapPostgresType(dataType string) core.FieldType {
	switch dataType {
	case "smallint", "integer", "bigint", "smallserial", "serial", "bigserial":
		return core.FieldTypeInt
	case "real", "double precision", "numeric", "decimal", "money":
		return core.FieldTypeFloat
	case "boolean":
		return core.FieldTypeBool
	case "timestamp without time zone", "timestamp with time zone":
		return core.FieldTypeTimestamp
	case "date":
		return core.FieldTypeDate
	case "json", "jsonb":
		return core.FieldTypeJSON
	case "bytea":
		return core.FieldTypeBinary
	default:
		return core.FieldTypeString
	}
}
