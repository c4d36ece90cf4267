// Package mysql provides a MySQL source connector on database/sql with the
// go-sql-driver. It reads a table or a custom query and streams rows.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/logger"
	"github.com/relaydata/relay/pkg/models"
)

// Source reads from MySQL.
//
// Properties:
//
//	dsn    go-sql-driver DSN, e.g. user:pass@tcp(host:3306)/db (required)
//	table  table to read
//	query  custom SQL; overrides table
//
// One of table or query is required.
type Source struct {
	dsn       string
	tableName string
	query     string
	db        *sql.DB
	schema    *core.Schema
	opened    bool
	mu        sync.Mutex
	logger    *zap.Logger
}

// New creates an unopened MySQL source
func New() (core.Source, error) {
	return &Source{logger: logger.Get().With(zap.String("connector", "mysql"))}, nil
}

// Open parses the spec and verifies connectivity
func (s *Source) Open(ctx context.Context, spec config.SourceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return errors.New(errors.ErrorTypeValidation, "source already opened")
	}

	s.dsn = spec.Property("dsn")
	if s.dsn == "" {
		return errors.New(errors.ErrorTypeConfig, "dsn property is required")
	}
	s.tableName = spec.Property("table")
	s.query = spec.Property("query")
	if s.tableName == "" && s.query == "" {
		return errors.New(errors.ErrorTypeConfig, "either table or query property is required")
	}

	db, err := sql.Open("mysql", s.dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse dsn")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to reach mysql")
	}
	s.db = db
	s.opened = true

	s.logger.Info("mysql source opened",
		zap.String("table", s.tableName),
		zap.Bool("custom_query", s.query != ""))
	return nil
}

// Discover reads the schema from information_schema
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position
	`, s.tableName)
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
			Type:     mapMySQLType(dataType),
			Nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "schema query failed")
	}
	if len(fields) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "table not found: %s", s.tableName)
	}

	s.schema = &core.Schema{Name: s.tableName, Fields: fields, CreatedAt: time.Now()}
	return s.schema, nil
}

func (s *Source) discoverFromQuery(ctx context.Context) (*core.Schema, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM (%s) q LIMIT 0", s.query))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to probe query schema")
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read column types")
	}

	fields := make([]core.Field, 0, len(types))
	for _, t := range types {
		nullable, _ := t.Nullable()
		fields = append(fields, core.Field{
			Name:     t.Name(),
			Type:     mapMySQLType(t.DatabaseTypeName()),
			Nullable: nullable,
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

	sqlText := s.query
	if sqlText == "" {
		sqlText = fmt.Sprintf("SELECT * FROM %s", s.tableName)
	}

	batches := make(chan models.Batch)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)

		rows, err := s.db.QueryContext(ctx, sqlText)
		if err != nil {
			errs <- errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to execute read query")
			return
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			errs <- errors.Wrap(err, errors.ErrorTypeInternal, "failed to read columns")
			return
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
				errs <- errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "mysql read cancelled")
				return false
			}
		}

		values := make([]interface{}, len(columns))
		scanTargets := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}

		for rows.Next() {
			if err := rows.Scan(scanTargets...); err != nil {
				errs <- errors.Wrap(err, errors.ErrorTypeInternal, "failed to scan row")
				return
			}

			data := make(map[string]interface{}, len(columns))
			for i, name := range columns {
				data[name] = normalizeValue(values[i])
			}
			batch = append(batch, &models.Record{
				Data: data,
				Metadata: models.RecordMetadata{
					Source: "mysql",
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

// EstimatedRows consults table statistics
func (s *Source) EstimatedRows(ctx context.Context) int64 {
	if !s.opened || s.tableName == "" {
		return core.EstimateUnknown
	}

	var estimate sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT table_rows FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?
	`, s.tableName).Scan(&estimate)
	if err != nil || !estimate.Valid {
		return core.EstimateUnknown
	}
	return estimate.Int64
}

// SupportsStreaming reports true; the driver streams result sets
func (s *Source) SupportsStreaming() bool { return true }

// Close releases the database handle
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// normalizeValue maps driver values to the engine's scalar set. The MySQL
// driver hands back []byte for text columns.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val
	default:
		return val
	}
}

func mapMySQLType(dataType string) core.FieldType {
	switch dataType {
	case "tinyint", "smallint", "mediumint", "int", "bigint",
		"TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT":
		return core.FieldTypeInt
	case "float", "double", "decimal", "FLOAT", "DOUBLE", "DECIMAL":
		return core.FieldTypeFloat
	case "datetime", "timestamp", "DATETIME", "TIMESTAMP":
		return core.FieldTypeTimestamp
	case "date", "DATE":
		return core.FieldTypeDate
	case "json", "JSON":
		return core.FieldTypeJSON
	case "blob", "binary", "varbinary", "BLOB", "BINARY", "VARBINARY":
		return core.FieldTypeBinary
	default:
		return core.FieldTypeString
	}
}
