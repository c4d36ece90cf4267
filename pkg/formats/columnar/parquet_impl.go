package columnar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	parquetcompress "github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/relaydata/relay/pkg/compression"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/models"
)

// parquetWriter implements Writer for Parquet shards
type parquetWriter struct {
	config         *WriterConfig
	arrowSchema    *arrow.Schema
	fileWriter     *pqarrow.FileWriter
	recordBuilder  *array.RecordBuilder
	recordsWritten int64
	currentBatch   int
}

func newParquetWriter(w io.Writer, config *WriterConfig) (*parquetWriter, error) {
	if config.Schema == nil {
		return nil, fmt.Errorf("schema is required for parquet writer")
	}

	arrowSchema, err := toArrowSchema(config.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema: %w", err)
	}

	pw := &parquetWriter{
		config:      config,
		arrowSchema: arrowSchema,
	}

	alloc := memory.NewGoAllocator()
	pw.recordBuilder = array.NewRecordBuilder(alloc, arrowSchema)

	props := parquet.NewWriterProperties(
		parquet.WithCompression(parquetCompression(config.Compression)),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithAllocator(alloc),
	)

	fw, err := pqarrow.NewFileWriter(arrowSchema, w, props, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.fileWriter = fw

	return pw, nil
}

func (pw *parquetWriter) WriteRecord(record *models.Record) error {
	for i, field := range pw.arrowSchema.Fields() {
		value := record.Data[field.Name]
		if err := pw.appendValue(i, value); err != nil {
			return fmt.Errorf("failed to append value for field %s: %w", field.Name, err)
		}
	}

	pw.currentBatch++

	if pw.currentBatch >= pw.config.BatchSize {
		return pw.flushBatch()
	}
	return nil
}

func (pw *parquetWriter) WriteRecords(records []*models.Record) error {
	for _, record := range records {
		if err := pw.WriteRecord(record); err != nil {
			return err
		}
	}
	return nil
}

func (pw *parquetWriter) Close() error {
	if err := pw.flushBatch(); err != nil {
		return err
	}
	if err := pw.fileWriter.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

func (pw *parquetWriter) Format() Format        { return Parquet }
func (pw *parquetWriter) RecordsWritten() int64 { return pw.recordsWritten }

func (pw *parquetWriter) flushBatch() error {
	if pw.currentBatch == 0 {
		return nil
	}

	record := pw.recordBuilder.NewRecord()
	defer record.Release()

	if err := pw.fileWriter.WriteBuffered(record); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}

	pw.recordsWritten += int64(pw.currentBatch)
	pw.currentBatch = 0
	return nil
}

func (pw *parquetWriter) appendValue(colIdx int, value interface{}) error {
	builder := pw.recordBuilder.Field(colIdx)

	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.BooleanBuilder:
		if v, ok := value.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}

	case *array.Int64Builder:
		switch v := value.(type) {
		case int:
			b.Append(int64(v))
		case int32:
			b.Append(int64(v))
		case int64:
			b.Append(v)
		default:
			b.AppendNull()
		}

	case *array.Float64Builder:
		switch v := value.(type) {
		case float32:
			b.Append(float64(v))
		case float64:
			b.Append(v)
		case int:
			b.Append(float64(v))
		case int64:
			b.Append(float64(v))
		default:
			b.AppendNull()
		}

	case *array.StringBuilder:
		if v, ok := value.(string); ok {
			b.Append(v)
		} else {
			b.Append(fmt.Sprintf("%v", value))
		}

	case *array.TimestampBuilder:
		switch v := value.(type) {
		case time.Time:
			b.Append(arrow.Timestamp(v.UnixNano()))
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				b.Append(arrow.Timestamp(t.UnixNano()))
			} else {
				b.AppendNull()
			}
		default:
			b.AppendNull()
		}

	case *array.Date32Builder:
		switch v := value.(type) {
		case time.Time:
			b.Append(arrow.Date32FromTime(v))
		case string:
			if t, err := time.Parse("2006-01-02", v); err == nil {
				b.Append(arrow.Date32FromTime(t))
			} else {
				b.AppendNull()
			}
		default:
			b.AppendNull()
		}

	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			b.AppendNull()
		}

	default:
		return fmt.Errorf("unsupported builder type: %T", builder)
	}

	return nil
}

// parquetReader implements Reader for Parquet shards
type parquetReader struct {
	fileReader  *file.Reader
	arrowReader *pqarrow.FileReader
	schema      *core.Schema
}

func newParquetReader(r io.Reader) (*parquetReader, error) {
	// Parquet needs a seekable reader, so buffer the shard. Shards are
	// chunk-sized by construction.
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet data: %w", err)
	}

	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}

	alloc := memory.NewGoAllocator()
	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{}, alloc)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}

	arrowSchema, err := arrowReader.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get arrow schema: %w", err)
	}

	return &parquetReader{
		fileReader:  fr,
		arrowReader: arrowReader,
		schema:      fromArrowSchema(arrowSchema),
	}, nil
}

func (pr *parquetReader) ReadAll() ([]*models.Record, error) {
	rr, err := pr.arrowReader.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create record reader: %w", err)
	}
	defer rr.Release()

	var records []*models.Record
	for rr.Next() {
		batch := rr.Record()
		for row := 0; row < int(batch.NumRows()); row++ {
			data := make(map[string]interface{}, batch.NumCols())
			for col := 0; col < int(batch.NumCols()); col++ {
				name := batch.Schema().Field(col).Name
				data[name] = columnValue(batch.Column(col), row)
			}
			records = append(records, &models.Record{Data: data})
		}
	}
	return records, nil
}

func (pr *parquetReader) Schema() (*core.Schema, error) { return pr.schema, nil }
func (pr *parquetReader) Format() Format                { return Parquet }

func (pr *parquetReader) Close() error {
	return pr.fileReader.Close()
}

func columnValue(col arrow.Array, rowIdx int) interface{} {
	if col.IsNull(rowIdx) {
		return nil
	}

	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(rowIdx)
	case *array.Int64:
		return c.Value(rowIdx)
	case *array.Float64:
		return c.Value(rowIdx)
	case *array.String:
		return c.Value(rowIdx)
	case *array.Binary:
		return c.Value(rowIdx)
	case *array.Timestamp:
		return time.Unix(0, int64(c.Value(rowIdx))).UTC()
	case *array.Date32:
		return c.Value(rowIdx).ToTime()
	default:
		return nil
	}
}

// Schema conversion helpers

func toArrowSchema(schema *core.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(schema.Fields))

	for _, field := range schema.Fields {
		arrowType, err := toArrowType(field.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to convert field %s: %w", field.Name, err)
		}
		fields = append(fields, arrow.Field{
			Name:     field.Name,
			Type:     arrowType,
			Nullable: field.Nullable,
		})
	}

	return arrow.NewSchema(fields, nil), nil
}

func toArrowType(fieldType core.FieldType) (arrow.DataType, error) {
	switch fieldType {
	case core.FieldTypeString:
		return arrow.BinaryTypes.String, nil
	case core.FieldTypeInt:
		return arrow.PrimitiveTypes.Int64, nil
	case core.FieldTypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case core.FieldTypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case core.FieldTypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_ns, nil
	case core.FieldTypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case core.FieldTypeBinary:
		return arrow.BinaryTypes.Binary, nil
	case core.FieldTypeJSON:
		return arrow.BinaryTypes.String, nil
	default:
		return nil, fmt.Errorf("unsupported field type: %s", fieldType)
	}
}

func fromArrowSchema(arrowSchema *arrow.Schema) *core.Schema {
	fields := make([]core.Field, 0, arrowSchema.NumFields())

	for i := 0; i < arrowSchema.NumFields(); i++ {
		field := arrowSchema.Field(i)
		fields = append(fields, core.Field{
			Name:     field.Name,
			Type:     fromArrowType(field.Type),
			Nullable: field.Nullable,
		})
	}

	return &core.Schema{Fields: fields}
}

func fromArrowType(arrowType arrow.DataType) core.FieldType {
	switch arrowType.ID() {
	case arrow.BOOL:
		return core.FieldTypeBool
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return core.FieldTypeInt
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return core.FieldTypeFloat
	case arrow.STRING, arrow.LARGE_STRING:
		return core.FieldTypeString
	case arrow.BINARY, arrow.LARGE_BINARY:
		return core.FieldTypeBinary
	case arrow.DATE32, arrow.DATE64:
		return core.FieldTypeDate
	case arrow.TIMESTAMP:
		return core.FieldTypeTimestamp
	default:
		return core.FieldTypeString
	}
}

func parquetCompression(algorithm compression.Algorithm) parquetcompress.Compression {
	switch algorithm {
	case compression.None:
		return parquetcompress.Codecs.Uncompressed
	case compression.Gzip:
		return parquetcompress.Codecs.Gzip
	case compression.Zstd:
		return parquetcompress.Codecs.Zstd
	case compression.LZ4:
		return parquetcompress.Codecs.Lz4Raw
	default:
		return parquetcompress.Codecs.Snappy
	}
}
