package columnar

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaydata/relay/pkg/compression"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/models"
)

// csvWriter buffers the whole shard and compresses it on Close. Shards are
// bounded by the chunk size, so buffering one in memory is fine.
type csvWriter struct {
	out            io.Writer
	buf            bytes.Buffer
	csv            *csv.Writer
	schema         *core.Schema
	compressor     compression.Compressor
	recordsWritten int64
	closed         bool
}

func newCSVWriter(w io.Writer, config *WriterConfig) (*csvWriter, error) {
	if config.Schema == nil {
		return nil, fmt.Errorf("schema is required for csv writer")
	}

	compressor, err := compression.NewCompressor(config.Compression)
	if err != nil {
		return nil, err
	}

	cw := &csvWriter{
		out:        w,
		schema:     config.Schema,
		compressor: compressor,
	}
	cw.csv = csv.NewWriter(&cw.buf)

	if err := cw.csv.Write(config.Schema.FieldNames()); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	return cw, nil
}

func (cw *csvWriter) WriteRecord(record *models.Record) error {
	row := make([]string, len(cw.schema.Fields))
	for i, field := range cw.schema.Fields {
		row[i] = formatCell(record.Data[field.Name])
	}
	if err := cw.csv.Write(row); err != nil {
		return fmt.Errorf("failed to write csv row: %w", err)
	}
	cw.recordsWritten++
	return nil
}

func (cw *csvWriter) WriteRecords(records []*models.Record) error {
	for _, record := range records {
		if err := cw.WriteRecord(record); err != nil {
			return err
		}
	}
	return nil
}

func (cw *csvWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true

	cw.csv.Flush()
	if err := cw.csv.Error(); err != nil {
		return err
	}

	data, err := cw.compressor.Compress(cw.buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress csv shard: %w", err)
	}
	_, err = cw.out.Write(data)
	return err
}

func (cw *csvWriter) Format() Format        { return CSV }
func (cw *csvWriter) RecordsWritten() int64 { return cw.recordsWritten }

// jsonlWriter encodes one JSON document per record per line
type jsonlWriter struct {
	out            io.Writer
	buf            bytes.Buffer
	compressor     compression.Compressor
	recordsWritten int64
	closed         bool
}

func newJSONLWriter(w io.Writer, config *WriterConfig) (*jsonlWriter, error) {
	compressor, err := compression.NewCompressor(config.Compression)
	if err != nil {
		return nil, err
	}
	return &jsonlWriter{out: w, compressor: compressor}, nil
}

func (jw *jsonlWriter) WriteRecord(record *models.Record) error {
	line, err := json.Marshal(record.Data)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	jw.buf.Write(line)
	jw.buf.WriteByte('\n')
	jw.recordsWritten++
	return nil
}

func (jw *jsonlWriter) WriteRecords(records []*models.Record) error {
	for _, record := range records {
		if err := jw.WriteRecord(record); err != nil {
			return err
		}
	}
	return nil
}

func (jw *jsonlWriter) Close() error {
	if jw.closed {
		return nil
	}
	jw.closed = true

	data, err := jw.compressor.Compress(jw.buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress jsonl shard: %w", err)
	}
	_, err = jw.out.Write(data)
	return err
}

func (jw *jsonlWriter) Format() Format        { return JSONL }
func (jw *jsonlWriter) RecordsWritten() int64 { return jw.recordsWritten }

// csvReader decodes a CSV shard, restoring cell types from the schema
type csvReader struct {
	records []*models.Record
	schema  *core.Schema
}

func newCSVReader(r io.Reader, config *ReaderConfig) (*csvReader, error) {
	if config.Schema == nil {
		return nil, fmt.Errorf("schema is required for csv reader")
	}

	data, err := decompressAll(r, config.Compression)
	if err != nil {
		return nil, err
	}

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv shard: %w", err)
	}
	if len(rows) == 0 {
		return &csvReader{schema: config.Schema}, nil
	}

	header := rows[0]
	records := make([]*models.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		cells := make(map[string]interface{}, len(header))
		for i, name := range header {
			if i >= len(row) {
				cells[name] = nil
				continue
			}
			var fieldType core.FieldType = core.FieldTypeString
			if f := config.Schema.Field(name); f != nil {
				fieldType = f.Type
			}
			cells[name] = parseCell(row[i], fieldType)
		}
		records = append(records, &models.Record{Data: cells})
	}

	return &csvReader{records: records, schema: config.Schema}, nil
}

func (cr *csvReader) ReadAll() ([]*models.Record, error) { return cr.records, nil }
func (cr *csvReader) Schema() (*core.Schema, error)      { return cr.schema, nil }
func (cr *csvReader) Close() error                       { return nil }
func (cr *csvReader) Format() Format                     { return CSV }

// jsonlReader decodes a JSONL shard
type jsonlReader struct {
	records []*models.Record
	schema  *core.Schema
}

func newJSONLReader(r io.Reader, config *ReaderConfig) (*jsonlReader, error) {
	data, err := decompressAll(r, config.Compression)
	if err != nil {
		return nil, err
	}

	var records []*models.Record
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cells := make(map[string]interface{})
		if err := json.Unmarshal(line, &cells); err != nil {
			return nil, fmt.Errorf("failed to parse jsonl line: %w", err)
		}
		records = append(records, &models.Record{Data: cells})
	}

	return &jsonlReader{records: records, schema: config.Schema}, nil
}

func (jr *jsonlReader) ReadAll() ([]*models.Record, error) { return jr.records, nil }
func (jr *jsonlReader) Schema() (*core.Schema, error)      { return jr.schema, nil }
func (jr *jsonlReader) Close() error                       { return nil }
func (jr *jsonlReader) Format() Format                     { return JSONL }

func decompressAll(r io.Reader, algorithm compression.Algorithm) ([]byte, error) {
	compressor, err := compression.NewCompressor(algorithm)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read shard: %w", err)
	}
	return compressor.Decompress(raw)
}

func formatCell(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func parseCell(cell string, fieldType core.FieldType) interface{} {
	if cell == "" {
		return nil
	}

	switch fieldType {
	case core.FieldTypeInt:
		if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return v
		}
	case core.FieldTypeFloat:
		if v, err := strconv.ParseFloat(cell, 64); err == nil {
			return v
		}
	case core.FieldTypeBool:
		if v, err := strconv.ParseBool(cell); err == nil {
			return v
		}
	case core.FieldTypeTimestamp:
		if v, err := time.Parse(time.RFC3339, cell); err == nil {
			return v
		}
	}
	return cell
}
