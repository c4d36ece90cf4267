// Package csvurl provides a source connector for CSV files served over
// HTTP(S). The file is streamed row by row; it is never fully buffered.
package csvurl

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/logger"
	"github.com/relaydata/relay/pkg/models"
)

const schemaSampleRows = 100

// Source reads a CSV document from a URL.
//
// Properties:
//
//	url        the document location (required)
//	delimiter  single-character field delimiter (default ",")
//	timeout    HTTP client timeout (Go duration, default 60s)
type Source struct {
	url       string
	delimiter rune
	client    *http.Client
	opened    bool
	mu        sync.Mutex
	logger    *zap.Logger
}

// New creates an unopened CSV URL source
func New() (core.Source, error) {
	return &Source{logger: logger.Get().With(zap.String("connector", "csv_url"))}, nil
}

// Open validates the spec and probes the URL with a HEAD request
func (s *Source) Open(ctx context.Context, spec config.SourceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return errors.New(errors.ErrorTypeValidation, "source already opened")
	}

	s.url = spec.Property("url")
	if s.url == "" {
		return errors.New(errors.ErrorTypeConfig, "url property is required")
	}

	s.delimiter = ','
	if d := spec.Property("delimiter"); d != "" {
		runes := []rune(d)
		if len(runes) != 1 {
			return errors.Newf(errors.ErrorTypeConfig, "delimiter must be a single character: %q", d)
		}
		s.delimiter = runes[0]
	}

	timeout := 60 * time.Second
	if raw := spec.Property("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Newf(errors.ErrorTypeConfig, "invalid timeout: %s", raw)
		}
		timeout = d
	}
	s.client = &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid url")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to reach csv url").
			WithDetail("url", s.url)
	}
	resp.Body.Close()
	// Some servers reject HEAD; only hard-fail on auth or missing document
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden {
		return errors.Newf(errors.ErrorTypeSourceUnreachable, "csv url returned status %d", resp.StatusCode).
			WithDetail("url", s.url)
	}

	s.opened = true
	s.logger.Info("csv url source opened", zap.String("url", s.url))
	return nil
}

// Discover infers the schema from the header row and a bounded row sample
func (s *Source) Discover(ctx context.Context) (*core.Schema, error) {
	if !s.opened {
		return nil, errors.New(errors.ErrorTypeValidation, "source not opened")
	}

	reader, closeBody, err := s.openReader(ctx)
	if err != nil {
		return nil, err
	}
	defer closeBody()

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New(errors.ErrorTypeSourceEmpty, "csv document is empty")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to read csv header")
	}

	sample := make([]*models.Record, 0, schemaSampleRows)
	for len(sample) < schemaSampleRows {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to read csv sample")
		}
		sample = append(sample, rowToRecord(header, row, 0))
	}
	if len(sample) == 0 {
		// Header only: every column is an untyped string
		fields := make([]core.Field, len(header))
		for i, name := range header {
			fields[i] = core.Field{Name: name, Type: core.FieldTypeString, Nullable: true}
		}
		return &core.Schema{Name: "csv", Fields: fields, CreatedAt: time.Now()}, nil
	}

	return core.InferSchema("csv", sample)
}

// ReadBatches streams the document
func (s *Source) ReadBatches(ctx context.Context, batchSize int) (*core.BatchStream, error) {
	if !s.opened {
		return nil, errors.New(errors.ErrorTypeValidation, "source not opened")
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	reader, closeBody, err := s.openReader(ctx)
	if err != nil {
		return nil, err
	}

	header, err := reader.Read()
	if err == io.EOF {
		closeBody()
		empty := make(chan models.Batch)
		close(empty)
		return &core.BatchStream{Batches: empty, Errors: make(chan error, 1)}, nil
	}
	if err != nil {
		closeBody()
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to read csv header")
	}

	batches := make(chan models.Batch)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		defer closeBody()

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
				errs <- errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "csv read cancelled")
				return false
			}
		}

		for {
			row, err := reader.Read()
			if err == io.EOF {
				emit()
				return
			}
			if err != nil {
				errs <- errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to read csv row").
					WithDetail("offset", offset)
				return
			}

			batch = append(batch, rowToRecord(header, row, offset))
			offset++

			if len(batch) >= batchSize && !emit() {
				return
			}
		}
	}()

	return &core.BatchStream{Batches: batches, Errors: errs}, nil
}

// EstimatedRows is unknown for remote documents
func (s *Source) EstimatedRows(ctx context.Context) int64 {
	return core.EstimateUnknown
}

// SupportsStreaming reports true; rows arrive as the body streams
func (s *Source) SupportsStreaming() bool { return true }

// Close is a no-op; each read opens and closes its own response body
func (s *Source) Close(ctx context.Context) error { return nil }

func (s *Source) openReader(ctx context.Context) (*csv.Reader, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid url")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to fetch csv document").
			WithDetail("url", s.url)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, errors.Newf(errors.ErrorTypeSourceUnreachable, "csv url returned status %d", resp.StatusCode).
			WithDetail("url", s.url)
	}

	reader := csv.NewReader(resp.Body)
	reader.Comma = s.delimiter
	reader.ReuseRecord = false
	return reader, func() { resp.Body.Close() }, nil
}

func rowToRecord(header, row []string, offset int64) *models.Record {
	data := make(map[string]interface{}, len(header))
	for i, name := range header {
		if i >= len(row) || row[i] == "" {
			data[name] = nil
			continue
		}
		data[name] = parseValue(row[i])
	}
	return &models.Record{
		Data: data,
		Metadata: models.RecordMetadata{
			Source: "csv_url",
			Offset: offset,
		},
	}
}

// parseValue restores scalar types from CSV text: ints, floats, bools and
// RFC3339 timestamps; everything else stays a string
func parseValue(cell string) interface{} {
	if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(cell, 64); err == nil {
		return v
	}
	if cell == "true" || cell == "false" {
		return cell == "true"
	}
	if t, err := time.Parse(time.RFC3339, cell); err == nil {
		return t
	}
	return cell
}
