// Package restapi provides a source connector for paginated JSON REST APIs.
// Responses may be a bare array, an envelope with a data/results/items/
// records key, or a single object; all three shapes produce records.
package restapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/logger"
	"github.com/relaydata/relay/pkg/models"
)

// envelopeKeys are checked in order when the response is a JSON object
// rather than an array
var envelopeKeys = []string{"data", "results", "items", "records"}

const schemaSampleRows = 100

// Source pages through a JSON REST endpoint.
//
// Properties:
//
//	url             the endpoint (required)
//	auth_header     optional Authorization header value
//	data_key        envelope key override; skips the data/results/items/
//	                records probe
//	pagination      "page" (default) or "none"
//	page_param      query parameter carrying the page number (default "page")
//	page_size_param query parameter carrying the page size (default "per_page")
//	page_size       rows requested per page (default 100)
//	timeout         HTTP client timeout (Go duration, default 60s)
type Source struct {
	endpoint      string
	authHeader    string
	dataKey       string
	pagination    string
	pageParam     string
	pageSizeParam string
	pageSize      int
	client        *http.Client
	opened        bool
	mu            sync.Mutex
	logger        *zap.Logger
}

// New creates an unopened REST API source
func New() (core.Source, error) {
	return &Source{logger: logger.Get().With(zap.String("connector", "rest_api"))}, nil
}

// Open validates the spec
func (s *Source) Open(ctx context.Context, spec config.SourceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return errors.New(errors.ErrorTypeValidation, "source already opened")
	}

	s.endpoint = spec.Property("url")
	if s.endpoint == "" {
		return errors.New(errors.ErrorTypeConfig, "url property is required")
	}
	if _, err := url.Parse(s.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid url")
	}

	s.authHeader = spec.Property("auth_header")
	s.dataKey = spec.Property("data_key")

	s.pagination = spec.Property("pagination")
	if s.pagination == "" {
		s.pagination = "page"
	}
	if s.pagination != "page" && s.pagination != "none" {
		return errors.Newf(errors.ErrorTypeConfig, "unknown pagination mode: %s", s.pagination)
	}

	s.pageParam = spec.Property("page_param")
	if s.pageParam == "" {
		s.pageParam = "page"
	}
	s.pageSizeParam = spec.Property("page_size_param")
	if s.pageSizeParam == "" {
		s.pageSizeParam = "per_page"
	}

	s.pageSize = 100
	if raw := spec.Property("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "invalid page_size: %s", raw)
		}
		s.pageSize = n
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

	s.opened = true
	s.logger.Info("rest api source opened", zap.String("url", s.endpoint))
	return nil
}

// Discover infers the schema from the first page. A sampled prefix with
// diverging record shapes fails with a schema ambiguity.
func (s *Source) Discover(ctx context.Context) (*core.Schema, error) {
	if !s.opened {
		return nil, errors.New(errors.ErrorTypeValidation, "source not opened")
	}

	rows, err := s.fetchPage(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New(errors.ErrorTypeSourceEmpty, "endpoint returned no records")
	}
	if len(rows) > schemaSampleRows {
		rows = rows[:schemaSampleRows]
	}

	sample := make([]*models.Record, len(rows))
	for i, row := range rows {
		sample[i] = &models.Record{Data: row}
	}
	return core.InferSchema("rest_api", sample)
}

// ReadBatches pages through the endpoint until a short or empty page
func (s *Source) ReadBatches(ctx context.Context, batchSize int) (*core.BatchStream, error) {
	if !s.opened {
		return nil, errors.New(errors.ErrorTypeValidation, "source not opened")
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	batches := make(chan models.Batch)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)

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
				errs <- errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "rest read cancelled")
				return false
			}
		}

		for page := 1; ; page++ {
			rows, err := s.fetchPage(ctx, page)
			if err != nil {
				errs <- err
				return
			}

			for _, row := range rows {
				batch = append(batch, &models.Record{
					Data: row,
					Metadata: models.RecordMetadata{
						Source: "rest_api",
						Offset: offset,
					},
				})
				offset++
				if len(batch) >= batchSize && !emit() {
					return
				}
			}

			// A short page means the endpoint is drained. Unpaginated
			// endpoints are a single page by definition.
			if s.pagination == "none" || len(rows) < s.pageSize {
				emit()
				return
			}
		}
	}()

	return &core.BatchStream{Batches: batches, Errors: errs}, nil
}

// EstimatedRows is unknown for REST endpoints
func (s *Source) EstimatedRows(ctx context.Context) int64 {
	return core.EstimateUnknown
}

// SupportsStreaming reports true; pages arrive incrementally
func (s *Source) SupportsStreaming() bool { return true }

// Close is a no-op
func (s *Source) Close(ctx context.Context) error { return nil }

func (s *Source) fetchPage(ctx context.Context, page int) ([]map[string]interface{}, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid url")
	}
	if s.pagination == "page" {
		q := u.Query()
		q.Set(s.pageParam, strconv.Itoa(page))
		q.Set(s.pageSizeParam, strconv.Itoa(s.pageSize))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if s.authHeader != "" {
		req.Header.Set("Authorization", s.authHeader)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to reach endpoint").
			WithDetail("url", s.endpoint).
			WithDetail("page", page)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrorTypeSourceUnreachable, "endpoint returned status %d", resp.StatusCode).
			WithDetail("url", s.endpoint).
			WithDetail("page", page)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to read response body")
	}

	return s.extractRows(body)
}

// extractRows normalizes the three supported response shapes into a row list
func (s *Source) extractRows(body []byte) ([]map[string]interface{}, error) {
	var asList []map[string]interface{}
	if err := json.Unmarshal(body, &asList); err == nil {
		return asList, nil
	}

	var asObject map[string]interface{}
	if err := json.Unmarshal(body, &asObject); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "response is not valid JSON")
	}

	keys := envelopeKeys
	if s.dataKey != "" {
		keys = []string{s.dataKey}
	}
	for _, key := range keys {
		nested, ok := asObject[key]
		if !ok {
			continue
		}
		items, ok := nested.([]interface{})
		if !ok {
			continue
		}
		rows := make([]map[string]interface{}, 0, len(items))
		for _, item := range items {
			row, ok := item.(map[string]interface{})
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeSchemaAmbiguous, "envelope %q holds non-object items", key)
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	// Single object fallback: the response itself is the one record
	return []map[string]interface{}{asObject}, nil
}
