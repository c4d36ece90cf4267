// Package salesforce provides a Salesforce source connector over the REST
// query API. It follows nextRecordsUrl cursors, so large result sets stream
// page by page.
package salesforce

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
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

const defaultAPIVersion = "v59.0"

// queryResponse is the REST query API page envelope
type queryResponse struct {
	TotalSize      int64                    `json:"totalSize"`
	Done           bool                     `json:"done"`
	NextRecordsURL string                   `json:"nextRecordsUrl"`
	Records        []map[string]interface{} `json:"records"`
}

// Source reads from Salesforce.
//
// Properties:
//
//	instance_url  e.g. https://myorg.my.salesforce.com (required)
//	access_token  OAuth bearer token (required)
//	soql          full SOQL statement
//	object        object API name; with fields, generates the SOQL
//	fields        comma-separated field list used with object
//	api_version   REST API version (default v59.0)
//
// One of soql or object is required.
type Source struct {
	instanceURL string
	accessToken string
	soql        string
	object      string
	apiVersion  string
	client      *http.Client
	opened      bool
	mu          sync.Mutex
	logger      *zap.Logger
}

// New creates an unopened Salesforce source
func New() (core.Source, error) {
	return &Source{logger: logger.Get().With(zap.String("connector", "salesforce"))}, nil
}

// Open validates the spec
func (s *Source) Open(ctx context.Context, spec config.SourceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return errors.New(errors.ErrorTypeValidation, "source already opened")
	}

	s.instanceURL = strings.TrimSuffix(spec.Property("instance_url"), "/")
	if s.instanceURL == "" {
		return errors.New(errors.ErrorTypeConfig, "instance_url property is required")
	}
	s.accessToken = spec.Property("access_token")
	if s.accessToken == "" {
		return errors.New(errors.ErrorTypeConfig, "access_token property is required")
	}

	s.soql = spec.Property("soql")
	s.object = spec.Property("object")
	if s.soql == "" {
		if s.object == "" {
			return errors.New(errors.ErrorTypeConfig, "either soql or object property is required")
		}
		fields := spec.Property("fields")
		if fields == "" {
			fields = "Id"
		}
		s.soql = fmt.Sprintf("SELECT %s FROM %s", fields, s.object)
	}

	s.apiVersion = spec.Property("api_version")
	if s.apiVersion == "" {
		s.apiVersion = defaultAPIVersion
	}

	timeout := 120 * time.Second
	if raw := spec.Property("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Newf(errors.ErrorTypeConfig, "invalid timeout: %s", raw)
		}
		timeout = d
	}
	s.client = &http.Client{Timeout: timeout}

	s.opened = true
	s.logger.Info("salesforce source opened",
		zap.String("instance", s.instanceURL),
		zap.String("object", s.object))
	return nil
}

// Discover infers the schema from the first result page
func (s *Source) Discover(ctx context.Context) (*core.Schema, error) {
	if !s.opened {
		return nil, errors.New(errors.ErrorTypeValidation, "source not opened")
	}

	page, err := s.fetch(ctx, s.queryURL(s.soql))
	if err != nil {
		return nil, err
	}
	if len(page.Records) == 0 {
		return nil, errors.New(errors.ErrorTypeSourceEmpty, "query returned no records")
	}

	sample := make([]*models.Record, len(page.Records))
	for i, row := range page.Records {
		sample[i] = &models.Record{Data: cleanRecord(row)}
	}
	return core.InferSchema(s.object, sample)
}

// ReadBatches streams the query result, following nextRecordsUrl cursors
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
				errs <- errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "salesforce read cancelled")
				return false
			}
		}

		next := s.queryURL(s.soql)
		for next != "" {
			page, err := s.fetch(ctx, next)
			if err != nil {
				errs <- err
				return
			}

			for _, row := range page.Records {
				batch = append(batch, &models.Record{
					Data: cleanRecord(row),
					Metadata: models.RecordMetadata{
						Source: "salesforce",
						Table:  s.object,
						Offset: offset,
					},
				})
				offset++
				if len(batch) >= batchSize && !emit() {
					return
				}
			}

			if page.Done {
				break
			}
			next = s.instanceURL + page.NextRecordsURL
		}
		emit()
	}()

	return &core.BatchStream{Batches: batches, Errors: errs}, nil
}

// EstimatedRows issues a SOQL COUNT() when the object is known
func (s *Source) EstimatedRows(ctx context.Context) int64 {
	if !s.opened || s.object == "" {
		return core.EstimateUnknown
	}

	page, err := s.fetch(ctx, s.queryURL(fmt.Sprintf("SELECT COUNT() FROM %s", s.object)))
	if err != nil {
		return core.EstimateUnknown
	}
	return page.TotalSize
}

// SupportsStreaming reports true; the cursor API pages incrementally
func (s *Source) SupportsStreaming() bool { return true }

// Close is a no-op
func (s *Source) Close(ctx context.Context) error { return nil }

func (s *Source) queryURL(soql string) string {
	return fmt.Sprintf("%s/services/data/%s/query?q=%s",
		s.instanceURL, s.apiVersion, url.QueryEscape(soql))
}

func (s *Source) fetch(ctx context.Context, rawURL string) (*queryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to reach salesforce").
			WithDetail("instance", s.instanceURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrorTypeSourceUnreachable, "salesforce returned status %d", resp.StatusCode).
			WithDetail("body", string(body))
	}

	var page queryResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnreachable, "failed to decode query response")
	}
	return &page, nil
}

// cleanRecord drops the API's attributes envelope and flattens nothing else
func cleanRecord(row map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(row))
	for k, v := range row {
		if k == "attributes" {
			continue
		}
		data[k] = v
	}
	return data
}
