package restapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/models"
)

func openSource(t *testing.T, props map[string]string) *Source {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), config.SourceSpec{
		Type:       "rest_api",
		Properties: props,
	}))
	return s.(*Source)
}

func drainRows(t *testing.T, s *Source) []*models.Record {
	t.Helper()
	stream, err := s.ReadBatches(context.Background(), 50)
	require.NoError(t, err)

	var rows []*models.Record
	for batch := range stream.Batches {
		rows = append(rows, batch...)
	}
	select {
	case err := <-stream.Errors:
		t.Fatalf("unexpected stream error: %v", err)
	default:
	}
	return rows
}

func TestPaginatedList(t *testing.T) {
	// 3 full pages of 10 then a short page of 5
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size := 10
		if page == 4 {
			size = 5
		}
		if page > 4 {
			fmt.Fprint(w, "[]")
			return
		}
		fmt.Fprint(w, "[")
		for i := 0; i < size; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"id": %d, "name": "row_%d"}`, (page-1)*10+i, (page-1)*10+i)
		}
		fmt.Fprint(w, "]")
	}))
	defer srv.Close()

	s := openSource(t, map[string]string{"url": srv.URL, "page_size": "10"})
	rows := drainRows(t, s)

	assert.Len(t, rows, 35)
	assert.Equal(t, "row_0", rows[0].Data["name"])
	assert.Equal(t, "row_34", rows[34].Data["name"])
}

func TestEnvelopeKeys(t *testing.T) {
	for _, key := range []string{"data", "results", "items", "records"} {
		t.Run(key, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"%s": [{"id": 1}, {"id": 2}], "total": 2}`, key)
			}))
			defer srv.Close()

			s := openSource(t, map[string]string{"url": srv.URL, "pagination": "none"})
			rows := drainRows(t, s)
			assert.Len(t, rows, 2)
		})
	}
}

func TestSingleObjectFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": 7, "name": "only"}`)
	}))
	defer srv.Close()

	s := openSource(t, map[string]string{"url": srv.URL, "pagination": "none"})
	rows := drainRows(t, s)
	require.Len(t, rows, 1)
	assert.Equal(t, "only", rows[0].Data["name"])
}

func TestExplicitDataKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"payload": [{"id": 1}], "data": "not this"}`)
	}))
	defer srv.Close()

	s := openSource(t, map[string]string{
		"url":        srv.URL,
		"pagination": "none",
		"data_key":   "payload",
	})
	rows := drainRows(t, s)
	assert.Len(t, rows, 1)
}

func TestAuthHeaderForwarded(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	s := openSource(t, map[string]string{
		"url":         srv.URL,
		"pagination":  "none",
		"auth_header": "Bearer token123",
	})
	drainRows(t, s)
	assert.Equal(t, "Bearer token123", got)
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := openSource(t, map[string]string{"url": srv.URL, "pagination": "none"})
	stream, err := s.ReadBatches(context.Background(), 10)
	require.NoError(t, err)

	for range stream.Batches {
	}
	select {
	case err := <-stream.Errors:
		assert.Error(t, err)
	default:
		t.Fatal("expected an error from the stream")
	}
}

func TestDiscoverFromFirstPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 1, "score": 9.5}, {"id": 2, "score": 7.25}]`)
	}))
	defer srv.Close()

	s := openSource(t, map[string]string{"url": srv.URL})
	schema, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, schema.Fields, 2)
}
