package csvurl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/core"
)

const sampleCSV = `id,name,amount,active
1,alice,10.5,true
2,bob,20.25,false
3,carol,0.75,true
`

func serveCSV(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReadBatches(t *testing.T) {
	srv := serveCSV(t, sampleCSV)

	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), config.SourceSpec{
		Type:       "csv_url",
		Properties: map[string]string{"url": srv.URL},
	}))
	defer s.Close(context.Background())

	stream, err := s.ReadBatches(context.Background(), 2)
	require.NoError(t, err)

	var rows int
	var first map[string]interface{}
	for batch := range stream.Batches {
		for _, record := range batch {
			if first == nil {
				first = record.Data
			}
			rows++
		}
	}
	select {
	case err := <-stream.Errors:
		t.Fatalf("unexpected stream error: %v", err)
	default:
	}

	assert.Equal(t, 3, rows)
	assert.Equal(t, int64(1), first["id"])
	assert.Equal(t, "alice", first["name"])
	assert.Equal(t, 10.5, first["amount"])
	assert.Equal(t, true, first["active"])
}

func TestDiscoverInfersTypes(t *testing.T) {
	srv := serveCSV(t, sampleCSV)

	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), config.SourceSpec{
		Type:       "csv_url",
		Properties: map[string]string{"url": srv.URL},
	}))
	defer s.Close(context.Background())

	schema, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.FieldTypeInt, schema.Field("id").Type)
	assert.Equal(t, core.FieldTypeString, schema.Field("name").Type)
	assert.Equal(t, core.FieldTypeFloat, schema.Field("amount").Type)
	assert.Equal(t, core.FieldTypeBool, schema.Field("active").Type)
}

func TestMissingURL(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	err = s.Open(context.Background(), config.SourceSpec{Type: "csv_url"})
	assert.Error(t, err)
}

func TestUnreachableURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, err := New()
	require.NoError(t, err)
	err = s.Open(context.Background(), config.SourceSpec{
		Type:       "csv_url",
		Properties: map[string]string{"url": srv.URL},
	})
	require.Error(t, err)
}

func TestEmptyDocument(t *testing.T) {
	srv := serveCSV(t, "")

	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), config.SourceSpec{
		Type:       "csv_url",
		Properties: map[string]string{"url": srv.URL},
	}))

	_, err = s.Discover(context.Background())
	require.Error(t, err)

	stream, err := s.ReadBatches(context.Background(), 10)
	require.NoError(t, err)
	for range stream.Batches {
		t.Fatal("expected no batches from empty document")
	}
}
