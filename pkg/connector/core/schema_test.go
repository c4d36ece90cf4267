package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/models"
)

func rec(data map[string]interface{}) *models.Record {
	return &models.Record{Data: data}
}

func TestInferSchemaTypes(t *testing.T) {
	sample := []*models.Record{
		rec(map[string]interface{}{
			"id":        int64(1),
			"name":      "alice",
			"balance":   10.5,
			"active":    true,
			"joined_at": time.Now(),
		}),
		rec(map[string]interface{}{
			"id":        int64(2),
			"name":      "bob",
			"balance":   3.25,
			"active":    false,
			"joined_at": time.Now(),
		}),
	}

	schema, err := InferSchema("accounts", sample)
	require.NoError(t, err)
	assert.Equal(t, "accounts", schema.Name)
	assert.Len(t, schema.Fields, 5)

	assert.Equal(t, FieldTypeInt, schema.Field("id").Type)
	assert.Equal(t, FieldTypeString, schema.Field("name").Type)
	assert.Equal(t, FieldTypeFloat, schema.Field("balance").Type)
	assert.Equal(t, FieldTypeBool, schema.Field("active").Type)
	assert.Equal(t, FieldTypeTimestamp, schema.Field("joined_at").Type)
}

func TestInferSchemaNullsMarkNullable(t *testing.T) {
	sample := []*models.Record{
		rec(map[string]interface{}{"id": int64(1), "email": nil}),
		rec(map[string]interface{}{"id": int64(2), "email": "x@example.com"}),
	}

	schema, err := InferSchema("users", sample)
	require.NoError(t, err)

	email := schema.Field("email")
	require.NotNil(t, email)
	assert.True(t, email.Nullable)
	assert.Equal(t, FieldTypeString, email.Type)
	assert.False(t, schema.Field("id").Nullable)
}

func TestInferSchemaIntFloatWidensToFloat(t *testing.T) {
	sample := []*models.Record{
		rec(map[string]interface{}{"amount": int64(3)}),
		rec(map[string]interface{}{"amount": 4.5}),
	}

	schema, err := InferSchema("payments", sample)
	require.NoError(t, err)
	assert.Equal(t, FieldTypeFloat, schema.Field("amount").Type)
}

func TestInferSchemaDivergingShapes(t *testing.T) {
	sample := []*models.Record{
		rec(map[string]interface{}{"id": int64(1), "name": "a"}),
		rec(map[string]interface{}{"id": int64(2), "label": "b"}),
	}

	_, err := InferSchema("mixed", sample)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaAmbiguous))
}

func TestInferSchemaEmptySample(t *testing.T) {
	_, err := InferSchema("empty", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceEmpty))
}
