package core

import (
	"sort"
	"time"

	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/models"
)

// InferSchema derives a schema from a sampled prefix of records. Every
// sampled record must expose the same key set; records with diverging
// shapes make the schema ambiguous and the caller is expected to fail the
// run rather than guess.
func InferSchema(name string, sample []*models.Record) (*Schema, error) {
	if len(sample) == 0 {
		return nil, errors.New(errors.ErrorTypeSourceEmpty, "cannot infer schema from empty sample")
	}

	reference := keySet(sample[0].Data)
	for i, record := range sample[1:] {
		keys := keySet(record.Data)
		if !sameKeys(reference, keys) {
			return nil, errors.New(errors.ErrorTypeSchemaAmbiguous, "records in sampled prefix have diverging shapes").
				WithDetail("record_index", i+1).
				WithDetail("expected_columns", len(reference)).
				WithDetail("actual_columns", len(keys))
		}
	}

	fields := make([]Field, 0, len(reference))
	for _, key := range reference {
		field := Field{Name: key, Type: FieldTypeString}
		typed := false
		for _, record := range sample {
			value := record.Data[key]
			if value == nil {
				field.Nullable = true
				continue
			}
			t := InferFieldType(value)
			if !typed {
				field.Type = t
				typed = true
			} else if field.Type != t {
				field.Type = promote(field.Type, t)
			}
		}
		if !typed {
			field.Nullable = true
		}
		fields = append(fields, field)
	}

	return &Schema{
		Name:      name,
		Fields:    fields,
		CreatedAt: time.Now(),
	}, nil
}

// InferFieldType maps a Go value to its schema field type
func InferFieldType(value interface{}) FieldType {
	switch value.(type) {
	case bool:
		return FieldTypeBool
	case int, int32, int64:
		return FieldTypeInt
	case float32, float64:
		return FieldTypeFloat
	case time.Time:
		return FieldTypeTimestamp
	case []byte:
		return FieldTypeBinary
	case map[string]interface{}, []interface{}:
		return FieldTypeJSON
	default:
		return FieldTypeString
	}
}

// promote resolves a type conflict observed across sampled records. Mixed
// int and float columns widen to float; anything else degrades to string.
func promote(a, b FieldType) FieldType {
	if (a == FieldTypeInt && b == FieldTypeFloat) || (a == FieldTypeFloat && b == FieldTypeInt) {
		return FieldTypeFloat
	}
	return FieldTypeString
}

func keySet(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
