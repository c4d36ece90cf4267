package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydata/relay/pkg/catalog"
	"github.com/relaydata/relay/pkg/errors"
)

// stubSampler serves canned column samples keyed by relation and column
type stubSampler struct {
	data map[string]map[string][]interface{}
}

func (s *stubSampler) SampleColumn(ctx context.Context, relation, column string, limit int) ([]interface{}, error) {
	values := s.data[relation][column]
	if len(values) > limit {
		values = values[:limit]
	}
	return values, nil
}

func descriptor(relation string, columns ...string) *catalog.DatasetDescriptor {
	return &catalog.DatasetDescriptor{Relation: relation, Columns: columns}
}

func intRange(n int) []interface{} {
	values := make([]interface{}, n)
	for i := range values {
		values[i] = int64(i + 1)
	}
	return values
}

func stringVals(n int, prefix string) []interface{} {
	values := make([]interface{}, n)
	for i := range values {
		values[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return values
}

func floatVals(n int) []interface{} {
	values := make([]interface{}, n)
	for i := range values {
		values[i] = float64(i) + 0.5
	}
	return values
}

func TestSuggestJoinExactNameMatch(t *testing.T) {
	sampler := &stubSampler{data: map[string]map[string][]interface{}{
		"orders":    {"customer_id": intRange(100), "amount": floatVals(100)},
		"customers": {"customer_id": intRange(100), "name": stringVals(100, "n")},
	}}
	p := New(sampler, 2000)

	candidates, err := p.SuggestJoin(context.Background(),
		descriptor("orders", "customer_id", "amount"),
		descriptor("customers", "customer_id", "name"))
	require.NoError(t, err)

	best := candidates[0]
	assert.Equal(t, "customer_id", best.LeftColumn)
	assert.Equal(t, "customer_id", best.RightColumn)
	assert.Equal(t, 1.0, best.Confidence)
	assert.Equal(t, "exact name match", best.Reason)
}

func TestSuggestJoinNameSimilarity(t *testing.T) {
	sampler := &stubSampler{data: map[string]map[string][]interface{}{
		"orders":    {"cust_id": intRange(50)},
		"customers": {"customer_id": intRange(500)},
	}}
	p := New(sampler, 2000)

	candidates, err := p.SuggestJoin(context.Background(),
		descriptor("orders", "cust_id"),
		descriptor("customers", "customer_id"))
	require.NoError(t, err)

	best := candidates[0]
	assert.Equal(t, "cust_id", best.LeftColumn)
	assert.Equal(t, "customer_id", best.RightColumn)
	assert.Equal(t, "name similarity", best.Reason)
	assert.Less(t, best.Confidence, 1.0)
	assert.GreaterOrEqual(t, best.Confidence, nameSimilarityThreshold)
}

func TestSuggestJoinValueOverlap(t *testing.T) {
	// 480 of the 500 keys on each side are shared: overlap 480/500 = 0.96
	left := intRange(500)
	right := intRange(500)
	for i := 480; i < 500; i++ {
		right[i] = int64(-(i + 1))
	}

	sampler := &stubSampler{data: map[string]map[string][]interface{}{
		"orders":   {"ref": left},
		"payments": {"token": right},
	}}
	p := New(sampler, 2000)

	candidates, err := p.SuggestJoin(context.Background(),
		descriptor("orders", "ref"),
		descriptor("payments", "token"))
	require.NoError(t, err)

	best := candidates[0]
	assert.InDelta(t, 0.96, best.Confidence, 0.001)
	assert.Equal(t, "value overlap 0.96", best.Reason)
}

func TestSuggestJoinValueOverlapContainment(t *testing.T) {
	// Foreign-key shape: 480 of the 500 left keys appear in a right column
	// with 10000 distinct values. Containment scores 480/500 = 0.96 even
	// though the right side dwarfs the left.
	left := intRange(500)
	right := intRange(10000)
	for i := 0; i < 20; i++ {
		right[i] = int64(-(i + 1))
	}

	sampler := &stubSampler{data: map[string]map[string][]interface{}{
		"orders":   {"ref": left},
		"payments": {"token": right},
	}}
	p := New(sampler, 20000)

	candidates, err := p.SuggestJoin(context.Background(),
		descriptor("orders", "ref"),
		descriptor("payments", "token"))
	require.NoError(t, err)

	best := candidates[0]
	assert.InDelta(t, 0.96, best.Confidence, 0.001)
	assert.Equal(t, "value overlap 0.96", best.Reason)
}

func TestSuggestJoinExcludesTypeMismatch(t *testing.T) {
	// Same name but one side numeric, the other strings
	sampler := &stubSampler{data: map[string]map[string][]interface{}{
		"orders":    {"code": intRange(100)},
		"customers": {"code": stringVals(100, "c")},
	}}
	p := New(sampler, 2000)

	_, err := p.SuggestJoin(context.Background(),
		descriptor("orders", "code"),
		descriptor("customers", "code"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoCandidateKey))
}

func TestSuggestJoinCardinalityTieBreak(t *testing.T) {
	// Both pairs are exact name matches; the key-like column (all values
	// distinct) must rank above the low-cardinality one
	repeated := make([]interface{}, 100)
	for i := range repeated {
		repeated[i] = int64(i % 5)
	}
	sampler := &stubSampler{data: map[string]map[string][]interface{}{
		"orders":    {"id": intRange(100), "status_code": repeated},
		"customers": {"id": intRange(100), "status_code": repeated},
	}}
	p := New(sampler, 2000)

	candidates, err := p.SuggestJoin(context.Background(),
		descriptor("orders", "id", "status_code"),
		descriptor("customers", "id", "status_code"))
	require.NoError(t, err)

	assert.Equal(t, "id", candidates[0].LeftColumn)
	assert.Greater(t, candidates[0].CardinalityRatio, candidates[1].CardinalityRatio)
}

func TestInferKeyAmbiguous(t *testing.T) {
	sampler := &stubSampler{data: map[string]map[string][]interface{}{
		"orders":    {"id": intRange(100), "uid": intRange(100)},
		"customers": {"id": intRange(100), "uid": intRange(100)},
	}}
	p := New(sampler, 2000)

	_, err := p.InferKey(context.Background(),
		descriptor("orders", "id", "uid"),
		descriptor("customers", "id", "uid"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAmbiguousKey))
}

func TestInferKeyPicksBest(t *testing.T) {
	sampler := &stubSampler{data: map[string]map[string][]interface{}{
		"orders":    {"customer_id": intRange(100), "note": stringVals(100, "x")},
		"customers": {"customer_id": intRange(100), "name": stringVals(100, "y")},
	}}
	p := New(sampler, 2000)

	key, err := p.InferKey(context.Background(),
		descriptor("orders", "customer_id", "note"),
		descriptor("customers", "customer_id", "name"))
	require.NoError(t, err)
	assert.Equal(t, "customer_id", key.LeftColumn)
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, nameSimilarity("OrderID", "order_id"))
	assert.GreaterOrEqual(t, nameSimilarity("cust_id", "customer_id"), nameSimilarityThreshold)
	assert.Less(t, nameSimilarity("amount", "created_at"), nameSimilarityThreshold)
}
