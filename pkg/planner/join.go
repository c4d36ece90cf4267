// Package planner infers join keys between datasets and compiles
// transformation specs into SQL. Inference works from column names first
// and falls back to sampled value overlap, so it needs no catalog-level
// foreign key metadata.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaydata/relay/pkg/catalog"
	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/logger"
)

// ColumnSampler pulls a bounded sample of one column's values. The query
// engine implements this over its registered views.
type ColumnSampler interface {
	SampleColumn(ctx context.Context, relation, column string, limit int) ([]interface{}, error)
}

// Candidate is one scored join-key suggestion
type Candidate struct {
	LeftColumn  string  `json:"left_column"`
	RightColumn string  `json:"right_column"`
	Confidence  float64 `json:"confidence"`
	// Reason names the rule that produced the score, e.g. "exact name
	// match" or "value overlap 0.96"
	Reason string `json:"reason"`
	// CardinalityRatio is distinct/total over the left sample; key-like
	// columns sit near 1.0
	CardinalityRatio float64 `json:"cardinality_ratio"`
}

const (
	// nameSimilarityThreshold is the floor for the name-similarity rule
	nameSimilarityThreshold = 0.60
	// overlapThreshold is the floor for the value-overlap rule
	overlapThreshold = 0.50
)

// Planner scores join candidates between dataset descriptors
type Planner struct {
	sampler    ColumnSampler
	sampleSize int
	logger     *zap.Logger
}

// New creates a planner sampling up to sampleSize values per column
func New(sampler ColumnSampler, sampleSize int) *Planner {
	if sampleSize <= 0 {
		sampleSize = 2000
	}
	return &Planner{
		sampler:    sampler,
		sampleSize: sampleSize,
		logger:     logger.Get().With(zap.String("component", "join_planner")),
	}
}

// columnSample is one sampled column with its derived shape
type columnSample struct {
	name     string
	class    string
	distinct map[string]struct{}
	total    int
}

// SuggestJoin scores all column pairs between two datasets and returns the
// candidates ranked by confidence, ties broken by cardinality ratio. Pairs
// whose sampled value types disagree are excluded.
func (p *Planner) SuggestJoin(ctx context.Context, left, right *catalog.DatasetDescriptor) ([]Candidate, error) {
	leftCols, err := p.sampleColumns(ctx, left)
	if err != nil {
		return nil, err
	}
	rightCols, err := p.sampleColumns(ctx, right)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, lc := range leftCols {
		for _, rc := range rightCols {
			if lc.class == "" || rc.class == "" || lc.class != rc.class {
				continue
			}
			if c, ok := p.score(lc, rc); ok {
				candidates = append(candidates, c)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNoCandidateKey,
			"no join key candidates between %s and %s", left.Relation, right.Relation)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].CardinalityRatio > candidates[j].CardinalityRatio
	})

	p.logger.Debug("join suggestion computed",
		zap.String("left", left.Relation),
		zap.String("right", right.Relation),
		zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// InferKey returns the single best candidate. When the top two candidates
// are indistinguishable by confidence and cardinality the key is ambiguous
// and the caller must pick one explicitly.
func (p *Planner) InferKey(ctx context.Context, left, right *catalog.DatasetDescriptor) (*Candidate, error) {
	candidates, err := p.SuggestJoin(ctx, left, right)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 1 {
		a, b := candidates[0], candidates[1]
		const epsilon = 0.01
		if a.Confidence-b.Confidence < epsilon && abs(a.CardinalityRatio-b.CardinalityRatio) < epsilon {
			return nil, errors.Newf(errors.ErrorTypeAmbiguousKey,
				"join key is ambiguous: %s=%s and %s=%s score equally",
				a.LeftColumn, a.RightColumn, b.LeftColumn, b.RightColumn)
		}
	}
	return &candidates[0], nil
}

// score applies the rules in priority order and keeps the strongest match
func (p *Planner) score(left, right columnSample) (Candidate, bool) {
	c := Candidate{
		LeftColumn:       left.name,
		RightColumn:      right.name,
		CardinalityRatio: cardinalityRatio(left),
	}

	if normalizeName(left.name) == normalizeName(right.name) {
		c.Confidence = 1.0
		c.Reason = "exact name match"
		return c, true
	}

	if sim := nameSimilarity(left.name, right.name); sim >= nameSimilarityThreshold {
		c.Confidence = sim
		c.Reason = "name similarity"
		return c, true
	}

	if overlap := valueOverlap(left, right); overlap >= overlapThreshold {
		c.Confidence = overlap
		c.Reason = fmt.Sprintf("value overlap %.2f", overlap)
		return c, true
	}
	return Candidate{}, false
}

func (p *Planner) sampleColumns(ctx context.Context, d *catalog.DatasetDescriptor) ([]columnSample, error) {
	samples := make([]columnSample, 0, len(d.Columns))
	for _, col := range d.Columns {
		values, err := p.sampler.SampleColumn(ctx, d.Relation, col, p.sampleSize)
		if err != nil {
			return nil, err
		}
		samples = append(samples, buildSample(col, values))
	}
	return samples, nil
}

func buildSample(name string, values []interface{}) columnSample {
	s := columnSample{name: name, distinct: make(map[string]struct{}, len(values))}
	for _, v := range values {
		if v == nil {
			continue
		}
		if s.class == "" {
			s.class = typeClass(v)
		}
		s.total++
		s.distinct[valueKey(v)] = struct{}{}
	}
	return s
}

// typeClass buckets sampled values into comparable families so that an
// integer key can still match a float key but never a string one
func typeClass(v interface{}) string {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint32, uint64, float32, float64:
		return "number"
	case bool:
		return "bool"
	case time.Time:
		return "time"
	default:
		return "string"
	}
}

// valueKey canonicalizes a value for set membership; integral floats fold
// onto their integer form so cross-type numeric keys compare equal
func valueKey(v interface{}) string {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	case float32:
		if float64(n) == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	}
	return fmt.Sprintf("%v", v)
}

func cardinalityRatio(s columnSample) float64 {
	if s.total == 0 {
		return 0
	}
	return float64(len(s.distinct)) / float64(s.total)
}

// valueOverlap is the containment coefficient: the fraction of the smaller
// distinct set found in the other. Containment rather than Jaccard so a
// foreign key fully contained in a much larger key column still scores high.
func valueOverlap(left, right columnSample) float64 {
	if len(left.distinct) == 0 || len(right.distinct) == 0 {
		return 0
	}
	shared := 0
	for k := range left.distinct {
		if _, ok := right.distinct[k]; ok {
			shared++
		}
	}
	smaller := len(left.distinct)
	if len(right.distinct) < smaller {
		smaller = len(right.distinct)
	}
	return float64(shared) / float64(smaller)
}

// normalizeName lowercases and strips everything non-alphanumeric
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// nameSimilarity scores two column names in [0,1]. Identifier-style
// abbreviations (cust_id vs customer_id) score through the shared "id"
// suffix plus a common prefix on the stems.
func nameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == nb {
		return 1.0
	}

	sa, sb := strings.TrimSuffix(na, "id"), strings.TrimSuffix(nb, "id")
	if sa != na && sb != nb && sa != "" && sb != "" {
		if strings.HasPrefix(sa, sb) || strings.HasPrefix(sb, sa) {
			short, long := len(sa), len(sb)
			if short > long {
				short, long = long, short
			}
			// Shared-id bonus keeps cust_id~customer_id above the threshold
			return 0.5 + 0.5*float64(short)/float64(long)
		}
	}

	return lcsRatio(na, nb)
}

// lcsRatio is 2*LCS/(len(a)+len(b)), the classic sequence-match ratio
func lcsRatio(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(b)]
	return 2 * float64(lcs) / float64(len(a)+len(b))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
