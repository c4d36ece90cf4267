package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relaydata/relay/pkg/errors"
)

// JoinKey names the columns a join runs on
type JoinKey struct {
	LeftColumn  string `json:"left_column" yaml:"left_column"`
	RightColumn string `json:"right_column" yaml:"right_column"`
}

// TransformationSpec describes a derived dataset: an optional join plus
// group-by and aggregates, compiled into one SQL statement and executed
// through the query layer.
type TransformationSpec struct {
	// Name seeds the derived pipeline's relation name
	Name string `json:"name" yaml:"name"`
	// LeftPipeline and RightPipeline are the source pipeline IDs;
	// RightPipeline empty means a single-table transformation
	LeftPipeline  string `json:"left_pipeline" yaml:"left_pipeline"`
	RightPipeline string `json:"right_pipeline,omitempty" yaml:"right_pipeline,omitempty"`
	// On is the join key; nil means infer it
	On         *JoinKey `json:"on,omitempty" yaml:"on,omitempty"`
	GroupBy    []string `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	Aggregates []string `json:"aggregates,omitempty" yaml:"aggregates,omitempty"`
}

// Aggregate is one parsed aggregate metric
type Aggregate struct {
	Func   string
	Column string
	Alias  string
}

var aggregateFuncs = map[string]bool{
	"COUNT": true,
	"SUM":   true,
	"AVG":   true,
	"MIN":   true,
	"MAX":   true,
}

var columnPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseAggregate parses a metric like "count", "sum:amount" or "avg:price"
// into its SQL form. COUNT needs no column; the others require one.
func ParseAggregate(metric string) (Aggregate, error) {
	parts := strings.SplitN(strings.TrimSpace(metric), ":", 2)
	fn := strings.ToUpper(parts[0])
	if !aggregateFuncs[fn] {
		return Aggregate{}, errors.Newf(errors.ErrorTypeValidation, "unsupported aggregate %q", parts[0])
	}

	a := Aggregate{Func: fn}
	if len(parts) == 2 {
		a.Column = strings.TrimSpace(parts[1])
		if !columnPattern.MatchString(a.Column) {
			return Aggregate{}, errors.Newf(errors.ErrorTypeValidation, "invalid aggregate column %q", a.Column)
		}
	}
	if fn != "COUNT" && a.Column == "" {
		return Aggregate{}, errors.Newf(errors.ErrorTypeValidation, "aggregate %s requires a column", fn)
	}

	if a.Column == "" {
		a.Alias = "count_rows"
	} else {
		a.Alias = strings.ToLower(fn) + "_" + a.Column
	}
	return a, nil
}

// SQL renders the aggregate as a select-list expression
func (a Aggregate) SQL() string {
	if a.Column == "" {
		return fmt.Sprintf("COUNT(*) AS %s", a.Alias)
	}
	return fmt.Sprintf("%s(%s) AS %s", a.Func, a.Column, a.Alias)
}

// CompileSQL turns a resolved transformation into one SQL statement over
// the given relation names. With no aggregates and no grouping the result
// is a plain projection of the (joined) input.
func CompileSQL(leftRelation, rightRelation string, on *JoinKey, groupBy []string, metrics []string) (string, error) {
	for _, col := range groupBy {
		if !columnPattern.MatchString(col) {
			return "", errors.Newf(errors.ErrorTypeValidation, "invalid group-by column %q", col)
		}
	}

	aggregates := make([]Aggregate, 0, len(metrics))
	for _, metric := range metrics {
		a, err := ParseAggregate(metric)
		if err != nil {
			return "", err
		}
		aggregates = append(aggregates, a)
	}

	selectList := make([]string, 0, len(groupBy)+len(aggregates))
	selectList = append(selectList, groupBy...)
	for _, a := range aggregates {
		selectList = append(selectList, a.SQL())
	}
	if len(selectList) == 0 {
		selectList = append(selectList, "*")
	}

	from := leftRelation
	if rightRelation != "" {
		if on == nil {
			return "", errors.New(errors.ErrorTypeValidation, "join transformation requires a join key")
		}
		if !columnPattern.MatchString(on.LeftColumn) || !columnPattern.MatchString(on.RightColumn) {
			return "", errors.Newf(errors.ErrorTypeValidation, "invalid join key %s=%s", on.LeftColumn, on.RightColumn)
		}
		from = fmt.Sprintf("%s JOIN %s ON %s.%s = %s.%s",
			leftRelation, rightRelation,
			leftRelation, on.LeftColumn,
			rightRelation, on.RightColumn)
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selectList, ", "), from)
	if len(groupBy) > 0 {
		stmt += " GROUP BY " + strings.Join(groupBy, ", ")
	}
	return stmt, nil
}
