// Package analyzer computes structural metrics over arbitrary JSON trees
// and scores them for relational versus document storage.
package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Backing identifies the persistence engine chosen for a document.
type Backing string

const (
	BackingRelational Backing = "relational"
	BackingDocument   Backing = "document"
)

// epsilon keeps the confidence ratio defined when both scores are tiny.
const epsilon = 1e-9

// Metrics holds the structural measurements of a JSON tree. The record is
// stored verbatim in the catalog's metrics blob.
type Metrics struct {
	MaxDepth              int                `json:"max_depth"`
	TotalObjects          int                `json:"total_objects"`
	UniqueFields          int                `json:"unique_fields"`
	TotalFieldOccurrences int                `json:"total_field_occurrences"`
	FieldPresence         map[string]float64 `json:"field_presence"`
	SchemaConsistency     float64            `json:"schema_consistency"`
	TypeConsistency       float64            `json:"type_consistency"`
	HasArrays             bool               `json:"has_arrays"`
	HasNestedArrays       bool               `json:"has_nested_arrays"`
	HasMixedTypes         bool               `json:"has_mixed_types"`
}

// Decision is the routing verdict for a JSON tree.
type Decision struct {
	Backing    Backing  `json:"backing"`
	Confidence float64  `json:"confidence"`
	SQLScore   float64  `json:"sql_score"`
	NoSQLScore float64  `json:"nosql_score"`
	Reasons    []string `json:"reasons"`
}

// Analyze walks a decoded JSON tree once and produces its metrics. The
// tree is the encoding/json representation: map[string]any, []any, string,
// float64, bool, nil.
func Analyze(tree any) Metrics {
	w := &walker{
		fieldCount: make(map[string]int),
		fieldKinds: make(map[string]map[string]struct{}),
	}
	w.walk(tree, 0, false)

	m := Metrics{
		MaxDepth:          w.maxDepth,
		TotalObjects:      w.totalObjects,
		UniqueFields:      len(w.fieldCount),
		FieldPresence:     make(map[string]float64, len(w.fieldCount)),
		HasArrays:         w.hasArrays,
		HasNestedArrays:   w.hasNestedArrays,
		SchemaConsistency: 1.0,
		TypeConsistency:   1.0,
	}
	if m.MaxDepth == 0 {
		m.MaxDepth = 1
	}

	// A field occurs at most once per object, so its occurrence count is
	// the number of object-peers carrying it.
	if w.totalObjects > 0 && len(w.fieldCount) > 0 {
		var sum float64
		for k, n := range w.fieldCount {
			m.TotalFieldOccurrences += n
			presence := float64(n) / float64(w.totalObjects)
			m.FieldPresence[k] = presence
			sum += presence
		}
		m.SchemaConsistency = sum / float64(len(w.fieldCount))
	}

	if len(w.fieldKinds) > 0 {
		consistent := 0
		for _, kinds := range w.fieldKinds {
			if len(kinds) == 1 {
				consistent++
			} else {
				m.HasMixedTypes = true
			}
		}
		m.TypeConsistency = float64(consistent) / float64(len(w.fieldKinds))
	}

	return m
}

// Decide scores metrics and picks a backing store. Ties go to document.
func Decide(m Metrics) Decision {
	var sql, nosql float64
	var sqlReasons, nosqlReasons []string

	if m.SchemaConsistency > 0.90 {
		sql += 3.0
		sqlReasons = append(sqlReasons, "consistent schema across records")
	}
	if m.MaxDepth <= 2 {
		sql += 2.5
		sqlReasons = append(sqlReasons, "flat structure suits relational tables")
	}
	switch {
	case !m.HasArrays:
		sql += 1.5
		sqlReasons = append(sqlReasons, "no arrays to normalize")
	case !m.HasNestedArrays:
		sql += 1.0
		sqlReasons = append(sqlReasons, "arrays are flat")
	}
	if allPresenceAtLeast(m.FieldPresence, 0.80) {
		sql += 2.0
		sqlReasons = append(sqlReasons, "fields present in most records")
	}
	if m.TypeConsistency == 1.0 {
		sql += 2.0
		sqlReasons = append(sqlReasons, "field types are uniform")
	}

	if m.SchemaConsistency < 0.70 {
		nosql += 2.5
		nosqlReasons = append(nosqlReasons, "flexible schema accommodates varying structures")
	}
	if m.MaxDepth > 4 {
		nosql += 3.0
		nosqlReasons = append(nosqlReasons, "deep nesting handled naturally by document storage")
	}
	if m.HasNestedArrays {
		nosql += 2.5
		nosqlReasons = append(nosqlReasons, "nested arrays avoid complex joins")
	}
	if anyPresenceBelow(m.FieldPresence, 0.50) {
		nosql += 2.0
		nosqlReasons = append(nosqlReasons, "sparse fields favor document storage")
	}
	if m.HasMixedTypes {
		nosql += 1.5
		nosqlReasons = append(nosqlReasons, "mixed value types per field")
	}

	d := Decision{SQLScore: sql, NoSQLScore: nosql}

	if sql == 0 && nosql == 0 {
		d.Backing = BackingDocument
		d.Confidence = 0.5
		d.Reasons = []string{"no structural signal; defaulting to document storage"}
		return d
	}

	// Ties go to document: nested structures are the safer default.
	if sql > nosql {
		d.Backing = BackingRelational
		d.Confidence = sql / (sql + nosql + epsilon)
		d.Reasons = appendWeak(sqlReasons, nosqlReasons)
	} else {
		d.Backing = BackingDocument
		d.Confidence = nosql / (sql + nosql + epsilon)
		d.Reasons = appendWeak(nosqlReasons, sqlReasons)
	}
	return d
}

// AnalyzeBytes decodes raw JSON and analyzes it.
func AnalyzeBytes(raw []byte) (Metrics, any, error) {
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return Metrics{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return Analyze(tree), tree, nil
}

func allPresenceAtLeast(presence map[string]float64, min float64) bool {
	for _, p := range presence {
		if p < min {
			return false
		}
	}
	return true
}

func anyPresenceBelow(presence map[string]float64, max float64) bool {
	for _, p := range presence {
		if p < max {
			return true
		}
	}
	return false
}

func appendWeak(winning, losing []string) []string {
	reasons := make([]string, 0, len(winning)+len(losing))
	reasons = append(reasons, winning...)
	for _, r := range losing {
		reasons = append(reasons, r+" (weak)")
	}
	return reasons
}

// walker accumulates metrics in a single recursive pass.
type walker struct {
	maxDepth     int
	totalObjects int
	hasArrays    bool
	// hasNestedArrays: an array directly inside an array, or an array held
	// as an object value. A bare root array of flat objects stays false.
	hasNestedArrays bool

	fieldCount map[string]int
	fieldKinds map[string]map[string]struct{}
}

// walk visits v. parentLevel is the container nesting level enclosing v
// (0 for the root); fromArray is true when v is an array element.
func (w *walker) walk(v any, parentLevel int, fromArray bool) {
	switch t := v.(type) {
	case map[string]any:
		level := parentLevel + 1
		w.totalObjects++
		for k, val := range t {
			w.noteField(k, val)
			if _, isArr := val.([]any); isArr {
				w.hasNestedArrays = true
			}
			w.walk(val, level, false)
		}
	case []any:
		level := parentLevel + 1
		w.hasArrays = true
		if fromArray {
			w.hasNestedArrays = true
		}
		for _, el := range t {
			w.walk(el, level, true)
		}
	default:
		// Scalar: its depth is the level of the innermost container.
		if parentLevel > w.maxDepth {
			w.maxDepth = parentLevel
		}
	}
}

func (w *walker) noteField(name string, value any) {
	w.fieldCount[name]++
	kinds, ok := w.fieldKinds[name]
	if !ok {
		kinds = make(map[string]struct{}, 1)
		w.fieldKinds[name] = kinds
	}
	kinds[kindOf(value)] = struct{}{}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

// SortedFields returns the observed field names in lexical order, for
// stable reason output and logging.
func (m Metrics) SortedFields() []string {
	fields := make([]string, 0, len(m.FieldPresence))
	for k := range m.FieldPresence {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}
