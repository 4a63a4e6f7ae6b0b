package offer

import (
	"regexp"
	"strconv"

	"github.com/marcher/marcher/pkg/structs"
)

// fieldValue resolves a constraint field against a residual offer's
// host identity/attributes: "hostname" is the offer's Host, anything
// else is looked up in Attrs.
func fieldValue(field, host string, attrs map[string]string) (string, bool) {
	if field == "hostname" {
		return host, true
	}
	v, ok := attrs[field]
	return v, ok
}

func taskFieldValue(field string, t *structs.Task) (string, bool) {
	if field == "hostname" {
		return t.Host, true
	}
	v, ok := t.Attrs[field]
	return v, ok
}

// EvaluateConstraints checks every constraint of app against the
// candidate offer (identified by host/attrs) given the app's
// already-placed tasks. Constraints are evaluated in declaration order;
// the first rejection wins (DESIGN.md's documented resolution of the
// UNIQUE-vs-GROUP_BY precedence open question).
func EvaluateConstraints(constraints []structs.Constraint, host string, attrs map[string]string, placed []*structs.Task) bool {
	for _, c := range constraints {
		if !evaluateOne(c, host, attrs, placed) {
			return false
		}
	}
	return true
}

func evaluateOne(c structs.Constraint, host string, attrs map[string]string, placed []*structs.Task) bool {
	switch c.Operator {
	case structs.ConstraintUnique:
		val, ok := fieldValue(c.Field, host, attrs)
		if !ok {
			return true
		}
		for _, t := range placed {
			if tv, ok := taskFieldValue(c.Field, t); ok && tv == val {
				return false
			}
		}
		return true

	case structs.ConstraintCluster:
		val, ok := fieldValue(c.Field, host, attrs)
		if !ok {
			return false
		}
		if c.Value != "" {
			return val == c.Value
		}
		// No explicit value: all placed tasks must share one value;
		// the first placement sets it.
		for _, t := range placed {
			if tv, ok := taskFieldValue(c.Field, t); ok {
				return tv == val
			}
		}
		return true

	case structs.ConstraintGroupBy:
		return evaluateGroupBy(c, host, attrs, placed)

	case structs.ConstraintLike:
		val, ok := fieldValue(c.Field, host, attrs)
		if !ok {
			return false
		}
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(val)

	case structs.ConstraintUnlike:
		val, ok := fieldValue(c.Field, host, attrs)
		if !ok {
			return true
		}
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return true
		}
		return !re.MatchString(val)

	default:
		return false
	}
}

// evaluateGroupBy distributes placements evenly across N groups (or an
// unbounded number of groups if N is absent): the group the candidate
// offer would join must have a placed-count no greater than the
// smallest count among groups observed so far, so placements favor the
// least-loaded group.
func evaluateGroupBy(c structs.Constraint, host string, attrs map[string]string, placed []*structs.Task) bool {
	val, ok := fieldValue(c.Field, host, attrs)
	if !ok {
		return false
	}

	counts := map[string]int{}
	for _, t := range placed {
		if tv, ok := taskFieldValue(c.Field, t); ok {
			counts[tv]++
		}
	}

	groupCount := 0
	if c.Value != "" {
		if n, err := strconv.Atoi(c.Value); err == nil {
			groupCount = n
		}
	}
	// A bounded group count caps the number of distinct group values
	// accepted: once that many distinct values have placements, a brand
	// new value is rejected outright rather than starting an (N+1)th
	// group.
	if groupCount > 0 {
		if _, seen := counts[val]; !seen && len(counts) >= groupCount {
			return false
		}
	}

	min := -1
	for _, n := range counts {
		if min == -1 || n < min {
			min = n
		}
	}
	if min == -1 {
		return true // no placements yet
	}
	return counts[val] <= min
}
