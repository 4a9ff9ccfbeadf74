package menu

import (
	"strings"
	"time"
)

// Evaluate reports whether cond holds for rc. Unknown condition types and
// operators evaluate to false.
func Evaluate(cond Condition, rc RequestContext) bool {
	actual, ok := actualValue(cond, rc)
	if !ok {
		return false
	}
	return compare(cond.Operator, actual, cond.Value)
}

func actualValue(cond Condition, rc RequestContext) (Value, bool) {
	switch cond.Type {
	case ConditionRole:
		return Strings(rc.UserRoles), true
	case ConditionPermission:
		return Strings(rc.UserPermissions), true
	case ConditionTime:
		at := rc.Time
		if at.IsZero() {
			at = time.Now()
		}
		return Number(float64(at.UnixMilli())), true
	case ConditionLocation:
		return optionalString(rc.Location), true
	case ConditionDevice:
		return optionalString(rc.Device), true
	case ConditionCustom:
		if cond.CustomKey == "" {
			return Null(), true
		}
		v, found := rc.CustomData[cond.CustomKey]
		if !found {
			return Null(), true
		}
		return v, true
	default:
		return Value{}, false
	}
}

func optionalString(s string) Value {
	if s == "" {
		return Null()
	}
	return String(s)
}

func compare(op Operator, actual, expected Value) bool {
	switch op {
	case OpEquals:
		return actual.Equal(expected)
	case OpNotEquals:
		return !actual.Equal(expected)
	case OpContains:
		return contains(actual, expected)
	case OpNotContains:
		return !contains(actual, expected)
	case OpIn:
		return expected.Has(actual)
	case OpNotIn:
		return !expected.Has(actual)
	case OpGreaterThan:
		a, okA := actual.Num()
		e, okE := expected.Num()
		return okA && okE && a > e
	case OpLessThan:
		a, okA := actual.Num()
		e, okE := expected.Num()
		return okA && okE && a < e
	default:
		return false
	}
}

// contains is list membership or substring search; any other actual kind cannot contain.
func contains(actual, expected Value) bool {
	switch actual.Kind() {
	case KindList:
		return actual.Has(expected)
	case KindString:
		needle, ok := expected.Str()
		if !ok {
			return false
		}
		haystack, _ := actual.Str()
		return strings.Contains(haystack, needle)
	default:
		return false
	}
}
