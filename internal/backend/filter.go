package backend

import (
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

func matchesAll(entity records.Entity, filters []remote.Filter) bool {
	for _, filter := range filters {
		if !matches(entity, filter) {
			return false
		}
	}
	return true
}

func matches(entity records.Entity, filter remote.Filter) bool {
	switch filter.Op {
	case remote.OperatorOr:
		for _, nested := range filter.Any {
			if matches(entity, nested) {
				return true
			}
		}
		return false
	case remote.OperatorEq:
		return records.ValuesEqual(entity[filter.Field], filter.Value)
	case remote.OperatorGt:
		cmp, ok := compare(entity[filter.Field], filter.Value)
		return ok && cmp > 0
	case remote.OperatorGte:
		cmp, ok := compare(entity[filter.Field], filter.Value)
		return ok && cmp >= 0
	case remote.OperatorLte:
		cmp, ok := compare(entity[filter.Field], filter.Value)
		return ok && cmp <= 0
	default:
		return false
	}
}

// compare orders two field values. Timestamps compare chronologically, numbers
// numerically and other strings lexically.
func compare(left, right any) (int, bool) {
	if leftNumber, ok := records.Numeric(left); ok {
		rightNumber, ok := records.Numeric(right)
		if !ok {
			return 0, false
		}
		switch {
		case leftNumber < rightNumber:
			return -1, true
		case leftNumber > rightNumber:
			return 1, true
		default:
			return 0, true
		}
	}
	leftString, leftOK := left.(string)
	rightString, rightOK := right.(string)
	if !leftOK || !rightOK {
		return 0, false
	}
	leftTime, leftErr := records.ParseTimestamp(leftString)
	rightTime, rightErr := records.ParseTimestamp(rightString)
	if leftErr == nil && rightErr == nil {
		return leftTime.Compare(rightTime), true
	}
	return strings.Compare(leftString, rightString), true
}

func validFilters(filters []remote.Filter) bool {
	for _, filter := range filters {
		switch filter.Op {
		case remote.OperatorOr:
			if len(filter.Any) == 0 || !validFilters(filter.Any) {
				return false
			}
		case remote.OperatorEq, remote.OperatorGt, remote.OperatorGte, remote.OperatorLte:
			if strings.TrimSpace(filter.Field) == "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}
