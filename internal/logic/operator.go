package logic

import "strings"

// OperatorFamily groups operators by how the evaluator applies them.
type OperatorFamily int

const (
	FamilyNone OperatorFamily = iota
	FamilyComparison
	FamilyLogical
	FamilyTransform
)

// Operator is the closed vocabulary of actions an expression node performs.
type Operator int

const (
	OperatorNone Operator = iota

	// Comparison
	OperatorEquals
	OperatorNotEquals
	OperatorLessThan
	OperatorLessThanEquals
	OperatorGreaterThan
	OperatorGreaterThanEquals
	OperatorIn
	OperatorContains
	OperatorBefore
	OperatorAfter
	OperatorAsOf
	OperatorWithin

	// Logical
	OperatorAnd
	OperatorOr
	OperatorNot

	// Transform
	OperatorCount
	OperatorAverage
	OperatorFirst
	OperatorLast
	OperatorDistinct
	OperatorExists
	OperatorNotExists
)

var operatorNames = map[Operator]string{
	OperatorNone:              "",
	OperatorEquals:            "EQUALS",
	OperatorNotEquals:         "NOT_EQUALS",
	OperatorLessThan:          "LT",
	OperatorLessThanEquals:    "LTE",
	OperatorGreaterThan:       "GT",
	OperatorGreaterThanEquals: "GTE",
	OperatorIn:                "IN",
	OperatorContains:          "CONTAINS",
	OperatorBefore:            "BEFORE",
	OperatorAfter:             "AFTER",
	OperatorAsOf:              "AS_OF",
	OperatorWithin:            "WITHIN",
	OperatorAnd:               "AND",
	OperatorOr:                "OR",
	OperatorNot:               "NOT",
	OperatorCount:             "COUNT",
	OperatorAverage:           "AVERAGE",
	OperatorFirst:             "FIRST",
	OperatorLast:              "LAST",
	OperatorDistinct:          "DISTINCT",
	OperatorExists:            "EXISTS",
	OperatorNotExists:         "NOT_EXISTS",
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseOperator looks an operator up by its String form, case-insensitively.
func ParseOperator(s string) (Operator, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for op, name := range operatorNames {
		if op != OperatorNone && name == s {
			return op, true
		}
	}
	return OperatorNone, false
}

func (o Operator) Family() OperatorFamily {
	switch {
	case o >= OperatorEquals && o <= OperatorWithin:
		return FamilyComparison
	case o >= OperatorAnd && o <= OperatorNot:
		return FamilyLogical
	case o >= OperatorCount && o <= OperatorNotExists:
		return FamilyTransform
	default:
		return FamilyNone
	}
}

func (o Operator) IsComparison() bool { return o.Family() == FamilyComparison }

func (o Operator) IsLogical() bool { return o.Family() == FamilyLogical }

func (o Operator) IsTransform() bool { return o.Family() == FamilyTransform }

// symbol renders comparison operators the way the criteria grammar writes them.
func (o Operator) symbol() string {
	switch o {
	case OperatorEquals:
		return "="
	case OperatorNotEquals:
		return "!="
	case OperatorLessThan:
		return "<"
	case OperatorLessThanEquals:
		return "<="
	case OperatorGreaterThan:
		return ">"
	case OperatorGreaterThanEquals:
		return ">="
	case OperatorAsOf:
		return "AS OF"
	default:
		return o.String()
	}
}
