package logic

import (
	"strconv"
	"strings"
	"time"

	"github.com/ehr/logic/internal/logic/result"
)

// Operand is a value or sub-expression an operator acts on. The set of
// implementations is closed: NumberOperand, TextOperand, DateOperand,
// Duration, *Expression and Collection.
type Operand interface {
	// Supports reports whether the operand can be the right-hand side of op.
	Supports(op Operator) bool
	String() string
	operand()
}

// CheckOperand returns a *TypeMismatchError when o cannot be used with op.
func CheckOperand(op Operator, o Operand) error {
	if o == nil || !o.Supports(op) {
		return &TypeMismatchError{Operator: op, Operand: o}
	}
	return nil
}

// NumberOperand is a numeric constant.
type NumberOperand float64

func Number(v float64) NumberOperand { return NumberOperand(v) }

func (n NumberOperand) Supports(op Operator) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorLessThan, OperatorLessThanEquals,
		OperatorGreaterThan, OperatorGreaterThanEquals, OperatorContains:
		return true
	}
	return false
}

func (n NumberOperand) String() string { return strconv.FormatFloat(float64(n), 'f', -1, 64) }

func (NumberOperand) operand() {}

// TextOperand is a string constant. Against coded results it matches the code.
type TextOperand string

func Text(v string) TextOperand { return TextOperand(v) }

func (t TextOperand) Supports(op Operator) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorContains:
		return true
	}
	return false
}

func (t TextOperand) String() string { return "'" + strings.ReplaceAll(string(t), "'", "\\'") + "'" }

func (TextOperand) operand() {}

// DateOperand is a date constant. The TODAY form has no fixed value and
// resolves to the index date of the evaluating context.
type DateOperand struct {
	value time.Time
	today bool
}

func Date(t time.Time) DateOperand { return DateOperand{value: t} }

func Today() DateOperand { return DateOperand{today: true} }

// Resolve returns the date the operand denotes given the index date.
func (d DateOperand) Resolve(indexDate time.Time) time.Time {
	if d.today {
		return indexDate
	}
	return d.value
}

func (d DateOperand) Supports(op Operator) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorLessThan, OperatorLessThanEquals,
		OperatorGreaterThan, OperatorGreaterThanEquals, OperatorBefore, OperatorAfter, OperatorAsOf:
		return true
	}
	return false
}

func (d DateOperand) String() string {
	if d.today {
		return "TODAY"
	}
	return d.value.Format(result.DateLayout)
}

func (DateOperand) operand() {}

// Collection is a list of constants, the right operand of IN.
type Collection []Operand

func (c Collection) Supports(op Operator) bool { return op == OperatorIn }

func (c Collection) String() string {
	parts := make([]string, len(c))
	for i, o := range c {
		parts[i] = o.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (Collection) operand() {}

// ToOperand normalizes Go values to operands: numbers become NumberOperand,
// strings TextOperand, times DateOperand; operands pass through. It returns nil
// for unsupported values.
func ToOperand(v any) Operand {
	switch x := v.(type) {
	case Operand:
		return x
	case int:
		return NumberOperand(x)
	case int32:
		return NumberOperand(x)
	case int64:
		return NumberOperand(x)
	case float32:
		return NumberOperand(x)
	case float64:
		return NumberOperand(x)
	case string:
		return TextOperand(x)
	case time.Time:
		return Date(x)
	case []any:
		c := make(Collection, 0, len(x))
		for _, it := range x {
			o := ToOperand(it)
			if o == nil {
				return nil
			}
			c = append(c, o)
		}
		return c
	default:
		return nil
	}
}
