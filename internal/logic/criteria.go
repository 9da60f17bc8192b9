package logic

import (
	"time"
)

// Criteria is an immutable, persistent builder over an Expression tree. Every
// builder method returns a new Criteria whose expression extends the receiver's;
// the receiver and any criteria previously derived from it are never modified.
//
// Builder methods do not return errors. An operand that does not support the
// requested operator is recorded and reported by Err, and evaluation of a
// criteria with a recorded error fails with that error.
type Criteria struct {
	expr   *Expression
	params map[string]any
	err    error
}

// NewCriteria starts a criteria chain at token.
func NewCriteria(token string) *Criteria {
	return &Criteria{expr: newLeaf(token)}
}

// NewCriteriaWithParameters starts a criteria chain at token with evaluation
// parameters attached.
func NewCriteriaWithParameters(token string, params map[string]any) *Criteria {
	return &Criteria{expr: newLeaf(token), params: copyParams(params)}
}

func (c *Criteria) Expression() *Expression { return c.expr }

// RootToken is the token the chain was started from.
func (c *Criteria) RootToken() string { return c.expr.RootToken() }

// Err returns the first error recorded while building the chain.
func (c *Criteria) Err() error { return c.err }

// Parameters returns a copy of the parameters attached to the criteria.
func (c *Criteria) Parameters() map[string]any { return copyParams(c.params) }

// WithParameters returns a criteria over the same expression with params
// replacing the attached parameters.
func (c *Criteria) WithParameters(params map[string]any) *Criteria {
	return &Criteria{expr: c.expr, params: copyParams(params), err: c.err}
}

func (c *Criteria) String() string { return c.expr.String() }

func (c *Criteria) derive(expr *Expression, err error) *Criteria {
	if c.err != nil {
		err = c.err
	}
	return &Criteria{expr: expr, params: c.params, err: err}
}

// Append extends the chain with op applied to operand. It is the primitive the
// comparison helpers are built on.
func (c *Criteria) Append(op Operator, operand Operand) *Criteria {
	if !op.IsComparison() {
		return c.derive(c.expr, &TypeMismatchError{Operator: op, Operand: operand})
	}
	return c.derive(c.expr.extend(op, operand), CheckOperand(op, operand))
}

func (c *Criteria) appendValue(op Operator, v any) *Criteria {
	o := ToOperand(v)
	if o == nil {
		return c.derive(c.expr, &TypeMismatchError{Operator: op})
	}
	return c.Append(op, o)
}

// AppendCriteria joins other to the chain with a logical operator.
func (c *Criteria) AppendCriteria(op Operator, other *Criteria) *Criteria {
	if op == OperatorNot {
		return c.Not()
	}
	if op != OperatorAnd && op != OperatorOr {
		return c.derive(c.expr, &TypeMismatchError{Operator: op, Operand: other.expr})
	}
	var err error
	if other.err != nil {
		err = other.err
	}
	return c.derive(c.expr.extend(op, other.expr), err)
}

func (c *Criteria) And(other *Criteria) *Criteria { return c.AppendCriteria(OperatorAnd, other) }

func (c *Criteria) Or(other *Criteria) *Criteria { return c.AppendCriteria(OperatorOr, other) }

// Not negates the whole chain built so far.
func (c *Criteria) Not() *Criteria {
	return c.derive(&Expression{rootToken: c.expr.rootToken, operator: OperatorNot, left: c.expr}, nil)
}

func (c *Criteria) EqualTo(v any) *Criteria { return c.appendValue(OperatorEquals, v) }

func (c *Criteria) NotEqualTo(v any) *Criteria { return c.appendValue(OperatorNotEquals, v) }

func (c *Criteria) LT(v any) *Criteria { return c.appendValue(OperatorLessThan, v) }

func (c *Criteria) LTE(v any) *Criteria { return c.appendValue(OperatorLessThanEquals, v) }

func (c *Criteria) GT(v any) *Criteria { return c.appendValue(OperatorGreaterThan, v) }

func (c *Criteria) GTE(v any) *Criteria { return c.appendValue(OperatorGreaterThanEquals, v) }

func (c *Criteria) Contains(v any) *Criteria { return c.appendValue(OperatorContains, v) }

// In keeps values equal to any of values.
func (c *Criteria) In(values ...any) *Criteria {
	coll := make(Collection, 0, len(values))
	for _, v := range values {
		o := ToOperand(v)
		if o == nil {
			return c.derive(c.expr, &TypeMismatchError{Operator: OperatorIn})
		}
		coll = append(coll, o)
	}
	return c.Append(OperatorIn, coll)
}

func (c *Criteria) Before(t time.Time) *Criteria { return c.Append(OperatorBefore, Date(t)) }

func (c *Criteria) After(t time.Time) *Criteria { return c.Append(OperatorAfter, Date(t)) }

// AsOf evaluates the chain with t as the index date and drops results dated
// after it.
func (c *Criteria) AsOf(t time.Time) *Criteria { return c.Append(OperatorAsOf, Date(t)) }

// Within keeps results dated inside d of the index date in effect when the
// criteria is evaluated.
func (c *Criteria) Within(d Duration) *Criteria { return c.Append(OperatorWithin, d) }

// ApplyTransform attaches a transform to the current expression without
// growing the chain. Non-transform operators leave the criteria unchanged.
func (c *Criteria) ApplyTransform(op Operator) *Criteria {
	if !op.IsTransform() {
		return c
	}
	return c.transform(op, 0, "")
}

func (c *Criteria) transform(op Operator, n int, sortColumn string) *Criteria {
	if n < 0 {
		n = 0
	}
	t := &Transform{operator: op, numResults: n, sortColumn: sortColumn}
	return c.derive(c.expr.withTransform(t), nil)
}

func (c *Criteria) Count() *Criteria { return c.transform(OperatorCount, 0, "") }

func (c *Criteria) Average() *Criteria { return c.transform(OperatorAverage, 0, "") }

func (c *Criteria) Distinct() *Criteria { return c.transform(OperatorDistinct, 0, "") }

func (c *Criteria) Exists() *Criteria { return c.transform(OperatorExists, 0, "") }

func (c *Criteria) NotExists() *Criteria { return c.transform(OperatorNotExists, 0, "") }

// First keeps the earliest result.
func (c *Criteria) First() *Criteria { return c.transform(OperatorFirst, 0, "") }

// FirstN keeps the n earliest results.
func (c *Criteria) FirstN(n int) *Criteria { return c.transform(OperatorFirst, n, "") }

// FirstBy keeps the first result ordered by sortColumn.
func (c *Criteria) FirstBy(sortColumn string) *Criteria {
	return c.transform(OperatorFirst, 0, sortColumn)
}

func (c *Criteria) FirstNBy(n int, sortColumn string) *Criteria {
	return c.transform(OperatorFirst, n, sortColumn)
}

// Last keeps the latest result.
func (c *Criteria) Last() *Criteria { return c.transform(OperatorLast, 0, "") }

func (c *Criteria) LastN(n int) *Criteria { return c.transform(OperatorLast, n, "") }

func (c *Criteria) LastBy(sortColumn string) *Criteria {
	return c.transform(OperatorLast, 0, sortColumn)
}

func (c *Criteria) LastNBy(n int, sortColumn string) *Criteria {
	return c.transform(OperatorLast, n, sortColumn)
}

func copyParams(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
