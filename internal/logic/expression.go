package logic

import (
	"fmt"
	"strconv"
	"strings"
)

// Expression is an immutable node of a criteria tree.
//
// A leaf names a token and has no operator. Every other node keeps the chain
// it extends in Left: comparisons put their constant in Right, AND/OR put the
// joined criteria's expression in Right, and NOT has no Right.
type Expression struct {
	rootToken string
	operator  Operator
	left      *Expression
	right     Operand
	transform *Transform
}

func newLeaf(token string) *Expression {
	return &Expression{rootToken: token}
}

func (e *Expression) extend(op Operator, right Operand) *Expression {
	return &Expression{rootToken: e.rootToken, operator: op, left: e, right: right}
}

// withTransform returns a shallow copy of e carrying t. Children are shared.
func (e *Expression) withTransform(t *Transform) *Expression {
	cp := *e
	cp.transform = t
	return &cp
}

func (e *Expression) Operator() Operator { return e.operator }

func (e *Expression) Left() *Expression { return e.left }

func (e *Expression) Right() Operand { return e.right }

func (e *Expression) Transform() *Transform { return e.transform }

func (e *Expression) IsLeaf() bool { return e.left == nil && e.operator == OperatorNone }

// RootToken returns the token of the deepest expression along the Left chain.
func (e *Expression) RootToken() string {
	n := e
	for n.left != nil {
		n = n.left
	}
	return n.rootToken
}

// Tokens lists every token referenced in the tree, in first-seen order.
func (e *Expression) Tokens() []string {
	var out []string
	seen := map[string]bool{}
	var walk func(*Expression)
	walk = func(n *Expression) {
		if n == nil {
			return
		}
		if n.IsLeaf() && !seen[n.rootToken] {
			seen[n.rootToken] = true
			out = append(out, n.rootToken)
		}
		walk(n.left)
		if sub, ok := n.right.(*Expression); ok {
			walk(sub)
		}
	}
	walk(e)
	return out
}

// Supports lets an expression be the right operand of AND and OR.
func (e *Expression) Supports(op Operator) bool {
	return op == OperatorAnd || op == OperatorOr || op == OperatorNot
}

func (*Expression) operand() {}

// String renders the expression in the criteria grammar; Parse accepts the
// output.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	var base string
	switch {
	case e.IsLeaf():
		base = quoteToken(e.rootToken)
	case e.operator == OperatorNot:
		base = "(NOT " + e.left.String() + ")"
	case e.operator == OperatorAnd || e.operator == OperatorOr:
		base = fmt.Sprintf("(%s %s %s)", e.left.String(), e.operator, e.right.String())
	default:
		base = fmt.Sprintf("%s %s %s", e.left.String(), e.operator.symbol(), e.right.String())
	}
	if e.transform == nil {
		return base
	}
	if !e.IsLeaf() {
		base = "(" + base + ")"
	}
	return e.transform.String() + " " + base
}

func quoteToken(token string) string {
	return "'" + strings.ReplaceAll(token, "'", "\\'") + "'"
}

// Transform is a post-processing directive attached to an expression.
type Transform struct {
	operator   Operator
	numResults int
	sortColumn string
}

func (t *Transform) TransformOperator() Operator { return t.operator }

// NumResults is the requested result count, or 0 when none was given.
func (t *Transform) NumResults() int { return t.numResults }

func (t *Transform) SortColumn() string { return t.sortColumn }

// limit is the number of results FIRST and LAST keep.
func (t *Transform) limit() int {
	if t.numResults > 0 {
		return t.numResults
	}
	return 1
}

func (t *Transform) String() string {
	var b strings.Builder
	if t.operator == OperatorNotExists {
		b.WriteString("NOT EXISTS")
	} else {
		b.WriteString(t.operator.String())
	}
	if t.numResults > 0 {
		b.WriteString(" " + strconv.Itoa(t.numResults))
	}
	if t.sortColumn != "" {
		b.WriteString(" BY " + t.sortColumn)
	}
	if t.numResults > 0 || t.sortColumn != "" {
		b.WriteString(" FROM")
	}
	return b.String()
}
