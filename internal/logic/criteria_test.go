package logic

import (
	"errors"
	"testing"
	"time"
)

func TestCriteria_BuilderDoesNotMutateReceiver(t *testing.T) {
	c1, err := Parse("'X'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	before := c1.Expression()
	beforeText := c1.String()

	c2 := c1.LT(5)
	c3 := c1.Last().GT(1)

	if c1.Expression() != before {
		t.Fatal("expected receiver expression pointer to be unchanged")
	}
	if c1.String() != beforeText {
		t.Errorf("receiver rendered %q after derivation, want %q", c1.String(), beforeText)
	}
	if !c1.Expression().IsLeaf() || c1.Expression().Transform() != nil {
		t.Error("expected receiver to still be a bare leaf")
	}
	if c2.Expression().Left() != before {
		t.Error("expected derived criteria to share the receiver's expression as its left operand")
	}
	if c2.String() != "'X' < 5" {
		t.Errorf("c2 = %q", c2.String())
	}
	if c3.String() != "LAST 'X' > 1" {
		t.Errorf("c3 = %q", c3.String())
	}
}

func TestCriteria_TransformsDoNotGrowChain(t *testing.T) {
	c := NewCriteria("CD4 COUNT")
	first := c.FirstN(3)
	if first.Expression().Left() != nil {
		t.Error("expected transform to be attached without extending the chain")
	}
	if got := first.Expression().Transform().NumResults(); got != 3 {
		t.Errorf("NumResults() = %d, want 3", got)
	}
	if got := first.Expression().Transform().TransformOperator(); got != OperatorFirst {
		t.Errorf("TransformOperator() = %s, want FIRST", got)
	}
	count := c.Count()
	if got := count.Expression().Transform().TransformOperator(); got != OperatorCount {
		t.Errorf("TransformOperator() = %s, want COUNT", got)
	}
	if c.Expression().Transform() != nil {
		t.Error("expected receiver to carry no transform")
	}
}

func TestCriteria_LastBy(t *testing.T) {
	c := NewCriteria("WEIGHT").LastNBy(2, "value")
	tr := c.Expression().Transform()
	if tr.NumResults() != 2 || tr.SortColumn() != "value" {
		t.Errorf("transform = %+v", tr)
	}
	if got := c.String(); got != "LAST 2 BY value FROM 'WEIGHT'" {
		t.Errorf("String() = %q", got)
	}
}

func TestCriteria_RootToken(t *testing.T) {
	c := NewCriteria("CD4 COUNT").Last().LT(200).And(NewCriteria("HIV POSITIVE")).Not()
	if got := c.RootToken(); got != "CD4 COUNT" {
		t.Errorf("RootToken() = %q, want CD4 COUNT", got)
	}
	tokens := c.Expression().Tokens()
	if len(tokens) != 2 || tokens[0] != "CD4 COUNT" || tokens[1] != "HIV POSITIVE" {
		t.Errorf("Tokens() = %v", tokens)
	}
}

func TestCriteria_TypeMismatchIsRecorded(t *testing.T) {
	tests := []struct {
		name string
		c    *Criteria
	}{
		{"text less than", NewCriteria("X").LT("abc")},
		{"duration equals", NewCriteria("X").Append(OperatorEquals, Months(1))},
		{"number before", NewCriteria("X").Append(OperatorBefore, Number(3))},
		{"unsupported value", NewCriteria("X").EqualTo(struct{}{})},
		{"transform as comparison", NewCriteria("X").Append(OperatorCount, Number(1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.c.Err(), ErrTypeMismatch) {
				t.Errorf("Err() = %v, want ErrTypeMismatch", tt.c.Err())
			}
			// The error survives further building.
			if !errors.Is(tt.c.Last().GT(1).Err(), ErrTypeMismatch) {
				t.Error("expected error to propagate through derived criteria")
			}
		})
	}
}

func TestCriteria_Within(t *testing.T) {
	c := NewCriteria("RETURN VISIT DATE").Within(Months(6))
	if c.Err() != nil {
		t.Fatalf("Err() = %v", c.Err())
	}
	if c.Expression().Operator() != OperatorWithin {
		t.Errorf("Operator() = %s, want WITHIN", c.Expression().Operator())
	}
	if d, ok := c.Expression().Right().(Duration); !ok || d.InDays() != 180 {
		t.Errorf("Right() = %v", c.Expression().Right())
	}
}

func TestCriteria_InCollection(t *testing.T) {
	c := NewCriteria("STATUS").In("ACTIVE", "ON HOLD", 3)
	if c.Err() != nil {
		t.Fatalf("Err() = %v", c.Err())
	}
	if got := c.String(); got != "'STATUS' IN ('ACTIVE', 'ON HOLD', 3)" {
		t.Errorf("String() = %q", got)
	}
}

func TestCriteria_Parameters(t *testing.T) {
	params := map[string]any{"concept": "CD4"}
	c := NewCriteriaWithParameters("X", params)
	params["concept"] = "changed"
	if got := c.Parameters()["concept"]; got != "CD4" {
		t.Errorf("Parameters()[concept] = %v, want CD4", got)
	}
	d := c.GT(1)
	if got := d.Parameters()["concept"]; got != "CD4" {
		t.Errorf("derived Parameters()[concept] = %v, want CD4", got)
	}
}

func TestCriteria_DateComparisons(t *testing.T) {
	day := time.Date(2006, 4, 1, 0, 0, 0, 0, time.UTC)
	c := NewCriteria("CD4 COUNT").AsOf(day).Within(Months(1))
	if got := c.String(); got != "'CD4 COUNT' AS OF 2006-04-01 WITHIN 1 MONTHS" {
		t.Errorf("String() = %q", got)
	}
	if c.RootToken() != "CD4 COUNT" {
		t.Errorf("RootToken() = %q", c.RootToken())
	}
}
