package logic

import (
	"errors"
	"testing"
)

func TestParse_LastLessThan(t *testing.T) {
	c, err := Parse("LAST 'CD4 COUNT' < 200")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := c.RootToken(); got != "CD4 COUNT" {
		t.Errorf("RootToken() = %q, want CD4 COUNT", got)
	}
	want := NewCriteria("CD4 COUNT").Last().LT(200)
	if c.String() != want.String() {
		t.Errorf("Parse = %q, want %q", c.String(), want.String())
	}
	e := c.Expression()
	if e.Operator() != OperatorLessThan {
		t.Errorf("Operator() = %s, want LT", e.Operator())
	}
	if tr := e.Left().Transform(); tr == nil || tr.TransformOperator() != OperatorLast {
		t.Errorf("left transform = %v, want LAST", tr)
	}
}

func TestParse_Equivalents(t *testing.T) {
	tests := []struct {
		text string
		want *Criteria
	}{
		{"'X'", NewCriteria("X")},
		{"{X}", NewCriteria("X")},
		{`"X"`, NewCriteria("X")},
		{"AGE > 18", NewCriteria("AGE").GT(18)},
		{"'AGE' GT 18", NewCriteria("AGE").GT(18)},
		{"'AGE' >= 18.5", NewCriteria("AGE").GTE(18.5)},
		{"'AGE' <> 3", NewCriteria("AGE").NotEqualTo(3)},
		{"'AGE' == 3", NewCriteria("AGE").EqualTo(3)},
		{"'GENDER' = 'F'", NewCriteria("GENDER").EqualTo("F")},
		{"'PROBLEM ADDED' CONTAINS 'HIV'", NewCriteria("PROBLEM ADDED").Contains("HIV")},
		{"'RETURN VISIT DATE' WITHIN 6 MONTHS", NewCriteria("RETURN VISIT DATE").Within(Months(6))},
		{"'X' WITHIN -2 weeks", NewCriteria("X").Within(Weeks(-2))},
		{"'X' AS OF TODAY", NewCriteria("X").Append(OperatorAsOf, Today())},
		{"'X' ASOF TODAY", NewCriteria("X").Append(OperatorAsOf, Today())},
		{"LATEST 'X'", NewCriteria("X").Last()},
		{"EARLIEST 'X'", NewCriteria("X").First()},
		{"FIRST 3 FROM 'X'", NewCriteria("X").FirstN(3)},
		{"LAST 2 BY value FROM 'X'", NewCriteria("X").LastNBy(2, "value")},
		{"COUNT 'X'", NewCriteria("X").Count()},
		{"AVG 'X'", NewCriteria("X").Average()},
		{"DISTINCT 'X'", NewCriteria("X").Distinct()},
		{"EXISTS 'X'", NewCriteria("X").Exists()},
		{"NOT EXISTS 'X'", NewCriteria("X").NotExists()},
		{"'X' IN (1, 2, 3)", NewCriteria("X").In(1, 2, 3)},
		{"@person.gender = 'M'", NewCriteria("@person.gender").EqualTo("M")},
		{"'O\\'BRIEN SCORE' > 1", NewCriteria("O'BRIEN SCORE").GT(1)},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.text, err)
			}
			if got.String() != tt.want.String() {
				t.Errorf("Parse(%q) = %q, want %q", tt.text, got.String(), tt.want.String())
			}
		})
	}
}

func TestParse_Precedence(t *testing.T) {
	tests := []struct {
		text string
		want *Criteria
	}{
		// AND binds tighter than OR.
		{"'A' OR 'B' AND 'C'", NewCriteria("A").Or(NewCriteria("B").And(NewCriteria("C")))},
		// Left associative.
		{"'A' AND 'B' AND 'C'", NewCriteria("A").And(NewCriteria("B")).And(NewCriteria("C"))},
		// NOT binds tighter than AND.
		{"NOT 'A' AND 'B'", NewCriteria("A").Not().And(NewCriteria("B"))},
		// Parentheses override.
		{"('A' OR 'B') AND 'C'", NewCriteria("A").Or(NewCriteria("B")).And(NewCriteria("C"))},
		// Comparisons bind tighter than NOT.
		{"NOT 'A' > 1", NewCriteria("A").GT(1).Not()},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.text, err)
			}
			if got.String() != tt.want.String() {
				t.Errorf("Parse(%q) = %q, want %q", tt.text, got.String(), tt.want.String())
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	inputs := []string{
		"LAST 'CD4 COUNT' < 200",
		"'CD4 COUNT' AS OF 2006-04-01 WITHIN 1 MONTH",
		"NOT ('A' OR 'B' > 3) AND LAST 3 FROM 'C'",
		"COUNT ('X' WITHIN 1 YEAR) > 2",
		"'X' IN ('a', 'b') OR NOT EXISTS 'Y'",
	}
	for _, in := range inputs {
		first, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		second, err := Parse(first.String())
		if err != nil {
			t.Fatalf("Parse(%q) of rendered form: %v", first.String(), err)
		}
		if first.String() != second.String() {
			t.Errorf("round trip changed %q to %q", first.String(), second.String())
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		text string
		pos  int
	}{
		{"", 0},
		{"'X' <", 5},
		{"'X' AND", 7},
		{"'unterminated", 0},
		{"'X' > 5 extra", 8},
		{"('X'", 4},
		{"'X' WITHIN 6 FORTNIGHTS", 13},
		{"'X' < 'abc'", 4},
		{"'X' BEFORE 5", 11},
		{"COUNT 3 'X'", 0},
		{"AND 'X'", 0},
		{"'X' # 1", 4},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			_, err := Parse(tt.text)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse(%q) error = %v, want *ParseError", tt.text, err)
			}
			if pe.Position != tt.pos {
				t.Errorf("Parse(%q) position = %d, want %d (%s)", tt.text, pe.Position, tt.pos, pe.Message)
			}
		})
	}
}
