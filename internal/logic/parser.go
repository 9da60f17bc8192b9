package logic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Criteria grammar
//
//   expr       -> orExpr
//   orExpr     -> andExpr ("OR" andExpr)*
//   andExpr    -> unaryExpr ("AND" unaryExpr)*
//   unaryExpr  -> "NOT" unaryExpr | comparison
//   comparison -> operand (compareOp)*
//   operand    -> transform operand | primary
//   transform  -> ("FIRST"|"EARLIEST"|"LAST"|"LATEST"|"COUNT"|"AVERAGE"|"AVG"|
//                  "DISTINCT"|"EXISTS"|"EXIST"|"NOT" "EXISTS") [N] ["BY" column] ["FROM"]
//   primary    -> "(" expr ")" | 'quoted token' | {braced token} | WORD
//   compareOp  -> ("="|"=="|"!="|"<>"|"<"|"<="|">"|">="|"EQUALS"|"LT"|...) value
//               | "CONTAINS" value | "IN" "(" value ("," value)* ")"
//               | ("BEFORE"|"AFTER"|"AS" "OF"|"ASOF") date
//               | "WITHIN" ["-"]N unit
//
// NOT binds tighter than AND, AND tighter than OR; both binary operators are
// left-associative. Comparisons bind tighter than NOT.
// ---------------------------------------------------------------------------

type lexKind int

const (
	lexEOF lexKind = iota
	lexWord
	lexString
	lexNumber
	lexDate
	lexSymbol
	lexLParen
	lexRParen
	lexComma
)

type lexeme struct {
	kind  lexKind
	text  string
	pos   int
	num   float64
	date  time.Time
	upper string
}

func isWordStart(ch byte) bool {
	return ch == '_' || ch == '@' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isWordChar(ch byte) bool {
	return isWordStart(ch) || ch == '.' || (ch >= '0' && ch <= '9')
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

// lexCriteria splits criteria text into lexemes. The final lexeme is always
// lexEOF positioned at the end of the input.
func lexCriteria(text string) ([]lexeme, error) {
	var out []lexeme
	i, n := 0, len(text)

	for i < n {
		ch := text[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++

		case ch == '(':
			out = append(out, lexeme{kind: lexLParen, text: "(", pos: i})
			i++
		case ch == ')':
			out = append(out, lexeme{kind: lexRParen, text: ")", pos: i})
			i++
		case ch == ',':
			out = append(out, lexeme{kind: lexComma, text: ",", pos: i})
			i++

		case ch == '\'' || ch == '"':
			var b strings.Builder
			j := i + 1
			for j < n && text[j] != ch {
				if text[j] == '\\' && j+1 < n {
					j++
				}
				b.WriteByte(text[j])
				j++
			}
			if j >= n {
				return nil, &ParseError{Position: i, Message: "unterminated quoted string"}
			}
			out = append(out, lexeme{kind: lexString, text: b.String(), pos: i})
			i = j + 1

		case ch == '{':
			j := strings.IndexByte(text[i+1:], '}')
			if j < 0 {
				return nil, &ParseError{Position: i, Message: "unterminated {token}"}
			}
			out = append(out, lexeme{kind: lexString, text: strings.TrimSpace(text[i+1 : i+1+j]), pos: i})
			i = i + j + 2

		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			j := i + 1
			if j < n && (text[j] == '=' || (ch == '<' && text[j] == '>')) {
				j++
			}
			sym := text[i:j]
			if sym == "!" {
				return nil, &ParseError{Position: i, Message: "unexpected '!'"}
			}
			out = append(out, lexeme{kind: lexSymbol, text: sym, pos: i})
			i = j

		case isDigit(ch) || (ch == '-' && i+1 < n && isDigit(text[i+1])):
			lx, next, err := lexNumberOrDate(text, i)
			if err != nil {
				return nil, err
			}
			out = append(out, lx)
			i = next

		case isWordStart(ch):
			j := i
			for j < n && isWordChar(text[j]) {
				j++
			}
			w := text[i:j]
			out = append(out, lexeme{kind: lexWord, text: w, upper: strings.ToUpper(w), pos: i})
			i = j

		default:
			return nil, &ParseError{Position: i, Message: fmt.Sprintf("unexpected character %q", ch)}
		}
	}

	out = append(out, lexeme{kind: lexEOF, pos: n})
	return out, nil
}

func lexNumberOrDate(text string, start int) (lexeme, int, error) {
	n := len(text)
	j := start
	if text[j] == '-' {
		j++
	}
	for j < n && isDigit(text[j]) {
		j++
	}
	// YYYY-MM-DD
	if text[start] != '-' && j-start == 4 && j+1 < n && text[j] == '-' && isDigit(text[j+1]) {
		k := j + 1
		for k < n && (isDigit(text[k]) || text[k] == '-') {
			k++
		}
		lit := text[start:k]
		d, err := time.Parse("2006-1-2", lit)
		if err != nil {
			return lexeme{}, 0, &ParseError{Position: start, Message: fmt.Sprintf("invalid date %q", lit)}
		}
		return lexeme{kind: lexDate, text: lit, pos: start, date: d}, k, nil
	}
	if j < n && text[j] == '.' {
		j++
		for j < n && isDigit(text[j]) {
			j++
		}
	}
	lit := text[start:j]
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return lexeme{}, 0, &ParseError{Position: start, Message: fmt.Sprintf("invalid number %q", lit)}
	}
	return lexeme{kind: lexNumber, text: lit, pos: start, num: f}, j, nil
}

var transformKeywords = map[string]Operator{
	"FIRST":    OperatorFirst,
	"EARLIEST": OperatorFirst,
	"LAST":     OperatorLast,
	"LATEST":   OperatorLast,
	"COUNT":    OperatorCount,
	"AVERAGE":  OperatorAverage,
	"AVG":      OperatorAverage,
	"DISTINCT": OperatorDistinct,
	"EXISTS":   OperatorExists,
	"EXIST":    OperatorExists,
}

var compareWords = map[string]Operator{
	"EQUALS":   OperatorEquals,
	"EQ":       OperatorEquals,
	"NE":       OperatorNotEquals,
	"LT":       OperatorLessThan,
	"LTE":      OperatorLessThanEquals,
	"LE":       OperatorLessThanEquals,
	"GT":       OperatorGreaterThan,
	"GTE":      OperatorGreaterThanEquals,
	"GE":       OperatorGreaterThanEquals,
	"CONTAINS": OperatorContains,
	"IN":       OperatorIn,
	"BEFORE":   OperatorBefore,
	"AFTER":    OperatorAfter,
	"ASOF":     OperatorAsOf,
	"AS":       OperatorAsOf,
	"WITHIN":   OperatorWithin,
}

var compareSymbols = map[string]Operator{
	"=":  OperatorEquals,
	"==": OperatorEquals,
	"!=": OperatorNotEquals,
	"<>": OperatorNotEquals,
	"<":  OperatorLessThan,
	"<=": OperatorLessThanEquals,
	">":  OperatorGreaterThan,
	">=": OperatorGreaterThanEquals,
}

// reserved words cannot be used as bare tokens; quote them instead.
var reservedWords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "FROM": true, "BY": true, "OF": true, "TODAY": true,
}

func isReserved(upper string) bool {
	if reservedWords[upper] {
		return true
	}
	if _, ok := transformKeywords[upper]; ok {
		return true
	}
	_, ok := compareWords[upper]
	return ok
}

type criteriaParser struct {
	lex []lexeme
	pos int
}

// Parse compiles criteria text into the equivalent chain of builder calls.
// "LAST 'CD4 COUNT' < 200" yields NewCriteria("CD4 COUNT").Last().LT(200).
// Malformed input fails with a *ParseError.
func Parse(text string) (*Criteria, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Position: 0, Message: "empty criteria"}
	}
	lex, err := lexCriteria(text)
	if err != nil {
		return nil, err
	}
	p := &criteriaParser{lex: lex}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != lexEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return c, nil
}

func (p *criteriaParser) peek() lexeme { return p.lex[p.pos] }

func (p *criteriaParser) peekAt(offset int) lexeme {
	if p.pos+offset >= len(p.lex) {
		return p.lex[len(p.lex)-1]
	}
	return p.lex[p.pos+offset]
}

func (p *criteriaParser) advance() lexeme {
	t := p.lex[p.pos]
	if t.kind != lexEOF {
		p.pos++
	}
	return t
}

func (p *criteriaParser) isWord(t lexeme, upper string) bool {
	return t.kind == lexWord && t.upper == upper
}

func (p *criteriaParser) errorf(t lexeme, format string, args ...any) *ParseError {
	msg := fmt.Sprintf(format, args...)
	if t.kind == lexEOF {
		msg = "unexpected end of criteria: " + msg
	}
	return &ParseError{Position: t.pos, Message: msg}
}

func (p *criteriaParser) parseOr() (*Criteria, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isWord(p.peek(), "OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = left.Or(right)
	}
	return left, nil
}

func (p *criteriaParser) parseAnd() (*Criteria, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isWord(p.peek(), "AND") {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = left.And(right)
	}
	return left, nil
}

func (p *criteriaParser) parseUnary() (*Criteria, error) {
	t := p.peek()
	if p.isWord(t, "NOT") {
		next := p.peekAt(1)
		if p.isWord(next, "EXISTS") || p.isWord(next, "EXIST") {
			return p.parseComparison()
		}
		p.advance()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return child.Not(), nil
	}
	return p.parseComparison()
}

func (p *criteriaParser) parseComparison() (*Criteria, error) {
	c, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op Operator
		var ok bool
		switch t.kind {
		case lexSymbol:
			op, ok = compareSymbols[t.text]
		case lexWord:
			op, ok = compareWords[t.upper]
		}
		if !ok {
			return c, nil
		}
		p.advance()
		if c, err = p.applyComparison(c, op, t); err != nil {
			return nil, err
		}
	}
}

func (p *criteriaParser) applyComparison(c *Criteria, op Operator, at lexeme) (*Criteria, error) {
	var next *Criteria
	switch op {
	case OperatorIn:
		coll, err := p.parseCollection()
		if err != nil {
			return nil, err
		}
		next = c.Append(OperatorIn, coll)

	case OperatorAsOf:
		if at.upper == "AS" {
			if !p.isWord(p.peek(), "OF") {
				return nil, p.errorf(p.peek(), "expected OF after AS")
			}
			p.advance()
		}
		d, err := p.parseDate()
		if err != nil {
			return nil, err
		}
		next = c.Append(OperatorAsOf, d)

	case OperatorBefore, OperatorAfter:
		d, err := p.parseDate()
		if err != nil {
			return nil, err
		}
		next = c.Append(op, d)

	case OperatorWithin:
		d, err := p.parseDuration()
		if err != nil {
			return nil, err
		}
		next = c.Append(OperatorWithin, d)

	default:
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		next = c.Append(op, v)
	}
	if next.Err() != nil && c.Err() == nil {
		return nil, &ParseError{Position: at.pos, Message: next.Err().Error()}
	}
	return next, nil
}

func (p *criteriaParser) parseOperand() (*Criteria, error) {
	t := p.peek()
	op, isTransform := Operator(0), false
	if t.kind == lexWord {
		op, isTransform = transformKeywords[t.upper]
		if next := p.peekAt(1); p.isWord(t, "NOT") && (p.isWord(next, "EXISTS") || p.isWord(next, "EXIST")) {
			p.advance()
			op, isTransform = OperatorNotExists, true
		}
	}
	if !isTransform {
		return p.parsePrimary()
	}
	p.advance()

	n := 0
	if t := p.peek(); t.kind == lexNumber {
		if t.num < 1 || t.num != float64(int(t.num)) {
			return nil, p.errorf(t, "result count must be a positive whole number, got %s", t.text)
		}
		n = int(t.num)
		p.advance()
	}
	sortColumn := ""
	if p.isWord(p.peek(), "BY") {
		p.advance()
		col := p.advance()
		if col.kind != lexWord && col.kind != lexString {
			return nil, p.errorf(col, "expected sort column after BY")
		}
		sortColumn = col.text
	}
	if p.isWord(p.peek(), "FROM") {
		p.advance()
	}
	if (n > 0 || sortColumn != "") && op != OperatorFirst && op != OperatorLast {
		return nil, p.errorf(t, "%s does not take a result count or sort column", op)
	}

	inner, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if inner.Expression().Transform() != nil {
		return nil, p.errorf(t, "expression already has a %s transform", inner.Expression().Transform().TransformOperator())
	}
	return inner.transform(op, n, sortColumn), nil
}

func (p *criteriaParser) parsePrimary() (*Criteria, error) {
	t := p.peek()
	switch t.kind {
	case lexLParen:
		p.advance()
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if r := p.peek(); r.kind != lexRParen {
			return nil, p.errorf(r, "expected ')'")
		}
		p.advance()
		return c, nil
	case lexString:
		p.advance()
		if t.text == "" {
			return nil, p.errorf(t, "empty token")
		}
		return NewCriteria(t.text), nil
	case lexWord:
		if isReserved(t.upper) {
			return nil, p.errorf(t, "unexpected keyword %s, quote it to use it as a token", t.text)
		}
		p.advance()
		return NewCriteria(t.text), nil
	default:
		return nil, p.errorf(t, "expected a token or '('")
	}
}

func (p *criteriaParser) parseValue() (Operand, error) {
	t := p.advance()
	switch t.kind {
	case lexNumber:
		return NumberOperand(t.num), nil
	case lexString:
		return TextOperand(t.text), nil
	case lexDate:
		return Date(t.date), nil
	case lexWord:
		if t.upper == "TODAY" {
			return Today(), nil
		}
	}
	return nil, p.errorf(t, "expected a number, quoted text or date")
}

func (p *criteriaParser) parseDate() (DateOperand, error) {
	t := p.advance()
	switch {
	case t.kind == lexDate:
		return Date(t.date), nil
	case p.isWord(t, "TODAY"):
		return Today(), nil
	}
	return DateOperand{}, p.errorf(t, "expected a date (YYYY-MM-DD) or TODAY")
}

func (p *criteriaParser) parseDuration() (Duration, error) {
	t := p.advance()
	if t.kind != lexNumber {
		return Duration{}, p.errorf(t, "expected a duration magnitude")
	}
	u := p.advance()
	if u.kind != lexWord {
		return Duration{}, p.errorf(u, "expected a duration unit")
	}
	unit, ok := ParseDurationUnit(u.text)
	if !ok {
		return Duration{}, p.errorf(u, "unknown duration unit %q", u.text)
	}
	return NewDuration(t.num, unit), nil
}

func (p *criteriaParser) parseCollection() (Collection, error) {
	if t := p.advance(); t.kind != lexLParen {
		return nil, p.errorf(t, "expected '(' after IN")
	}
	var coll Collection
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		coll = append(coll, v)
		t := p.advance()
		if t.kind == lexRParen {
			return coll, nil
		}
		if t.kind != lexComma {
			return nil, p.errorf(t, "expected ',' or ')'")
		}
	}
}
