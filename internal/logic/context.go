package logic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/logic/internal/logic/result"
)

// Registry resolves tokens and data-source names for a Context.
type Registry interface {
	GetRule(token string) (Rule, error)
	GetDataSource(name string) (DataSource, error)
}

// Recorder observes evaluation. Implementations must be safe for concurrent
// use.
type Recorder interface {
	CacheHit(token string)
	CacheMiss(token string)
	RuleEvaluated(token string, elapsed time.Duration, err error)
	EvalCompleted(rootToken string, elapsed time.Duration, err error)
	CohortCompleted(size int, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string) {}
func (nopRecorder) CacheMiss(string) {}
func (nopRecorder) RuleEvaluated(string, time.Duration, error) {}
func (nopRecorder) EvalCompleted(string, time.Duration, error) {}
func (nopRecorder) CohortCompleted(int, time.Duration, error) {}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithCache sets the cache rule results are stored in. Without one, results
// are cached in a MemoryCache owned by the context.
func WithCache(cache ResultCache) ContextOption {
	return func(c *Context) { c.cache = cache }
}

func WithLogger(logger zerolog.Logger) ContextOption {
	return func(c *Context) { c.logger = logger }
}

func WithRecorder(r Recorder) ContextOption {
	return func(c *Context) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithClock sets the clock the default index date is read from.
func WithClock(now func() time.Time) ContextOption {
	return func(c *Context) { c.now = now }
}

// WithIndexDate opens the session at t instead of the current time.
func WithIndexDate(t time.Time) ContextOption {
	return func(c *Context) { c.indexDate = t }
}

// Context is an evaluation session. It walks criteria trees for patients,
// resolves tokens through its registry, windows dated results relative to its
// index date and caches rule results by TTL.
//
// A Context is not safe for concurrent use. Create one per session; separate
// contexts share nothing except their registry and any cache passed in.
type Context struct {
	registry  Registry
	cache     ResultCache
	indexDate time.Time
	globals   map[string]any
	logger    zerolog.Logger
	recorder  Recorder
	now       func() time.Time

	// resolving is the chain of tokens currently being evaluated.
	resolving []string
}

// NewContext opens an evaluation session over registry. The index date
// defaults to the current time.
func NewContext(registry Registry, opts ...ContextOption) *Context {
	c := &Context{
		registry: registry,
		globals:  make(map[string]any),
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cache == nil {
		c.cache = NewMemoryCacheWithClock(c.now)
	}
	if c.indexDate.IsZero() {
		c.indexDate = c.now()
	}
	return c
}

// SetIndexDate moves the session's notion of "now", e.g. to evaluate criteria
// retrospectively.
func (c *Context) SetIndexDate(t time.Time) { c.indexDate = t }

func (c *Context) IndexDate() time.Time { return c.indexDate }

// Today is the index date truncated to midnight in its location.
func (c *Context) Today() time.Time {
	y, m, d := c.indexDate.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.indexDate.Location())
}

// SetGlobalParameter sets a parameter visible to every evaluation in the
// session. Criteria and call parameters of the same name take precedence.
func (c *Context) SetGlobalParameter(name string, value any) { c.globals[name] = value }

func (c *Context) GlobalParameter(name string) (any, bool) {
	v, ok := c.globals[name]
	return v, ok
}

func (c *Context) GlobalParameters() map[string]any {
	out := make(map[string]any, len(c.globals))
	for k, v := range c.globals {
		out[k] = v
	}
	return out
}

// Eval evaluates criteria for one patient. params override the criteria's own
// parameters, which override the session's global parameters.
//
// Any failure aborts the whole evaluation; no partial result is returned.
func (c *Context) Eval(ctx context.Context, patientID uuid.UUID, criteria *Criteria, params map[string]any) (result.Result, error) {
	if criteria == nil {
		return result.Empty(), errors.New("criteria is required")
	}
	if err := criteria.Err(); err != nil {
		return result.Empty(), err
	}
	merged := mergeParams(c.globals, criteria.params, params)
	return c.evalNode(ctx, patientID, criteria.expr, merged)
}

// EvalToken evaluates a single token. "@source.key" tokens are read straight
// from the data source and never cached.
func (c *Context) EvalToken(ctx context.Context, patientID uuid.UUID, token string, params map[string]any) (result.Result, error) {
	if source, key, ok := ParseDataSourceToken(token); ok {
		return c.Read(ctx, patientID, source, key, NewCriteria(token))
	}
	return c.Eval(ctx, patientID, NewCriteria(token), params)
}

// Read passes through to a registered data source, bypassing rules and the
// cache. The index date in effect, including one set by AS OF, travels on ctx.
func (c *Context) Read(ctx context.Context, patientID uuid.UUID, source, key string, criteria *Criteria) (result.Result, error) {
	if err := ctx.Err(); err != nil {
		return result.Empty(), err
	}
	ds, err := c.registry.GetDataSource(source)
	if err != nil {
		return result.Empty(), err
	}
	if criteria == nil {
		criteria = NewCriteria(key)
	}
	r, err := ds.Read(ContextWithIndexDate(ctx, c.indexDate), patientID, key, criteria)
	if err != nil {
		return result.Empty(), fmt.Errorf("read %s.%s: %w", source, key, err)
	}
	return r, nil
}

func (c *Context) evalNode(ctx context.Context, patientID uuid.UUID, e *Expression, params map[string]any) (result.Result, error) {
	var (
		r   result.Result
		err error
	)
	switch {
	case e.IsLeaf():
		r, err = c.resolveToken(ctx, patientID, e.rootToken, params)
	case e.operator == OperatorAsOf:
		r, err = c.evalAsOf(ctx, patientID, e, params)
	case e.operator == OperatorAnd || e.operator == OperatorOr:
		r, err = c.evalLogical(ctx, patientID, e, params)
	case e.operator == OperatorNot:
		r, err = c.evalNot(ctx, patientID, e, params)
	default:
		r, err = c.evalComparison(ctx, patientID, e, params)
	}
	if err != nil {
		return result.Empty(), err
	}
	if e.transform != nil {
		r = applyTransform(r, e.transform)
	}
	return r, nil
}

func (c *Context) resolveToken(ctx context.Context, patientID uuid.UUID, token string, params map[string]any) (result.Result, error) {
	if err := ctx.Err(); err != nil {
		return result.Empty(), err
	}
	if source, key, ok := ParseDataSourceToken(token); ok {
		return c.Read(ctx, patientID, source, key, NewCriteria(token))
	}
	for _, t := range c.resolving {
		if t == token {
			chain := append(append([]string(nil), c.resolving...), token)
			return result.Empty(), &CycleError{Chain: chain}
		}
	}

	rule, err := c.registry.GetRule(token)
	if err != nil {
		return result.Empty(), err
	}

	ttl := time.Duration(rule.TTL()) * time.Second
	key := NewCacheKey(patientID, token, params, c.indexDate)
	if ttl > 0 {
		cached, ok, err := c.cache.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Str("token", token).Msg("result cache read failed")
		case ok:
			c.logger.Debug().Str("token", token).Str("patient_id", patientID.String()).Msg("result cache hit")
			c.recorder.CacheHit(token)
			return cached, nil
		}
		c.recorder.CacheMiss(token)
	}

	c.resolving = append(c.resolving, token)
	start := time.Now()
	r, err := rule.Eval(ctx, c, patientID, params)
	c.resolving = c.resolving[:len(c.resolving)-1]
	c.recorder.RuleEvaluated(token, time.Since(start), err)
	if err != nil {
		return result.Empty(), fmt.Errorf("evaluate %q: %w", token, err)
	}

	if ttl > 0 {
		if err := c.cache.Set(ctx, key, r, ttl); err != nil {
			c.logger.Warn().Err(err).Str("token", token).Msg("result cache write failed")
		}
	}
	return r, nil
}

// evalAsOf evaluates the left subtree with the index date moved to the AS OF
// date and drops results dated after it.
func (c *Context) evalAsOf(ctx context.Context, patientID uuid.UUID, e *Expression, params map[string]any) (result.Result, error) {
	asOf := e.right.(DateOperand).Resolve(c.indexDate)

	saved := c.indexDate
	c.indexDate = asOf
	r, err := c.evalNode(ctx, patientID, e.left, params)
	c.indexDate = saved
	if err != nil {
		return result.Empty(), err
	}
	return filter(r, func(it result.Result) bool {
		d, ok := itemDate(it)
		return !ok || !d.After(asOf)
	}), nil
}

func (c *Context) evalLogical(ctx context.Context, patientID uuid.UUID, e *Expression, params map[string]any) (result.Result, error) {
	right, ok := e.right.(*Expression)
	if !ok {
		return result.Empty(), &TypeMismatchError{Operator: e.operator, Operand: e.right}
	}
	l, err := c.evalNode(ctx, patientID, e.left, params)
	if err != nil {
		return result.Empty(), err
	}
	r, err := c.evalNode(ctx, patientID, right, params)
	if err != nil {
		return result.Empty(), err
	}

	// Filters over the same token combine as sets; anything else as booleans.
	if e.left.RootToken() == right.RootToken() && l.Type() != result.DatatypeBoolean && r.Type() != result.DatatypeBoolean {
		if e.operator == OperatorAnd {
			return intersect(l, r), nil
		}
		return union(l, r), nil
	}
	if e.operator == OperatorAnd {
		return result.Bool(l.Exists() && r.Exists()), nil
	}
	return result.Bool(l.Exists() || r.Exists()), nil
}

func (c *Context) evalNot(ctx context.Context, patientID uuid.UUID, e *Expression, params map[string]any) (result.Result, error) {
	child, err := c.evalNode(ctx, patientID, e.left, params)
	if err != nil {
		return result.Empty(), err
	}
	if child.IsSingle() && child.Datatype == result.DatatypeBoolean {
		return result.Bool(!child.Boolean), nil
	}
	return result.Bool(!child.Exists()), nil
}

func (c *Context) evalComparison(ctx context.Context, patientID uuid.UUID, e *Expression, params map[string]any) (result.Result, error) {
	if err := CheckOperand(e.operator, e.right); err != nil {
		return result.Empty(), err
	}
	l, err := c.evalNode(ctx, patientID, e.left, params)
	if err != nil {
		return result.Empty(), err
	}
	idx := c.chainIndexDate(e.left)

	switch e.operator {
	case OperatorWithin:
		from, to := window(idx, e.right.(Duration))
		return filter(l, func(it result.Result) bool {
			d, ok := itemDate(it)
			return ok && !d.Before(from) && !d.After(to)
		}), nil
	case OperatorBefore:
		bound := e.right.(DateOperand).Resolve(idx)
		return filter(l, func(it result.Result) bool {
			d, ok := itemDate(it)
			return ok && d.Before(bound)
		}), nil
	case OperatorAfter:
		bound := e.right.(DateOperand).Resolve(idx)
		return filter(l, func(it result.Result) bool {
			d, ok := itemDate(it)
			return ok && d.After(bound)
		}), nil
	default:
		return filter(l, func(it result.Result) bool {
			return compareItem(e.operator, it, e.right, idx)
		}), nil
	}
}

// chainIndexDate returns the index date in effect for a comparison over e:
// the date of the nearest AS OF earlier in the same chain, else the session's.
// "'X' AS OF 2006-04-01 WITHIN 1 MONTH" therefore looks back from April 1.
func (c *Context) chainIndexDate(e *Expression) time.Time {
	for n := e; n != nil && !n.operator.IsLogical(); n = n.left {
		if n.operator == OperatorAsOf {
			return n.right.(DateOperand).Resolve(c.indexDate)
		}
	}
	return c.indexDate
}

// window returns the inclusive range a WITHIN duration covers. A positive
// duration looks back from the index date, a negative one looks forward.
func window(indexDate time.Time, d Duration) (time.Time, time.Time) {
	off := d.Offset()
	if off < 0 {
		return indexDate, indexDate.Add(-off)
	}
	return indexDate.Add(-off), indexDate
}

// itemDate is the date a result is windowed by: its result date, else its
// datetime value.
func itemDate(r result.Result) (time.Time, bool) {
	if !r.Date.IsZero() {
		return r.Date, true
	}
	if !r.Datetime.IsZero() {
		return r.Datetime, true
	}
	return time.Time{}, false
}

// filter keeps the values of r matching keep. A single value stays single.
func filter(r result.Result, keep func(result.Result) bool) result.Result {
	if r.IsEmpty() {
		return r
	}
	if r.IsSingle() {
		if keep(r) {
			return r
		}
		return result.Empty()
	}
	kept := make([]result.Result, 0, len(r.Items))
	for _, it := range r.Items {
		if keep(it) {
			kept = append(kept, it)
		}
	}
	return result.List(kept...)
}

func intersect(l, r result.Result) result.Result {
	rv := r.Values()
	return filter(l, func(it result.Result) bool {
		for _, o := range rv {
			if it.Equal(o) {
				return true
			}
		}
		return false
	})
}

func union(l, r result.Result) result.Result {
	out := l.Values()
	for _, it := range r.Values() {
		dup := false
		for _, o := range out {
			if it.Equal(o) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, it)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return result.List(out...)
}

func compareItem(op Operator, it result.Result, operand Operand, indexDate time.Time) bool {
	switch x := operand.(type) {
	case NumberOperand:
		v, ok := numericValue(it)
		return ok && compareOrdered(op, v, float64(x))
	case TextOperand:
		s, ok := textValue(it)
		if !ok {
			return false
		}
		want := string(x)
		switch op {
		case OperatorEquals:
			return strings.EqualFold(s, want)
		case OperatorNotEquals:
			return !strings.EqualFold(s, want)
		case OperatorContains:
			if it.Datatype == result.DatatypeCoded {
				return strings.EqualFold(s, want)
			}
			return strings.Contains(strings.ToLower(s), strings.ToLower(want))
		}
		return false
	case DateOperand:
		v := it.ToDatetime()
		if v.IsZero() {
			return false
		}
		return compareOrdered(op, v.UnixNano(), x.Resolve(indexDate).UnixNano())
	case Collection:
		for _, el := range x {
			if compareItem(OperatorEquals, it, el, indexDate) {
				return true
			}
		}
		return false
	}
	return false
}

func compareOrdered[T int64 | float64](op Operator, a, b T) bool {
	switch op {
	case OperatorEquals, OperatorContains:
		return a == b
	case OperatorNotEquals:
		return a != b
	case OperatorLessThan:
		return a < b
	case OperatorLessThanEquals:
		return a <= b
	case OperatorGreaterThan:
		return a > b
	case OperatorGreaterThanEquals:
		return a >= b
	}
	return false
}

func numericValue(r result.Result) (float64, bool) {
	switch r.Datatype {
	case result.DatatypeNumeric:
		return r.Number, true
	case result.DatatypeText:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Text), 64)
		return f, err == nil
	}
	return 0, false
}

func textValue(r result.Result) (string, bool) {
	switch r.Datatype {
	case result.DatatypeText:
		return r.Text, true
	case result.DatatypeCoded:
		return r.Code, true
	}
	return "", false
}

func applyTransform(r result.Result, t *Transform) result.Result {
	switch t.operator {
	case OperatorCount:
		return result.Number(float64(r.Len()))
	case OperatorAverage:
		var sum float64
		var n int
		for _, it := range r.Values() {
			if v, ok := numericValue(it); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			return result.Empty()
		}
		return result.Number(sum / float64(n))
	case OperatorDistinct:
		return r.Unique()
	case OperatorExists:
		return result.Bool(r.Exists())
	case OperatorNotExists:
		return result.Bool(!r.Exists())
	case OperatorFirst, OperatorLast:
		vals := sortValues(r, t.sortColumn)
		if len(vals) == 0 {
			return result.Empty()
		}
		if t.operator == OperatorLast {
			for i, j := 0, len(vals)-1; i < j; i, j = i+1, j-1 {
				vals[i], vals[j] = vals[j], vals[i]
			}
		}
		if n := t.limit(); n < len(vals) {
			vals = vals[:n]
		}
		if len(vals) == 1 {
			return vals[0]
		}
		return result.List(vals...)
	}
	return r
}

// sortValues orders the values of r ascending by column: "value" sorts by the
// value itself, anything else by result date.
func sortValues(r result.Result, column string) []result.Result {
	if !strings.EqualFold(column, "value") {
		return r.SortByDate()
	}
	vals := r.Values()
	sort.SliceStable(vals, func(i, j int) bool {
		a, aok := numericValue(vals[i])
		b, bok := numericValue(vals[j])
		if aok && bok {
			return a < b
		}
		return vals[i].String() < vals[j].String()
	})
	return vals
}

// mergeParams layers parameter maps; later maps win.
func mergeParams(layers ...map[string]any) map[string]any {
	n := 0
	for _, l := range layers {
		n += len(l)
	}
	if n == 0 {
		return nil
	}
	out := make(map[string]any, n)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}
