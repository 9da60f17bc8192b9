package logic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/logic/internal/logic/result"
)

const tracerName = "github.com/ehr/logic/internal/logic"

// Options tunes a Service.
type Options struct {
	// EvalTimeout bounds every Eval* call. Zero means no bound.
	EvalTimeout time.Duration

	// BatchWorkers caps the patients evaluated concurrently by EvalCohort.
	BatchWorkers int

	// Cache returns the result cache for a new evaluation session. When nil
	// each session caches in its own MemoryCache.
	Cache func() ResultCache

	Recorder Recorder
}

// Service is the process-wide rule registry: token to rule, token to tags and
// name to data source. It is safe for concurrent use; lookups take a read
// lock and mutations a write lock.
type Service struct {
	mu          sync.RWMutex
	rules       map[string]Rule
	tokenTags   map[string]map[string]struct{}
	tagTokens   map[string]map[string]struct{}
	dataSources map[string]DataSource

	logger   zerolog.Logger
	opts     Options
	recorder Recorder
	tracer   trace.Tracer
}

// NewService creates an empty registry.
func NewService(logger zerolog.Logger, opts Options) *Service {
	if opts.BatchWorkers <= 0 {
		opts.BatchWorkers = 8
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{
		rules:       make(map[string]Rule),
		tokenTags:   make(map[string]map[string]struct{}),
		tagTokens:   make(map[string]map[string]struct{}),
		dataSources: make(map[string]DataSource),
		logger:      logger.With().Str("component", "logic").Logger(),
		opts:        opts,
		recorder:    rec,
		tracer:      otel.Tracer(tracerName),
	}
}

// Close drops every registered rule, tag and data source.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make(map[string]Rule)
	s.tokenTags = make(map[string]map[string]struct{})
	s.tagTokens = make(map[string]map[string]struct{})
	s.dataSources = make(map[string]DataSource)
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

// AddRule registers rule under token, replacing any rule already registered.
func (s *Service) AddRule(token string, rule Rule) error {
	if err := validateRule(token, rule); err != nil {
		return err
	}
	s.mu.Lock()
	_, replaced := s.rules[token]
	s.rules[token] = rule
	s.mu.Unlock()

	s.logger.Debug().Str("token", token).Str("kind", string(rule.Kind())).Bool("replaced", replaced).Msg("rule registered")
	return nil
}

// AddRuleWithTags registers rule under token and tags it.
func (s *Service) AddRuleWithTags(token string, tags []string, rule Rule) error {
	if err := validateRule(token, rule); err != nil {
		return err
	}
	s.mu.Lock()
	s.rules[token] = rule
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			s.tagLocked(token, tag)
		}
	}
	s.mu.Unlock()

	s.logger.Debug().Str("token", token).Strs("tags", tags).Msg("rule registered")
	return nil
}

func validateRule(token string, rule Rule) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token is required")
	}
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	for _, dep := range rule.Dependencies() {
		if dep == token {
			return &CycleError{Chain: []string{token, token}}
		}
	}
	return nil
}

// UpdateRule replaces the rule registered under token. The token must already
// be registered.
func (s *Service) UpdateRule(token string, rule Rule) error {
	if err := validateRule(token, rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[token]; !ok {
		return &TokenError{Token: token}
	}
	s.rules[token] = rule
	return nil
}

// RemoveRule unregisters token and drops its tags.
func (s *Service) RemoveRule(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[token]; !ok {
		return &TokenError{Token: token}
	}
	delete(s.rules, token)
	for tag := range s.tokenTags[token] {
		s.untagLocked(token, tag)
	}
	s.logger.Debug().Str("token", token).Msg("rule removed")
	return nil
}

// GetRule returns the rule registered under token.
func (s *Service) GetRule(token string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[token]
	if !ok {
		return nil, &TokenError{Token: token}
	}
	return r, nil
}

func (s *Service) HasRule(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rules[token]
	return ok
}

// AllTokens returns every registered token, sorted.
func (s *Service) AllTokens() []string {
	return s.Tokens("")
}

// Tokens returns the registered tokens containing partial, case-insensitively
// and sorted. An empty partial matches everything.
func (s *Service) Tokens(partial string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matchKeys(s.rules, partial)
}

func (s *Service) DefaultDatatype(token string) (result.Datatype, error) {
	r, err := s.GetRule(token)
	if err != nil {
		return result.DatatypeNone, err
	}
	return r.DefaultDatatype(), nil
}

func (s *Service) ParameterList(token string) ([]ParameterInfo, error) {
	r, err := s.GetRule(token)
	if err != nil {
		return nil, err
	}
	return r.Parameters(), nil
}

// ---------------------------------------------------------------------------
// Tags
// ---------------------------------------------------------------------------

func (s *Service) AddTokenTag(token, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fmt.Errorf("tag is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[token]; !ok {
		return &TokenError{Token: token}
	}
	s.tagLocked(token, tag)
	return nil
}

// RemoveTokenTag untags token. Removing a tag the token does not carry is not
// an error.
func (s *Service) RemoveTokenTag(token, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[token]; !ok {
		return &TokenError{Token: token}
	}
	s.untagLocked(token, tag)
	return nil
}

func (s *Service) TokenTags(token string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedSet(s.tokenTags[token])
}

func (s *Service) TokensWithTag(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedSet(s.tagTokens[tag])
}

// Tags returns the tags containing partial, case-insensitively and sorted.
func (s *Service) Tags(partial string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matchKeys(s.tagTokens, partial)
}

func (s *Service) tagLocked(token, tag string) {
	if s.tokenTags[token] == nil {
		s.tokenTags[token] = make(map[string]struct{})
	}
	if s.tagTokens[tag] == nil {
		s.tagTokens[tag] = make(map[string]struct{})
	}
	s.tokenTags[token][tag] = struct{}{}
	s.tagTokens[tag][token] = struct{}{}
}

func (s *Service) untagLocked(token, tag string) {
	if set, ok := s.tokenTags[token]; ok {
		delete(set, tag)
		if len(set) == 0 {
			delete(s.tokenTags, token)
		}
	}
	if set, ok := s.tagTokens[tag]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(s.tagTokens, tag)
		}
	}
}

func matchKeys[V any](m map[string]V, partial string) []string {
	needle := strings.ToLower(strings.TrimSpace(partial))
	out := make([]string, 0, len(m))
	for k := range m {
		if needle == "" || strings.Contains(strings.ToLower(k), needle) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Data sources
// ---------------------------------------------------------------------------

func (s *Service) RegisterDataSource(name string, ds DataSource) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("data source name is required")
	}
	if ds == nil {
		return fmt.Errorf("data source is required")
	}
	s.mu.Lock()
	s.dataSources[name] = ds
	s.mu.Unlock()
	s.logger.Debug().Str("data_source", name).Msg("data source registered")
	return nil
}

func (s *Service) GetDataSource(name string) (DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.dataSources[name]
	if !ok {
		return nil, &DataSourceError{DataSource: name}
	}
	return ds, nil
}

// DataSources returns the registered data-source names, sorted.
func (s *Service) DataSources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matchKeys(s.dataSources, "")
}

func (s *Service) RemoveDataSource(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dataSources[name]; !ok {
		return &DataSourceError{DataSource: name}
	}
	delete(s.dataSources, name)
	return nil
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// Parse compiles criteria text.
func (s *Service) Parse(text string) (*Criteria, error) {
	return Parse(text)
}

// NewContext opens an evaluation session resolving against s.
func (s *Service) NewContext(opts ...ContextOption) *Context {
	base := []ContextOption{WithLogger(s.logger), WithRecorder(s.recorder)}
	if s.opts.Cache != nil {
		base = append(base, WithCache(s.opts.Cache()))
	}
	return NewContext(s, append(base, opts...)...)
}

// Eval evaluates criteria for one patient in a fresh session.
func (s *Service) Eval(ctx context.Context, patientID uuid.UUID, criteria *Criteria, params map[string]any) (result.Result, error) {
	return s.EvalInContext(ctx, s.NewContext(), patientID, criteria, params)
}

// EvalInContext evaluates criteria in an existing session, bounded by the
// configured timeout.
func (s *Service) EvalInContext(ctx context.Context, lc *Context, patientID uuid.UUID, criteria *Criteria, params map[string]any) (result.Result, error) {
	if criteria == nil {
		return result.Empty(), fmt.Errorf("criteria is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	root := criteria.RootToken()
	ctx, span := s.tracer.Start(ctx, "logic.Eval", trace.WithAttributes(
		attribute.String("logic.root_token", root),
		attribute.String("logic.patient_id", patientID.String()),
	))
	defer span.End()

	start := time.Now()
	r, err := lc.Eval(ctx, patientID, criteria, params)
	err = s.evalError(ctx, err)
	s.recorder.EvalCompleted(root, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn().Err(err).Str("token", root).Str("patient_id", patientID.String()).Msg("evaluation failed")
		return result.Empty(), err
	}
	return r, nil
}

// EvalToken evaluates a single token, including "@source.key" references.
func (s *Service) EvalToken(ctx context.Context, patientID uuid.UUID, token string, params map[string]any) (result.Result, error) {
	return s.Eval(ctx, patientID, NewCriteria(token), params)
}

// EvalString evaluates text as a registered token when one matches exactly,
// otherwise as criteria text.
func (s *Service) EvalString(ctx context.Context, patientID uuid.UUID, text string, params map[string]any) (result.Result, error) {
	if s.HasRule(text) {
		return s.EvalToken(ctx, patientID, text, params)
	}
	c, err := Parse(text)
	if err != nil {
		return result.Empty(), err
	}
	return s.Eval(ctx, patientID, c, params)
}

// EvalMany evaluates several criteria for one patient in a single session so
// rule results are shared between them.
func (s *Service) EvalMany(ctx context.Context, patientID uuid.UUID, criteria []*Criteria, params map[string]any) (map[*Criteria]result.Result, error) {
	lc := s.NewContext()
	out := make(map[*Criteria]result.Result, len(criteria))
	for _, c := range criteria {
		r, err := s.EvalInContext(ctx, lc, patientID, c, params)
		if err != nil {
			return nil, err
		}
		out[c] = r
	}
	return out, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.EvalTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.EvalTimeout)
}

// evalError maps a deadline hit to ErrEvaluationTimeout.
func (s *Service) evalError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrEvaluationTimeout, err)
	}
	return err
}
