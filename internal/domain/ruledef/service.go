package ruledef

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/logic/internal/logic"
	"github.com/ehr/logic/internal/platform/events"
)

// Invalidator drops cached results of a token. resultcache.Redis satisfies it.
type Invalidator interface {
	InvalidateToken(ctx context.Context, token string) (int, error)
}

// EventRecorder counts registry events. metrics.Metrics satisfies it.
type EventRecorder interface {
	RegistryEvent(direction, eventType string)
}

// Listener is told about every registry change this process applies, local
// or remote. websocket.Hub satisfies it.
type Listener interface {
	Notify(evt events.Event)
}

// Service keeps the durable rule store and the in-memory logic registry in
// step. Every mutation is written to the repository first, then applied to
// the registry, then announced on the bus.
type Service struct {
	repo        Repository
	engine      *logic.Service
	bus         events.Bus
	invalidator Invalidator
	recorder    EventRecorder
	listeners   []Listener
	defaultTTL  int
	logger      zerolog.Logger
}

type Option func(*Service)

func WithBus(bus events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

func WithEventRecorder(r EventRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithListener(l Listener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// WithDefaultTTL sets the TTL given to definitions created without one.
func WithDefaultTTL(seconds int) Option {
	return func(s *Service) { s.defaultTTL = seconds }
}

func NewService(repo Repository, engine *logic.Service, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		engine: engine,
		logger: logger.With().Str("component", "ruledef").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load registers every stored definition. Definitions that fail to compile
// are logged and skipped; the count of registered rules is returned.
func (s *Service) Load(ctx context.Context) (int, error) {
	defs, err := s.repo.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rule definitions: %w", err)
	}
	n := 0
	for _, d := range defs {
		if err := s.register(d); err != nil {
			s.logger.Warn().Err(err).Str("token", d.Token).Msg("skipping rule definition")
			continue
		}
		n++
	}
	s.logger.Info().Int("loaded", n).Int("stored", len(defs)).Msg("rule definitions loaded")
	return n, nil
}

// register compiles d and installs it in the registry with exactly d.Tags.
func (s *Service) register(d *Definition) error {
	rule, err := d.Compile()
	if err != nil {
		return err
	}
	if !s.engine.HasRule(d.Token) {
		return s.engine.AddRuleWithTags(d.Token, d.Tags, rule)
	}
	if err := s.engine.UpdateRule(d.Token, rule); err != nil {
		return err
	}
	for _, tag := range s.engine.TokenTags(d.Token) {
		if !d.HasTag(tag) {
			if err := s.engine.RemoveTokenTag(d.Token, tag); err != nil {
				return err
			}
		}
	}
	for _, tag := range d.Tags {
		if err := s.engine.AddTokenTag(d.Token, tag); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) unregister(ctx context.Context, token string) {
	if err := s.engine.RemoveRule(token); err != nil && !errors.Is(err, logic.ErrTokenNotFound) {
		s.logger.Warn().Err(err).Str("token", token).Msg("remove rule")
	}
	s.invalidate(ctx, token)
}

func (s *Service) invalidate(ctx context.Context, token string) {
	if s.invalidator == nil {
		return
	}
	n, err := s.invalidator.InvalidateToken(ctx, token)
	if err != nil {
		s.logger.Warn().Err(err).Str("token", token).Msg("result cache invalidation failed")
		return
	}
	s.logger.Debug().Str("token", token).Int("entries", n).Msg("result cache invalidated")
}

func (s *Service) notify(evt events.Event) {
	for _, l := range s.listeners {
		l.Notify(evt)
	}
}

func (s *Service) publish(ctx context.Context, t events.Type, token, tag string) {
	evt := events.NewEvent(t, token, tag)
	s.notify(evt)
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("event", string(t)).Str("token", token).Msg("publish registry event")
		return
	}
	if s.recorder != nil {
		s.recorder.RegistryEvent("published", string(t))
	}
}

func (s *Service) prepare(d *Definition) error {
	d.Normalize()
	if d.TTLSeconds == 0 {
		d.TTLSeconds = s.defaultTTL
	}
	_, err := d.Compile()
	return err
}

func (s *Service) Create(ctx context.Context, d *Definition) error {
	if err := s.prepare(d); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return err
	}
	if err := s.register(d); err != nil {
		return err
	}
	s.logger.Info().Str("token", d.Token).Str("kind", string(d.Kind)).Msg("rule definition created")
	s.publish(ctx, events.RuleAdded, d.Token, "")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByToken(ctx context.Context, token string) (*Definition, error) {
	return s.repo.GetByToken(ctx, token)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Definition, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Update replaces the definition with d.ID. Renaming a token removes the old
// token from the registry.
func (s *Service) Update(ctx context.Context, d *Definition) error {
	if err := s.prepare(d); err != nil {
		return err
	}
	prev, err := s.repo.GetByID(ctx, d.ID)
	if err != nil {
		return err
	}
	if err := s.repo.Update(ctx, d); err != nil {
		return err
	}
	if prev.Token != d.Token {
		s.unregister(ctx, prev.Token)
		s.publish(ctx, events.RuleRemoved, prev.Token, "")
	}
	if err := s.register(d); err != nil {
		return err
	}
	s.invalidate(ctx, d.Token)
	s.logger.Info().Str("token", d.Token).Msg("rule definition updated")
	s.publish(ctx, events.RuleUpdated, d.Token, "")
	return nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.unregister(ctx, d.Token)
	s.logger.Info().Str("token", d.Token).Msg("rule definition deleted")
	s.publish(ctx, events.RuleRemoved, d.Token, "")
	return nil
}

func (s *Service) AddTag(ctx context.Context, token, tag string) error {
	return s.changeTag(ctx, token, tag, true)
}

func (s *Service) RemoveTag(ctx context.Context, token, tag string) error {
	return s.changeTag(ctx, token, tag, false)
}

func (s *Service) changeTag(ctx context.Context, token, tag string, add bool) error {
	d, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	tags := make([]string, 0, len(d.Tags)+1)
	for _, t := range d.Tags {
		if t != tag {
			tags = append(tags, t)
		}
	}
	if add {
		tags = append(tags, tag)
	}
	d.Tags = normalizeTags(tags)
	if err := s.repo.SetTags(ctx, d.ID, d.Tags); err != nil {
		return err
	}

	evt := events.TagRemoved
	if add {
		evt = events.TagAdded
		err = s.engine.AddTokenTag(token, tag)
	} else {
		err = s.engine.RemoveTokenTag(token, tag)
	}
	if err != nil {
		return err
	}
	s.publish(ctx, evt, token, tag)
	return nil
}

// ImportResult reports what Import did per token.
type ImportResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

// Import upserts every definition in a YAML stream, matching existing rules
// by token. The stream is validated as a whole before anything is written.
func (s *Service) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	defs, err := DecodeFile(r)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if err := s.prepare(d); err != nil {
			return nil, fmt.Errorf("token %q: %w", d.Token, err)
		}
	}

	res := &ImportResult{Created: []string{}, Updated: []string{}}
	for _, d := range defs {
		existing, err := s.repo.GetByToken(ctx, d.Token)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.Create(ctx, d); err != nil {
				return res, fmt.Errorf("create %q: %w", d.Token, err)
			}
			res.Created = append(res.Created, d.Token)
		case err != nil:
			return res, err
		default:
			d.ID = existing.ID
			if err := s.Update(ctx, d); err != nil {
				return res, fmt.Errorf("update %q: %w", d.Token, err)
			}
			res.Updated = append(res.Updated, d.Token)
		}
	}
	return res, nil
}

// Export returns every stored definition.
func (s *Service) Export(ctx context.Context) ([]*Definition, error) {
	return s.repo.ListAll(ctx)
}

// Subscribe applies registry events published by other processes until ctx
// is done.
func (s *Service) Subscribe(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(ctx, s.HandleEvent)
}

// HandleEvent reloads the event's token from the repository, which is the
// source of truth, rather than trusting the event payload.
func (s *Service) HandleEvent(ctx context.Context, evt events.Event) {
	log := s.logger.With().Str("event", string(evt.Type)).Str("token", evt.Token).Logger()
	if s.recorder != nil {
		s.recorder.RegistryEvent("received", string(evt.Type))
	}
	if evt.Type == events.RuleRemoved {
		s.unregister(ctx, evt.Token)
		s.notify(evt)
		log.Debug().Msg("applied remote registry event")
		return
	}

	d, err := s.repo.GetByToken(ctx, evt.Token)
	if errors.Is(err, ErrNotFound) {
		s.unregister(ctx, evt.Token)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("reload rule definition")
		return
	}
	if err := s.register(d); err != nil {
		log.Error().Err(err).Msg("register reloaded rule definition")
		return
	}
	if evt.Type == events.RuleUpdated {
		s.invalidate(ctx, evt.Token)
	}
	s.notify(evt)
	log.Debug().Msg("applied remote registry event")
}
