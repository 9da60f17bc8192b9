// Package events carries rule-registry change notifications between logic
// server processes so every instance converges on the same rule set.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	RuleAdded   Type = "rule.added"
	RuleUpdated Type = "rule.updated"
	RuleRemoved Type = "rule.removed"
	TagAdded    Type = "tag.added"
	TagRemoved  Type = "tag.removed"
)

func (t Type) Valid() bool {
	switch t {
	case RuleAdded, RuleUpdated, RuleRemoved, TagAdded, TagRemoved:
		return true
	}
	return false
}

// Event announces one registry mutation. Origin identifies the publishing
// process; subscribers skip events they published themselves.
type Event struct {
	ID     uuid.UUID `json:"id"`
	Type   Type      `json:"type"`
	Token  string    `json:"token"`
	Tag    string    `json:"tag,omitempty"`
	Origin string    `json:"origin"`
	Time   time.Time `json:"time"`
}

func NewEvent(t Type, token, tag string) Event {
	return Event{ID: uuid.New(), Type: t, Token: token, Tag: tag, Time: time.Now().UTC()}
}

func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if e.Token == "" {
		return fmt.Errorf("event %s has no token", e.Type)
	}
	if (e.Type == TagAdded || e.Type == TagRemoved) && e.Tag == "" {
		return fmt.Errorf("event %s has no tag", e.Type)
	}
	return nil
}

type Handler func(ctx context.Context, evt Event)

// Bus publishes registry events and delivers those of other processes.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// -----------------------------------------------------------------------------
// MemoryBus
// -----------------------------------------------------------------------------

var _ Bus = (*MemoryBus)(nil)

// MemoryBus delivers events synchronously to subscribers in the same process.
// Each MemoryBus has its own origin, so several of them sharing a Hub behave
// like separate server instances.
type MemoryBus struct {
	hub    *Hub
	origin string
}

// Hub connects MemoryBus instances.
type Hub struct {
	mu       sync.RWMutex
	handlers []hubHandler
}

type hubHandler struct {
	origin string
	h      Handler
}

func NewHub() *Hub { return &Hub{} }

func (h *Hub) Bus() *MemoryBus {
	return &MemoryBus{hub: h, origin: uuid.NewString()}
}

func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	evt.Origin = b.origin
	if err := evt.Validate(); err != nil {
		return err
	}
	b.hub.mu.RLock()
	handlers := append([]hubHandler(nil), b.hub.handlers...)
	b.hub.mu.RUnlock()
	for _, hh := range handlers {
		if hh.origin != evt.Origin {
			hh.h(ctx, evt)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, h Handler) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.handlers = append(b.hub.handlers, hubHandler{origin: b.origin, h: h})
	return nil
}

func (b *MemoryBus) Close() error { return nil }
