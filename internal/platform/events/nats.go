package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATSConfig struct {
	URL string
	// Subject is the base subject; events go to <Subject>.<type>.
	Subject string
	Name    string
}

var _ Bus = (*NATSBus)(nil)

// NATSBus publishes registry events on NATS core subjects.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	origin  string
	logger  zerolog.Logger
}

func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "logic-server"
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "logic.rules"
	}
	return &NATSBus{nc: nc, subject: subject, origin: uuid.NewString(), logger: logger}, nil
}

func (b *NATSBus) Publish(_ context.Context, evt Event) error {
	evt.Origin = b.origin
	if err := evt.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject+"."+string(evt.Type), data)
}

// Subscribe delivers events of other processes to h until ctx is done.
// Malformed messages are logged and dropped.
func (b *NATSBus) Subscribe(ctx context.Context, h Handler) error {
	sub, err := b.nc.Subscribe(b.subject+".>", func(msg *nats.Msg) {
		evt, err := decodeEvent(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping registry event")
			return
		}
		if evt.Origin == b.origin {
			return
		}
		h(ctx, evt)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", b.subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return nil
}

func (b *NATSBus) Close() error {
	return b.nc.Drain()
}

func decodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}
