package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"github.com/stagebid/stagebid/internal/events"
)

// NATSConfig holds JetStream publisher settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "AUCTION_EVENTS",
		SubjectPrefix: "auction.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSPublisher publishes staged events to a JetStream stream. Publishes
// are synchronous so the worker's position order carries through to
// stream order.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
}

var _ Publisher = (*NATSPublisher)(nil)

func NewNATSPublisher(ctx context.Context, config NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &NATSPublisher{nc: nc, js: js, config: config}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      p.config.StreamName,
		Subjects:  []string{p.config.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	return err
}

func (p *NATSPublisher) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, event.RoundID)
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	p.nc.Close()
}
