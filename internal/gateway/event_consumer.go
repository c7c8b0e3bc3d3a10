package gateway

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

// ConsumerConfig holds JetStream consumer settings.
type ConsumerConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"`
	ConsumerName  string        `yaml:"consumer_name"`
	SubjectFilter string        `yaml:"subject_filter"`
	MaxDeliver    int           `yaml:"max_deliver"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "AUCTION_EVENTS",
		ConsumerName:  "auction-gateway",
		SubjectFilter: "auction.events.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		// Serial ack window keeps fan-out in stream order.
		MaxAckPending: 1,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// EventConsumer reads auction events off JetStream and hands them to the
// connection manager for fan-out.
type EventConsumer struct {
	connectionManager *ConnectionManager
	nc                *nats.Conn
	js                jetstream.JetStream
	consumer          jetstream.Consumer
	config            ConsumerConfig

	consumeCtx jetstream.ConsumeContext
}

func NewEventConsumer(ctx context.Context, cm *ConnectionManager, config ConsumerConfig) (*EventConsumer, error) {
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

	ec := &EventConsumer{
		connectionManager: cm,
		nc:                nc,
		js:                js,
		config:            config,
	}
	if err := ec.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return ec, nil
}

func (ec *EventConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := ec.js.Stream(ctx, ec.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ec.config.ConsumerName,
		Durable:       ec.config.ConsumerName,
		Description:   "auction gateway websocket consumer",
		FilterSubject: ec.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ec.config.MaxDeliver,
		AckWait:       ec.config.AckWait,
		MaxAckPending: ec.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	ec.consumer = consumer
	return nil
}

// Start begins consuming. Messages that fail to decode are terminated,
// everything else is acked after dispatch.
func (ec *EventConsumer) Start(ctx context.Context) error {
	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			log.Error().Err(err).Msg("failed to decode auction event, dropping")
			_ = msg.Term()
			return
		}
		ec.connectionManager.Dispatch(ev)
		if err := msg.Ack(); err != nil {
			log.Error().Err(err).Msg("failed to ack auction event")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	ec.consumeCtx = consumeCtx

	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("gateway event consumer started")

	go func() {
		<-ctx.Done()
		ec.Stop()
	}()
	return nil
}

func (ec *EventConsumer) Stop() {
	if ec.consumeCtx != nil {
		ec.consumeCtx.Stop()
	}
	ec.nc.Close()
}
