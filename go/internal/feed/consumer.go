package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/race"
)

// Handler applies one consumed event. A returned error NAKs the message.
type Handler interface {
	Apply(ev race.Event) error
}

// JetStreamConsumerConfig holds configuration for the JetStream consumer
type JetStreamConsumerConfig struct {
	URL        string
	StreamName string
	// ConsumerName must be unique per process: every instance folds the full
	// stream into its own results tracker.
	ConsumerName      string
	SubjectFilter     string // e.g., "race.events.>"
	MaxDeliver        int
	AckWait           time.Duration
	MaxAckPending     int
	InactiveThreshold time.Duration // server deletes the consumer after this long unbound
	MaxReconnects     int
	ReconnectWait     time.Duration
}

// DefaultJetStreamConsumerConfig returns default JetStream consumer configuration
func DefaultJetStreamConsumerConfig() JetStreamConsumerConfig {
	return JetStreamConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:        "RACE_EVENTS",
		ConsumerName:      InstanceConsumerName("race-results"),
		SubjectFilter:     "race.events.>",
		MaxDeliver:        5,
		AckWait:           30 * time.Second,
		MaxAckPending:     100,
		InactiveThreshold: time.Hour,
		MaxReconnects:     -1, // Infinite
		ReconnectWait:     2 * time.Second,
	}
}

// InstanceConsumerName returns prefix plus a per-process suffix.
func InstanceConsumerName(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func (c JetStreamConsumerConfig) consumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:              c.ConsumerName,
		Durable:           c.ConsumerName,
		Description:       "Race results tracker",
		FilterSubject:     c.SubjectFilter,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		MaxDeliver:        c.MaxDeliver,
		AckWait:           c.AckWait,
		MaxAckPending:     c.MaxAckPending,
		InactiveThreshold: c.InactiveThreshold,
		ReplayPolicy:      jetstream.ReplayInstantPolicy,
	}
}

// Consumer reads race events from a durable JetStream consumer and hands them to a Handler.
type Consumer struct {
	handler  Handler
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   JetStreamConsumerConfig
}

// NewConsumer connects and binds (or creates) the durable consumer.
func NewConsumer(ctx context.Context, handler Handler, cfg JetStreamConsumerConfig) (*Consumer, error) {
	nc, js, err := connect(cfg.URL, cfg.MaxReconnects, cfg.ReconnectWait)
	if err != nil {
		return nil, err
	}

	c := &Consumer{handler: handler, nc: nc, js: js, config: cfg}
	if err := c.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, c.config.ConsumerName)
	if err == nil {
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.config.StreamName).
			Msg("using existing JetStream consumer")
		c.consumer = consumer
		return nil
	}

	consumer, err = stream.CreateConsumer(ctx, c.config.consumerConfig())
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.config.StreamName).
		Msg("created JetStream consumer")
	c.consumer = consumer
	return nil
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.config.StreamName).
		Msg("starting race event consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("race event consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := c.process(msg.Data()); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process race event")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

func (c *Consumer) process(data []byte) error {
	ev, err := Decode(data)
	if err != nil {
		return err
	}
	log.Debug().
		Str("event_id", ev.Key()).
		Str("room_id", ev.RoomID).
		Str("event_type", string(ev.Type)).
		Msg("processing race event")
	return c.handler.Apply(ev)
}

// Stop closes the NATS connection.
func (c *Consumer) Stop() error {
	log.Info().Msg("stopping race event consumer")
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}
