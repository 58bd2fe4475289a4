package rounds

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/models"
)

type FeedConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		URL:           nats.DefaultURL,
		StreamName:    "QUIZ_ROUNDS",
		SubjectFilter: "quizslot.rounds.>",
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Invalidator is told which category changed.
type Invalidator interface {
	Invalidate(category string)
}

// ChangeFeed turns round change events from JetStream into cache
// invalidations. Polling still runs; the feed only shortens staleness.
type ChangeFeed struct {
	target   Invalidator
	nc       *nats.Conn
	consumer jetstream.Consumer
	config   FeedConfig
}

// NewChangeFeed connects to NATS and binds an ephemeral consumer that starts
// at new messages. ConsumerName makes it durable instead.
func NewChangeFeed(ctx context.Context, target Invalidator, cfg FeedConfig) (*ChangeFeed, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		Description:   "quiz agent round change feed",
		FilterSubject: cfg.SubjectFilter,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create consumer on %s: %w", cfg.StreamName, err)
	}

	return &ChangeFeed{target: target, nc: nc, consumer: consumer, config: cfg}, nil
}

// Start consumes until ctx is done.
func (f *ChangeFeed) Start(ctx context.Context) error {
	log.Info().
		Str("stream", f.config.StreamName).
		Str("filter", f.config.SubjectFilter).
		Msg("starting round change feed")

	cc, err := f.consumer.Consume(func(msg jetstream.Msg) {
		if err := dispatchEvent(f.target, msg.Data()); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("bad round change event")
			// Redelivery would not fix a malformed event.
			if termErr := msg.Term(); termErr != nil {
				log.Error().Err(termErr).Msg("failed to terminate message")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	log.Info().Msg("round change feed shutting down")
	return nil
}

func dispatchEvent(target Invalidator, data []byte) error {
	var event models.RoundEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("unmarshal round event: %w", err)
	}
	if event.EventType != models.EventRoundChanged {
		log.Debug().Str("event_type", event.EventType).Msg("ignoring event")
		return nil
	}
	if event.Category == "" {
		return fmt.Errorf("round event %s has no category", event.EventID)
	}

	log.Debug().
		Str("round_id", event.RoundID).
		Str("category", event.Category).
		Str("reason", event.Reason).
		Msg("round changed")
	target.Invalidate(event.Category)
	return nil
}

func (f *ChangeFeed) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}
