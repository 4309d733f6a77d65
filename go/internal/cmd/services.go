package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/config"
	"github.com/mcdev12/typeracer/go/internal/docstore"
	"github.com/mcdev12/typeracer/go/internal/feed"
	"github.com/mcdev12/typeracer/go/internal/gateway"
	"github.com/mcdev12/typeracer/go/internal/race"
)

type Services struct {
	Gateway   *gateway.Service
	Results   *feed.ResultsTracker
	publisher *feed.JetStreamPublisher
	reader    docstore.Client
}

func setupServices(ctx context.Context, cfg config.Config, backend docstore.Backend) (*Services, error) {
	// Wire up the chain
	// Store backend → sessions → connection manager → gateway service
	clock := clockwork.NewRealClock()
	results := feed.NewResultsTracker(cfg.ResultsKept, clock)
	services := &Services{Results: results}

	var (
		events   race.EventSink
		consumer *feed.Consumer
	)
	if cfg.FeedEnabled {
		pubCfg := feed.DefaultJetStreamConfig()
		pubCfg.URL = cfg.NATSURL
		pubCfg.StreamName = cfg.FeedStream
		publisher, err := feed.NewJetStreamPublisher(ctx, pubCfg)
		if err != nil {
			return nil, fmt.Errorf("create event publisher: %w", err)
		}
		services.publisher = publisher
		events = feed.Multi{feed.LogSink{}, publisher}

		conCfg := feed.DefaultJetStreamConsumerConfig()
		conCfg.URL = cfg.NATSURL
		conCfg.StreamName = cfg.FeedStream
		conCfg.SubjectFilter = pubCfg.SubjectPrefix + ".>"
		consumer, err = feed.NewConsumer(ctx, results, conCfg)
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("create results consumer: %w", err)
		}
	} else {
		// Without the feed this instance only sees its own sessions' events.
		events = feed.Multi{feed.LogSink{}, results}
	}

	reader, err := backend.Open(ctx)
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("open state reader: %w", err)
	}
	services.reader = reader

	sessions := gateway.BackendSessions(backend, race.Config{
		Sentences: race.NewRandomSentences(cfg.Sentences),
		Rules:     cfg.Rules,
		Clock:     clock,
		Events:    events,
	})
	stateProvider := gateway.NewStoreStateProvider(reader, results, cfg.Rules, clock)
	services.Gateway = gateway.NewService(gateway.DefaultConfig(), sessions, stateProvider, consumer)

	return services, nil
}

// Close releases what setupServices opened. The gateway is stopped separately.
func (s *Services) Close() {
	if s.reader != nil {
		if err := s.reader.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to close state reader")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event publisher")
		}
	}
}
