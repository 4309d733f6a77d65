package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/feed"
)

// Service is the race gateway: WebSocket sessions, state endpoints and the
// optional results consumer.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	consumer          *feed.Consumer
}

// Config holds configuration for the race gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the race gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new race gateway service. consumer may be nil when the
// results tracker is fed directly by the sessions.
func NewService(config Config, sessions SessionFactory, stateProvider StateProvider, consumer *feed.Consumer) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, sessions)
	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		stateHandler:      NewStateHandler(stateProvider),
		consumer:          consumer,
	}
}

// Start runs the gateway until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting race gateway service")

	if s.consumer != nil {
		go func() {
			if err := s.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("race event consumer failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("race gateway service shutting down")
	return s.Stop()
}

// Stop closes every connection, which removes their players, and stops the consumer.
func (s *Service) Stop() error {
	s.connectionManager.Shutdown()
	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop race event consumer")
		}
	}
	log.Info().Msg("race gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and state HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("race gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "race_gateway"
	stats["status"] = "running"
	return stats
}
