package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"agent-relay/pkg/breaker"
	"agent-relay/pkg/channel"
	"agent-relay/pkg/config"
	"agent-relay/pkg/handlers"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/orchestrator"
	"agent-relay/pkg/ratelimit"
	"agent-relay/pkg/statesync"
	"agent-relay/pkg/store"
)

// Service owns the relay's components and the process lifetime: the store,
// rate limiter, orchestrator and state sync, the HTTP surface and the
// feedback-expiry sweeper.
type Service struct {
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	store        *store.Memory
	limiter      *ratelimit.Limiter
	factory      *channel.Factory
	orchestrator *orchestrator.Orchestrator
	statesync    *statesync.Service

	server *http.Server
	stopCh chan struct{}
}

// NewService wires the relay together. counters may be nil for the default
// in-memory backend or a redis-backed CounterStore.
func NewService(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, counters ratelimit.CounterStore) *Service {
	st := store.NewMemory()
	limiter := ratelimit.NewLimiter(counters, cfg, logger, m)

	factory := channel.NewFactory(
		breaker.Settings{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Timeout:          cfg.BreakerTimeout(),
			HalfOpenMaxCalls: cfg.BreakerHalfOpenCalls,
		},
		channel.RetrySettings{
			MaxRetries: cfg.RetryMaxAttempts,
			BaseDelay:  cfg.RetryBaseDelay(),
			MaxDelay:   cfg.RetryMaxDelay(),
		},
		logger, m,
	)
	factory.RegisterConnectionStore(st)

	orch := orchestrator.New(factory, st, logger, m)
	sync := statesync.New(st, orch, logger, m)

	return &Service{
		config:       cfg,
		logger:       logger,
		metrics:      m,
		store:        st,
		limiter:      limiter,
		factory:      factory,
		orchestrator: orch,
		statesync:    sync,
		stopCh:       make(chan struct{}),
	}
}

// Store exposes the in-memory authority for embedding callers.
func (s *Service) Store() *store.Memory {
	return s.store
}

// Factory exposes provider registration.
func (s *Service) Factory() *channel.Factory {
	return s.factory
}

// Orchestrator exposes the delivery engine.
func (s *Service) Orchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

// StateSync exposes the synchronization layer (inbound reply funnel).
func (s *Service) StateSync() *statesync.Service {
	return s.statesync
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting agent relay service")

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	go s.expirySweepRoutine(ctx)

	s.logger.WithField("instance_id", s.config.InstanceID).Info("Agent relay service started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping agent relay service")
	close(s.stopCh)

	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			return err
		}
	}

	s.logger.Info("Agent relay service stopped")
	return nil
}

func (s *Service) startHTTPServer() error {
	s.server = s.createHTTPServer()

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	return nil
}

func (s *Service) createHTTPServer() *http.Server {
	handler := handlers.NewHandler(s.store, s.limiter, s.orchestrator, s.statesync, s.logger)
	router := mux.NewRouter()

	router.HandleFunc("/users", handler.CreateUser).Methods("POST")
	router.HandleFunc("/sessions", handler.CreateSession).Methods("POST")
	router.HandleFunc("/sessions/{id}/status", handler.TransitionSession).Methods("POST")
	router.HandleFunc("/sessions/{id}/messages", handler.PostUserMessage).Methods("POST")
	router.HandleFunc("/sessions/{id}/agent-messages", handler.PostAgentMessage).Methods("POST")
	router.HandleFunc("/sessions/{id}/feedback-requests", handler.CreateFeedbackRequest).Methods("POST")
	router.HandleFunc("/sessions/{id}/history", handler.ConversationHistory).Methods("GET")
	router.HandleFunc("/sessions/{id}/switch-channel", handler.SwitchChannel).Methods("POST")
	router.HandleFunc("/sessions/{id}/sync-status", handler.SyncStatus).Methods("GET")
	router.HandleFunc("/feedback/{id}/responses", handler.PostFeedbackResponse).Methods("POST")
	router.HandleFunc("/messages/{id}/attempts", handler.DeliveryHistory).Methods("GET")
	router.HandleFunc("/users/{id}/channels/health", handler.ChannelHealth).Methods("GET")
	router.HandleFunc("/users/{id}/ratelimit", handler.RateLimitStatus).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","instance_id":%q,"active_sessions":%d}`,
		s.config.InstanceID, s.store.CountActiveSessions())
}

// expirySweepRoutine periodically flips overdue pending feedback requests
// to expired. The lazy check on submission handles anything that slips
// between sweeps.
func (s *Service) expirySweepRoutine(ctx context.Context) {
	ticker := time.NewTicker(s.config.FeedbackExpirySweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.statesync.ExpireOverdueRequests(time.Now())
			s.metrics.ActiveSessionsGauge.Set(float64(s.store.CountActiveSessions()))
			s.metrics.PendingFeedbackGauge.Set(float64(len(s.store.ListPendingFeedbackRequests())))
		}
	}
}
