package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/api/http"
	"github.com/termdeck/termdeck/internal/api/middleware"
	"github.com/termdeck/termdeck/internal/api/ws"
	"github.com/termdeck/termdeck/internal/domain/session"
	"github.com/termdeck/termdeck/internal/domain/stream"
	"github.com/termdeck/termdeck/internal/infrastructure/config"
	"github.com/termdeck/termdeck/internal/infrastructure/logging"
	"github.com/termdeck/termdeck/internal/infrastructure/monitoring"
	"github.com/termdeck/termdeck/internal/infrastructure/tracing"
	"github.com/termdeck/termdeck/internal/shared/events"
	"github.com/termdeck/termdeck/internal/shared/id"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router    *gin.Engine
	sessions  *session.Manager
	streams   *stream.Manager
	collector *monitoring.Collector
	bus       events.Bus
	wsHandler *ws.Handler
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics

	cancel    context.CancelFunc
	busSub    id.SubscriptionID
	closeOnce sync.Once
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	logger.Info("Initializing terminal server",
		zap.String("port", cfg.Server.Port),
		zap.Int("max_sessions", cfg.Session.MaxSessions),
	)

	// Metrics first; everything downstream records into them.
	metrics := monitoring.NewMetrics()
	tracer := tracing.New("termdeck", logger.Named("tracing"))
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())

	sessions := session.NewManager(session.Config{
		MaxSessions:          cfg.Session.MaxSessions,
		MaxPerProject:        cfg.Session.MaxPerProject,
		MaxFocusedPerProject: cfg.Session.MaxFocusedPerProject,
		SuspensionTimeout:    cfg.Session.SuspensionTimeout,
		IdleTimeout:          cfg.Session.IdleTimeout,
		CloseGrace:           cfg.Session.CloseGrace,
		SweepInterval:        cfg.Session.SweepInterval,
		DefaultRows:          cfg.Stream.DefaultRows,
		DefaultCols:          cfg.Stream.DefaultCols,
	}, bus, logger.Named("sessions"))
	sessions.Start(ctx)

	streams := stream.NewManager(stream.Config{
		Shell:             cfg.Stream.Shell,
		DefaultRows:       cfg.Stream.DefaultRows,
		DefaultCols:       cfg.Stream.DefaultCols,
		BufferCapacity:    cfg.Stream.BufferCapacity,
		ConnectTimeout:    cfg.Stream.ConnectTimeout,
		ReconnectAttempts: cfg.Stream.ReconnectAttempts,
		ReconnectDelay:    cfg.Stream.ReconnectDelay,
		CloseGrace:        cfg.Stream.CloseGrace,
	}, bus, logger.Named("streams"))

	collector := monitoring.NewCollector(monitoring.Config{
		MetricsInterval: cfg.Monitoring.MetricsInterval,
		HealthInterval:  cfg.Monitoring.HealthInterval,
		HistorySize:     cfg.Monitoring.HistorySize,
	}, metrics, sessionSource{sessions}, streamSource{streams}, logger.Named("monitoring"))
	collector.Start(ctx)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := http.NewHandlers(sessions, streams, collector, logger.Named("api"))
	wsHandler := ws.NewHandler(sessions, streams, bus, metrics, logger.Named("ws"))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Session lifecycle
	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions/:id", handlers.GetSession)
	router.DELETE("/sessions/:id", handlers.CloseSession)
	router.POST("/sessions/:id/focus", handlers.SetFocus)

	// Project-scoped operations
	router.GET("/projects/:id/sessions", handlers.ListProjectSessions)
	router.POST("/projects/:id/suspend", handlers.SuspendProject)
	router.POST("/projects/:id/resume", handlers.ResumeProject)
	router.DELETE("/projects/:id/sessions", handlers.CloseProject)

	// Multiplexed terminal traffic
	router.GET("/stream", wsHandler.HandleConnection)

	// Observability
	router.GET("/statistics", handlers.Statistics)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/metrics/json", handlers.MetricsJSON)
	router.GET("/metrics/report", handlers.MetricsReport)

	s := &Server{
		router:    router,
		sessions:  sessions,
		streams:   streams,
		collector: collector,
		bus:       bus,
		wsHandler: wsHandler,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
		cancel:    cancel,
	}

	// Cross-domain accounting rides the bus: stream output folds into the
	// session byte counters, error-status transitions into the collector.
	busSub, busCh := bus.Subscribe(events.TypeStreamData, events.TypeSessionStatus, events.TypeStreamStatus)
	s.busSub = busSub
	go s.bridgeEvents(busCh)

	logger.Info("Server initialized successfully")

	return s, nil
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Handler exposes the router for tests driving the server in-process.
func (s *Server) Handler() *gin.Engine {
	return s.router
}

// Close gracefully shuts down the server: background loops stop, every
// stream terminates, every session closes.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down server...")

		s.cancel()
		s.bus.Unsubscribe(s.busSub)
		s.collector.Stop()
		s.sessions.Stop()

		closedStreams := s.streams.CloseAll()
		closedSessions := s.sessions.CloseAll()
		s.logger.Info("Terminated active work",
			zap.Int("streams", closedStreams),
			zap.Int("sessions", closedSessions),
		)

		s.logger.Sync()
	})
	return nil
}

// bridgeEvents folds bus traffic into cross-cutting accounting: stream
// output bumps the owning session's byte counter, error-status
// transitions reach the collector. Exits when the subscription closes.
func (s *Server) bridgeEvents(ch <-chan events.Event) {
	for evt := range ch {
		switch p := evt.Payload.(type) {
		case stream.DataEvent:
			s.sessions.RecordOutput(evt.SessionID, len(p.Data))
		case session.StatusChange:
			if p.New == session.StatusError {
				s.collector.RecordError("session", fmt.Sprintf("session %s entered error state", evt.SessionID))
			}
		case stream.StatusEvent:
			if p.Status == stream.StatusError {
				reason := p.Reason
				if reason == "" {
					reason = "stream error"
				}
				s.collector.RecordError("stream", fmt.Sprintf("stream %s: %s", evt.SessionID, reason))
			}
		}
	}
}

// sessionSource adapts the session manager to the collector's read-only
// view.
type sessionSource struct {
	m *session.Manager
}

func (s sessionSource) SessionStats() monitoring.SessionStats {
	st := s.m.Stats()
	return monitoring.SessionStats{
		Total:        st.TotalSessions,
		Active:       st.ActiveSessions,
		Suspended:    st.SuspendedSessions,
		Errored:      st.ErroredSessions,
		ByProject:    st.ByProject,
		CreatedTotal: st.CreatedTotal,
		ClosedTotal:  st.ClosedTotal,
		AvgLifetime:  st.AvgLifetime,
	}
}

// streamSource adapts the stream manager the same way.
type streamSource struct {
	m *stream.Manager
}

func (s streamSource) StreamStats() monitoring.StreamStats {
	st := s.m.Stats()
	return monitoring.StreamStats{
		Total:        st.TotalStreams,
		Connected:    st.ConnectedStreams,
		Disconnected: st.DisconnectedStreams,
		BytesIn:      st.BytesIn,
		BytesOut:     st.BytesOut,
		AvgLatencyMs: st.AvgLatencyMs,
	}
}
