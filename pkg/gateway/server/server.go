package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/formvoice/pkg/analysis"
	"github.com/vango-go/formvoice/pkg/archive"
	"github.com/vango-go/formvoice/pkg/forms"
	"github.com/vango-go/formvoice/pkg/gateway/config"
	"github.com/vango-go/formvoice/pkg/gateway/handlers"
	"github.com/vango-go/formvoice/pkg/gateway/lifecycle"
	"github.com/vango-go/formvoice/pkg/gateway/live/relay"
	"github.com/vango-go/formvoice/pkg/gateway/live/sessions"
	"github.com/vango-go/formvoice/pkg/gateway/metrics"
	"github.com/vango-go/formvoice/pkg/gateway/mw"
	"github.com/vango-go/formvoice/pkg/realtime"
)

// Options override collaborators that otherwise come from cfg. Tests use them
// to avoid reaching the real API.
type Options struct {
	Dial      relay.DialFunc
	Issuer    handlers.SessionIssuer
	Generator forms.Generator
	Analyzer  archive.Analyzer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	httpClient    *http.Client
	sessionConfig realtime.SessionConfig
	dial          relay.DialFunc
	issuer        handlers.SessionIssuer

	store     *sessions.Store
	archive   *archive.FileArchive
	forms     *forms.Service
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	live      *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, opts ...Options) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	sessionConfig, err := realtime.LoadSessionConfig(cfg.SessionConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.Voice != "" {
		sessionConfig.Voice = cfg.Voice
	}

	m := metrics.New("")

	analyzer := analysis.New(analysis.Config{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.AnalysisModel,
		HTTPClient: httpClient,
		Logger:     logger.With("component", "analysis"),
	})
	if !analyzer.Configured() {
		logger.Warn("OPENAI_API_KEY not set; transcripts will be saved without analysis")
	}

	var archiveAnalyzer archive.Analyzer = analyzer
	if o.Analyzer != nil {
		archiveAnalyzer = o.Analyzer
	}
	arch, err := archive.New(cfg.DataDir, archiveAnalyzer, logger.With("component", "archive"),
		archive.WithAnalysisObserver(m.RecordAnalysis))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	store := sessions.NewStore(arch, logger.With("component", "sessions"),
		sessions.WithRecentCapacity(cfg.RecentFinalizedLimit),
		sessions.WithFinalizeObserver(func(outcome sessions.Outcome) { m.RecordFinalize(outcome.String()) }),
	)

	var gen forms.Generator = analyzer
	if o.Generator != nil {
		gen = o.Generator
	}
	formSvc, err := forms.New(forms.Dependencies{
		Generator:   gen,
		Archive:     arch,
		Live:        store,
		Logger:      logger.With("component", "forms"),
		InitialWait: cfg.FormAnalysisWait,
		RetryWait:   cfg.FormAnalysisRetry,
	})
	if err != nil {
		return nil, err
	}

	dial := o.Dial
	if dial == nil {
		dial = relay.DialRealtime(&realtime.Dialer{
			URL:          cfg.RealtimeURL,
			Model:        cfg.RealtimeModel,
			WriteTimeout: cfg.WSWriteTimeout,
			WS: &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: cfg.UpstreamDialTimeout,
			},
		})
	}
	issuer := o.Issuer
	if issuer == nil {
		issuer = &realtime.Issuer{
			APIKey:     cfg.OpenAIAPIKey,
			APIBase:    cfg.OpenAIBaseURL,
			Model:      cfg.SessionModel,
			Voice:      sessionConfig.Voice,
			HTTPClient: httpClient,
		}
	}

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		mux:           http.NewServeMux(),
		httpClient:    httpClient,
		sessionConfig: sessionConfig,
		dial:          dial,
		issuer:        issuer,
		store:         store,
		archive:       arch,
		forms:         formSvc,
		metrics:       m,
		lifecycle:     &lifecycle.Lifecycle{},
		live:          sessions.NewTracker(),
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("GET /health", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.live,
	})
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.mux.Handle("POST /api/session", handlers.SessionHandler{Issuer: s.issuer, Logger: s.logger})
	s.mux.Handle("GET /api/session/config", handlers.SessionConfigHandler{
		SessionConfig: s.sessionConfig,
		Model:         s.cfg.SessionModel,
		Voice:         s.cfg.Voice,
	})

	s.mux.Handle("GET /api/generate-form", handlers.GenerateFormHandler{Forms: s.forms, Logger: s.logger})
	s.mux.Handle("POST /api/generate-form-answers", handlers.FormAnswersHandler{Forms: s.forms, Logger: s.logger})
	s.mux.Handle("POST /api/forms/from-conversation/{session_id}", handlers.ConversationFormHandler{Forms: s.forms, Logger: s.logger})

	s.mux.Handle("GET /api/conversations", handlers.ConversationsHandler{Archive: s.archive, Logger: s.logger})
	s.mux.Handle("GET /api/conversations/{session_id}/analysis", handlers.AnalysisHandler{Archive: s.archive, Logger: s.logger})

	live := mw.RequireUpgrade(handlers.LiveHandler{
		Config:        s.cfg,
		Store:         s.store,
		Dial:          s.dial,
		SessionConfig: s.sessionConfig,
		Logger:        s.logger,
		Metrics:       s.metrics,
		Lifecycle:     s.lifecycle,
		LiveSessions:  s.live,
	})
	s.mux.Handle("GET /ws", live)
	s.mux.Handle("GET /ws/{session_id}", live)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.MaxBody(s.cfg.MaxBodyBytes, h)
	h = mw.Timeout(s.cfg.HandlerTimeout, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h, s.observeRequest)
	h = mw.RequestID(h)
	return h
}

// observeRequest labels request metrics with the matched route pattern so
// session ids never become label values.
func (s *Server) observeRequest(r *http.Request, status int, elapsed time.Duration) {
	_, pattern := s.mux.Handler(r)
	if pattern == "" {
		pattern = "unmatched"
	}
	s.metrics.RecordRequest(pattern, status, elapsed)
}

// Store exposes the live session store.
func (s *Server) Store() *sessions.Store { return s.store }

func (s *Server) SetDraining() {
	if s == nil {
		return
	}
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells every connected browser the relay is going away.
func (s *Server) WarnLiveSessionsDraining() int {
	if s == nil {
		return 0
	}
	return s.live.WarnAll("draining", "relay is shutting down; reconnect shortly")
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	if s == nil {
		return true
	}
	return s.live.Wait(ctx)
}

// CancelLiveSessions ends every relay. Each one still finalizes its session.
func (s *Server) CancelLiveSessions() int {
	if s == nil {
		return 0
	}
	n := s.live.CancelAll()
	if n > 0 {
		s.logger.Warn("canceled live sessions after grace period", "count", n)
	}
	return n
}
