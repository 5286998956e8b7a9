// Package webhook serves the HTTP entry point for external events and a
// health probe.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"routex/internal/engine"
	rtsup "routex/internal/runtime/supervisor"
	logx "routex/pkg/logx"
)

// Dispatcher validates an event and broadcasts it in the background.
// *engine.Engine implements it.
type Dispatcher interface {
	DispatchEvent(eventType string, payload map[string]any) error
}

type Config struct {
	Enabled bool
	Addr    string
	Token   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "0.0.0.0:8080"

func init() { gin.SetMode(gin.ReleaseMode) }

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	events Dispatcher
	srv    *http.Server
	sup    *rtsup.Supervisor
	addr   string
}

func New(cfg Config, events Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, events: events, log: log.With(logx.String("comp", "webhook"))}
}

func (s *Service) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Token
}

// SetToken swaps the shared secret without restarting the listener.
func (s *Service) SetToken(tok string) {
	s.mu.Lock()
	s.cfg.Token = strings.TrimSpace(tok)
	s.mu.Unlock()
}

// Addr reports the bound listen address, empty when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the gin engine. It is exported for tests and embedding.
func (s *Service) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/webhook/event", s.requireToken(), s.handleEvent)
	return r
}

type eventRequest struct {
	EventType *string         `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Service) handleEvent(c *gin.Context) {
	var req eventRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		s.log.Warn("invalid JSON in webhook request", logx.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if req.EventType == nil || strings.TrimSpace(*req.EventType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_type required"})
		return
	}

	payload := map[string]any{}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil || payload == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be an object"})
			return
		}
	}

	if err := s.events.DispatchEvent(*req.EventType, payload); err != nil {
		if errors.Is(err, engine.ErrInvalidEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event_type"})
			return
		}
		s.log.Error("event dispatch failed", logx.String("event_type", *req.EventType), logx.Err(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
		return
	}
	s.log.Info("webhook event received", logx.String("event_type", *req.EventType), logx.Int("payload_size", len(req.Payload)))
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (s *Service) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		)
	}
}

// Start serves in the background under a restart loop. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down gracefully, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	return errors.Join(err, sup.Wait(ctx))
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("webhook listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("webhook listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.addr = ""
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("webhook server exited unexpectedly")
	}
	return err
}
