package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"lanchat/protocol"
)

type ServerConfig struct {
	Addr           string
	PollInterval   time.Duration
	WriteTimeout   time.Duration
	SessionTTL     time.Duration
	TypingTTL      time.Duration
	SweepInterval  time.Duration
	MaxFileSize    int64
	MaxAvatarSize  int64
	MaxFrameSize   int
	MaxConnections int
	DecoderPolicy  protocol.Policy
	// SendQueueSize bounds the frames waiting to be written to one client.
	SendQueueSize int
}

func (c *ServerConfig) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":5000"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 7 * 24 * time.Hour
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 10 << 20
	}
	if c.MaxAvatarSize <= 0 {
		c.MaxAvatarSize = 1 << 20
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
}

type Server struct {
	cfg      ServerConfig
	store    Store
	registry *Registry
	typing   *TypingTracker
	bcast    *Broadcaster
	handlers map[string]route

	log      *slog.Logger
	now      func() time.Time
	metrics  *Metrics
	promReg  *prometheus.Registry
	tracer   trace.Tracer
	started  time.Time
	stopOnce sync.Once
	stop     chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	wg       sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock replaces time.Now for session and typing expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithPrometheus registers the server's collectors with reg instead of a
// private registry.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(s *Server) { s.promReg = reg }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

func New(store Store, cfg ServerConfig, opts ...Option) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:   cfg,
		store: store,
		log:   slog.Default(),
		now:   time.Now,
		stop:  make(chan struct{}),
		conns: make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.promReg == nil {
		s.promReg = prometheus.NewRegistry()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("lanchat/server")
	}
	base := s.log
	s.log = base.With("component", "server")
	s.metrics = NewMetrics(s.promReg)
	s.registry = NewRegistry(cfg.SessionTTL, s.now)
	s.typing = NewTypingTracker(cfg.TypingTTL)
	s.bcast = NewBroadcaster(s.registry, store, s.metrics, base.With("component", "broadcast"))
	s.handlers = s.routes()
	return s
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Gatherer() prometheus.Gatherer { return s.promReg }

// Addr returns the bound listen address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on the configured address and serves until ctx is done or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Restore resets stale presence flags and reloads unexpired sessions so
// clients can resume after a restart.
func (s *Server) Restore(ctx context.Context) error {
	if err := s.store.ResetPresence(ctx); err != nil {
		return err
	}
	sessions, err := s.store.LoadSessions(ctx, s.now())
	if err != nil {
		return err
	}
	s.registry.Restore(sessions)
	s.log.Info("sessions restored", "count", len(sessions))
	return nil
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.Restore(ctx); err != nil {
		ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.listener = ln
	s.started = s.now()
	s.mu.Unlock()

	s.log.Info("chat server started", "addr", ln.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
			cancel()
		}
		ln.Close()
	}()

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	var sem chan struct{}
	if s.cfg.MaxConnections > 0 {
		sem = make(chan struct{}, s.cfg.MaxConnections)
	}

	for {
		nc, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() != nil || errors.Is(aerr, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", "error", aerr)
			continue
		}
		if sem != nil {
			select {
			case sem <- struct{}{}:
			default:
				s.log.Warn("connection limit reached, rejecting", "remote", nc.RemoteAddr().String())
				nc.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			s.handleConnection(ctx, nc)
		}()
	}

	s.closeAll()
	s.wg.Wait()
	s.log.Info("chat server stopped")
	return nil
}

// Stop asks a running Serve to return.
func (s *Server) Stop(reason string) {
	s.stopOnce.Do(func() {
		s.log.Info("shutdown requested", "reason", reason)
		close(s.stop)
	})
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) trackConn(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) refreshOnlineGauge() {
	s.metrics.OnlineUsers.Set(float64(len(s.registry.OnlineUserIDs())))
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, s.now())
		}
	}
}

// Sweep removes expired sessions from memory and the Store, and lapsed
// typing entries.
func (s *Server) Sweep(ctx context.Context, now time.Time) {
	sessions := s.registry.Sweep(now)
	purged, err := s.store.PurgeExpiredSessions(ctx, now)
	if err != nil {
		s.log.Error("purge expired sessions", "error", err)
	}
	typing := s.typing.Sweep(now)

	s.metrics.ExpiredSessions.Add(float64(sessions))
	s.metrics.ExpiredTyping.Add(float64(typing))
	if sessions > 0 || purged > 0 || typing > 0 {
		s.log.Info("sweep", "sessions", sessions, "stored_sessions", purged, "typing", typing)
	}
}

type Stats struct {
	Connections int      `json:"connections"`
	OnlineUsers int      `json:"online_users"`
	Sessions    int      `json:"sessions"`
	Typing      int      `json:"typing"`
	Users       []string `json:"users"`
	Uptime      string   `json:"uptime"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	conns := len(s.conns)
	started := s.started
	s.mu.Unlock()

	var users []string
	for _, p := range s.registry.Peers() {
		if c, ok := p.(*Conn); ok {
			users = append(users, strconv.FormatInt(c.UserID(), 10)+"@"+c.RemoteAddr())
		}
	}
	sort.Strings(users)

	st := Stats{
		Connections: conns,
		OnlineUsers: len(users),
		Sessions:    s.registry.SessionCount(),
		Typing:      s.typing.Len(),
		Users:       users,
	}
	if !started.IsZero() {
		st.Uptime = s.now().Sub(started).Truncate(time.Second).String()
	}
	return st
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	st := s.Stats()
	return "connections=" + strconv.Itoa(st.Connections) +
		",online=" + strconv.Itoa(st.OnlineUsers) +
		",sessions=" + strconv.Itoa(st.Sessions) +
		",users=" + strings.Join(st.Users, ";")
}
