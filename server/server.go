// Package server implements the network front-end of the database: the
// listener, the per-connection session peers, authentication and the admin
// endpoint. One SessionPeer owns one client channel; many sessions run in
// parallel and call into the engine concurrently.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/granitedb/granite/planner"
	"github.com/granitedb/granite/wire"
)

// Config configures the server.
type Config struct {
	Host      string
	Port      int
	AdminPort int // 0 disables the admin HTTP endpoint

	// Users maps usernames to passwords. Entries may be cleartext or bcrypt
	// hashes (bcrypt-stored users can only authenticate with PLAIN).
	Users map[string]string

	RateLimit     RateLimitConfig
	PlanCacheSize int
}

// Server accepts client connections and runs one SessionPeer per channel.
type Server struct {
	cfg         Config
	engine      Engine
	translator  *planner.Translator
	rateLimiter *RateLimiter
	bufferPool  *wire.BufferPool

	listener net.Listener
	closed   atomic.Bool

	nextSessionID atomic.Int64

	mu       sync.RWMutex
	sessions map[int64]*SessionPeer
}

// New builds a Server over the given engine. meta is the engine's metadata
// surface consumed by the planner.
func New(cfg Config, engine Engine, meta planner.Metadata) (*Server, error) {
	if cfg.RateLimit == (RateLimitConfig{}) {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	translator, err := planner.NewTranslator(meta, cfg.PlanCacheSize)
	if err != nil {
		return nil, fmt.Errorf("cannot create translator: %w", err)
	}
	return &Server{
		cfg:         cfg,
		engine:      engine,
		translator:  translator,
		rateLimiter: NewRateLimiter(cfg.RateLimit),
		bufferPool:  wire.NewBufferPool(),
		sessions:    make(map[int64]*SessionPeer),
	}, nil
}

// Translator exposes the SQL front-end (used by the admin endpoint and
// tests).
func (s *Server) Translator() *planner.Translator { return s.translator }

// Addr returns the bound listener address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServe accepts connections until Close is called.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	slog.Info("Server listening.", "addr", listener.Addr())

	if s.cfg.AdminPort > 0 {
		go s.serveAdmin()
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			slog.Warn("Accept failed.", "error", err)
			continue
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	release, rejectReason := s.rateLimiter.RegisterConnection(conn.RemoteAddr())
	if rejectReason != "" {
		slog.Warn("Connection rejected.", "address", conn.RemoteAddr(), "reason", rejectReason)
		_ = conn.Close()
		return
	}

	channel := wire.NewTCPChannel(conn, s.bufferPool)
	peer := newSessionPeer(s.nextSessionID.Add(1), s, channel, conn.RemoteAddr())

	s.mu.Lock()
	s.sessions[peer.id] = peer
	s.mu.Unlock()
	sessionsGauge.Inc()

	slog.Info("Session opened.", "session", peer.id, "address", peer.address)

	go func() {
		defer release()
		channel.Start(peer)
	}()
}

// sessionClosed unregisters a torn-down session.
func (s *Server) sessionClosed(p *SessionPeer) {
	s.mu.Lock()
	_, ok := s.sessions[p.id]
	delete(s.sessions, p.id)
	s.mu.Unlock()
	if ok {
		sessionsGauge.Dec()
	}
	planCacheHitsGauge.Set(float64(s.translator.CacheHits()))
	planCacheMissesGauge.Set(float64(s.translator.CacheMisses()))
}

// Connections returns the monitoring view of every live session, ordered by
// session id.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.RLock()
	peers := make([]*SessionPeer, 0, len(s.sessions))
	for _, p := range s.sessions {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.ConnectionInfo())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close stops the listener. Live sessions notice on their next read and tear
// down through the normal channel-closed path.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener != nil {
		_ = listener.Close()
	}

	s.mu.RLock()
	peers := make([]*SessionPeer, 0, len(s.sessions))
	for _, p := range s.sessions {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		_ = p.channel.Close()
	}

	// Give in-flight teardowns a moment before returning.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		remaining := len(s.sessions)
		s.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
