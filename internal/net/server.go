// Package net serves read-only observers of a running world over TCP and
// websocket.
package net

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/hmcore/worldsim/internal/config"
	"go.uber.org/zap"
)

// Server accepts observer connections and creates Sessions. New sessions
// reach the frame loop through a channel.
type Server struct {
	listener net.Listener
	http     *http.Server
	nextID   atomic.Uint64
	newConns chan *Session
	cfg      config.ObserverConfig
	log      *zap.Logger
	closeCh  chan struct{}
}

func NewServer(cfg config.ObserverConfig, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		newConns: make(chan *Session, 64),
		cfg:      cfg,
		log:      log.Named("observer"),
		closeCh:  make(chan struct{}),
	}
	if cfg.WebsocketAddress != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/observe", s.serveWebsocket)
		s.http = &http.Server{Addr: cfg.WebsocketAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return s, nil
}

// AcceptLoop runs in its own goroutine until Shutdown.
func (s *Server) AcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		s.admit(conn, "tcp")
	}
}

// ServeWebsocket serves the websocket endpoint until Shutdown. A no-op when no
// websocket address is configured.
func (s *Server) ServeWebsocket() error {
	if s.http == nil {
		return nil
	}
	s.log.Info("websocket observer listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	// NetConn closes the websocket when its context ends, so it must outlive
	// the request.
	sess := s.admit(websocket.NetConn(context.Background(), c, websocket.MessageBinary), "ws")
	if sess != nil {
		<-sess.closeCh
	}
}

func (s *Server) admit(conn net.Conn, transport string) *Session {
	id := s.nextID.Add(1)
	sess := NewSession(conn, id, transport, 4, s.cfg.OutQueueSize, s.cfg.WriteTimeout, s.log)
	sess.Start()
	s.log.Info("observer connected", zap.Uint64("session", id), zap.String("ip", sess.IP), zap.String("transport", transport))

	select {
	case s.newConns <- sess:
		return sess
	default:
		s.log.Warn("connection queue full, rejecting observer")
		sess.Close()
		return nil
	}
}

// NewSessions returns the channel of newly connected sessions.
func (s *Server) NewSessions() <-chan *Session {
	return s.newConns
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.closeCh)
	s.listener.Close()
	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

// Addr returns the TCP listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
