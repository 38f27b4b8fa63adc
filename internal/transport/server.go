// Package transport implements the connection endpoint: the single
// multiplexed WebSocket channel a client uses to subscribe to named
// sessions, send input, resize, and drive the claim arbiter, per the
// wire protocol in internal/wire. It is the one place in the repository
// that speaks gobwas/ws directly.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"odin-term/internal/config"
	"odin-term/internal/identity"
	"odin-term/internal/metrics"
	"odin-term/internal/session"
)

// Server accepts raw TCP connections and upgrades each one to a
// multiplexed session WebSocket, in the same accept-loop shape the rest
// of the pack's WebSocket servers use.
type Server struct {
	cfg      config.TransportConfig
	srvCfg   config.ServerConfig
	sessCfg  session.Config
	logger   *zap.Logger
	registry *session.SessionRegistry
	resolver identity.Resolver
	metr     *metrics.Registry

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a Server. registry resolves session names to hubs;
// resolver authenticates incoming connections; sessCfg supplies the
// output/priority queue capacities new Subscribers are created with.
func NewServer(srvCfg config.ServerConfig, transportCfg config.TransportConfig, sessCfg session.Config, logger *zap.Logger, registry *session.SessionRegistry, resolver identity.Resolver, metr *metrics.Registry) *Server {
	return &Server{
		cfg:      transportCfg,
		srvCfg:   srvCfg,
		sessCfg:  sessCfg,
		logger:   logger.Named("transport"),
		registry: registry,
		resolver: resolver,
		metr:     metr,
	}
}

// Start begins listening and launches the accept loop in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport: already started")
	}

	addr := fmt.Sprintf("%s:%d", s.srvCfg.Host, s.srvCfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", addr), zap.String("path", s.cfg.Path))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Stop closes the listener and waits for every connection goroutine to
// finish.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		if s.metr != nil {
			s.metr.Connections.ActiveConnections.Inc()
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("connection goroutine panic recovered", zap.Any("panic", r))
				}
			}()
			newConnection(s, c).serve(ctx)
			if s.metr != nil {
				s.metr.Connections.ActiveConnections.Dec()
			}
		}(conn)
	}
}
