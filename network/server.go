package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Handshake HandshakeOptions
	Conn      ConnOptions
}

// Server accepts inbound TCP sessions and upgrades them to Conn.
type Server struct {
	listener net.Listener
	options  ServerOptions
	log      logrus.FieldLogger

	incoming chan *Conn
	errs     chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener. Accepted sockets are delivered once their handshake completes.
func Listen(address string, options ServerOptions) (*Server, error) {
	hs, err := options.Handshake.withDefaults()
	if err != nil {
		return nil, err
	}
	options.Handshake = hs
	options.Conn = options.Conn.withDefaults()

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  options,
		log:      options.Conn.Logger.WithField("component", "network"),
		incoming: make(chan *Conn, 16),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns authenticated inbound connections. Each yields EventConnected first.
func (s *Server) Incoming() <-chan *Conn {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.log.WithField("remote", conn.RemoteAddr().String()).Debug("Accepted connection")

		s.wg.Add(1)
		go s.upgrade(conn)
	}
}

// upgrade runs the responder handshake and publishes the connection only
// once it succeeded. Failed sockets never reach Incoming.
func (s *Server) upgrade(conn net.Conn) {
	defer s.wg.Done()

	secure, err := s.respond(conn)
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("inbound handshake from %s: %w", conn.RemoteAddr(), err))
		return
	}

	established := newPendingConn(s.options.Conn)
	select {
	case s.incoming <- established:
	case <-s.ctx.Done():
		_ = conn.Close()
		return
	}
	established.establish(s.ctx, func(context.Context) (net.Conn, *secureSession, error) {
		return conn, secure, nil
	})
}

func (s *Server) respond(conn net.Conn) (*secureSession, error) {
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(s.options.Handshake.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	secure, err := runHandshake(conn, s.options.Handshake, false)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return secure, nil
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
