// Package server serves the kvs protocol over TCP. Each connection is
// handled by its own goroutine; all of them share one store.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sajjad-MoBe/kvs/internal/protocol"
	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/telemetry"
)

// DefaultAddr is the address served when none is configured
const DefaultAddr = "127.0.0.1:4000"

// ErrServerClosed is returned by Serve after Shutdown
var ErrServerClosed = errors.New("server closed")

// Config holds server options
type Config struct {
	Addr    string
	Logger  *shared.Logger
	Metrics *telemetry.Metrics
}

// Server accepts protocol connections and dispatches their requests
type Server struct {
	config     Config
	logger     *shared.Logger
	dispatcher *Dispatcher

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// New creates a server that dispatches through dispatcher
func New(dispatcher *Dispatcher, config Config) *Server {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.Logger == nil {
		config.Logger = shared.DefaultLogger
	}
	return &Server{
		config:     config,
		logger:     config.Logger,
		dispatcher: dispatcher,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("Listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown. It always returns a non-nil
// error; after Shutdown it is ErrServerClosed.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			return err
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go s.handleConn(conn)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// handleConn serves requests from one client until it disconnects or
// sends something that cannot be framed.
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	if s.config.Metrics != nil {
		s.config.Metrics.ConnectionOpened()
		defer s.config.Metrics.ConnectionClosed()
	}

	peer := conn.RemoteAddr().String()
	logger := s.logger.WithFields(map[string]interface{}{"peer": peer})
	logger.Debug("Connection opened")

	dec := protocol.NewDecoder(bufio.NewReader(conn))
	enc := protocol.NewEncoder(conn)
	ctx := context.Background()

	for {
		req, err := dec.ReadRequest()
		if err != nil {
			var msgErr *protocol.MessageError
			if errors.As(err, &msgErr) {
				logger.Warn("Rejecting request: %v", err)
				if werr := enc.WriteResponse(protocol.Fail(err.Error())); werr != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !s.isClosing() {
				logger.Warn("Closing connection: %v", err)
			}
			return
		}

		logger.Debug("Received %s %q", req.Op, req.Key)
		resp := s.dispatcher.Dispatch(ctx, req)
		if err := enc.WriteResponse(resp); err != nil {
			logger.Warn("Writing response: %v", err)
			return
		}
	}
}

// Shutdown stops accepting, closes open connections and waits for their
// handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Server stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
