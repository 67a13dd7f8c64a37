// Package transport carries framed protocol messages over TCP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/devrev/samoa/internal/protocol"
)

// Handler serves one request. It must always return a response.
type Handler interface {
	Serve(ctx context.Context, req *protocol.Request) *protocol.Response
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *protocol.Request) *protocol.Response

// Serve implements Handler
func (f HandlerFunc) Serve(ctx context.Context, req *protocol.Request) *protocol.Response {
	return f(ctx, req)
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Address string
	// MaxConnections caps concurrently accepted connections; zero is unlimited
	MaxConnections int
	// MaxInFlight caps concurrently served requests per connection
	MaxInFlight    int
	RequestTimeout time.Duration
	// IdleTimeout closes connections that send nothing for this long
	IdleTimeout time.Duration
}

// Server accepts framed requests and writes responses with the same request
// id. Requests on one connection are served concurrently.
type Server struct {
	cfg      ServerConfig
	handler  Handler
	logger   *zap.Logger
	listener net.Listener

	conns   *xsync.MapOf[uint64, net.Conn]
	nextID  atomic.Uint64
	wg      sync.WaitGroup
	closed  atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a server for handler
func NewServer(cfg ServerConfig, handler Handler, logger *zap.Logger) *Server {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		conns:   xsync.NewMapOf[uint64, net.Conn](),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Listen binds the configured address
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	if s.cfg.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.cfg.MaxConnections)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("Listening", zap.String("address", s.listener.Addr().String()))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		id := s.nextID.Add(1)
		s.conns.Store(id, conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Delete(id)
			s.handleConnection(conn)
		}()
	}
}

// Close stops accepting, closes every connection and waits for handlers
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.conns.Range(func(_ uint64, conn net.Conn) bool {
		conn.Close()
		return true
	})
	s.cancel()
	s.wg.Wait()
	return err
}

// handleConnection reads requests until the peer hangs up or a response
// asks to close the connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	slots := make(chan struct{}, s.cfg.MaxInFlight)
	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
		closing atomic.Bool
	)
	defer wg.Wait()

	respond := func(req *protocol.Request) {
		defer func() {
			<-slots
			wg.Done()
		}()

		reqCtx := ctx
		if s.cfg.RequestTimeout > 0 {
			var reqCancel context.CancelFunc
			reqCtx, reqCancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer reqCancel()
		}
		resp := s.handler.Serve(reqCtx, req)
		resp.RequestID = req.RequestID

		writeMu.Lock()
		defer writeMu.Unlock()
		if closing.Load() {
			return
		}
		if s.cfg.RequestTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
		}
		if err := protocol.WriteResponse(conn, resp); err != nil {
			s.logger.Debug("Failed to write response", zap.String("remote", remote), zap.Error(err))
			closing.Store(true)
			conn.Close()
			return
		}
		if resp.Error != nil && resp.Error.Closing {
			closing.Store(true)
			conn.Close()
		}
	}

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			var ne net.Error
			if closing.Load() || s.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
				(errors.As(err, &ne) && ne.Timeout()) {
				return
			}
			s.logger.Debug("Closing connection", zap.String("remote", remote), zap.Error(err))
			writeMu.Lock()
			protocol.WriteResponse(conn, protocol.NewErrorResponse(0, 400, err.Error(), true))
			writeMu.Unlock()
			return
		}

		slots <- struct{}{}
		wg.Add(1)
		go respond(req)
	}
}
