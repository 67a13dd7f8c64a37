package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/protocol"
)

var (
	// ErrRemoteClosed fails requests pending on a connection the peer closed
	ErrRemoteClosed = errors.New("remote closed connection")
	// ErrClosed is returned once the client is closed
	ErrClosed = errors.New("client closed")
)

// ClientConfig holds client configuration
type ClientConfig struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

type result struct {
	resp *protocol.Response
	err  error
}

// clientConn is one pooled connection. Requests are multiplexed over it by
// request id.
type clientConn struct {
	address string
	conn    net.Conn
	writeMu sync.Mutex
	pending *xsync.MapOf[uint64, chan result]
	done    chan struct{}
	err     error
	once    sync.Once
}

func (c *clientConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
		c.pending.Range(func(id uint64, ch chan result) bool {
			select {
			case ch <- result{err: err}:
			default:
			}
			return true
		})
	})
}

func (c *clientConn) readLoop() {
	for {
		resp, err := protocol.ReadResponse(c.conn)
		if err != nil {
			c.fail(fmt.Errorf("%w: %s: %v", ErrRemoteClosed, c.address, err))
			return
		}
		ch, ok := c.pending.LoadAndDelete(resp.RequestID)
		if ok {
			select {
			case ch <- result{resp: resp}:
			default:
			}
		}
		if resp.Error != nil && resp.Error.Closing {
			c.fail(fmt.Errorf("%w: %s: %s", ErrRemoteClosed, c.address, resp.Error.Message))
			return
		}
	}
}

// Client sends requests to peers, keeping one multiplexed connection per
// address
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger
	dialer net.Dialer

	mu     sync.Mutex
	conns  *xsync.MapOf[string, *clientConn]
	nextID atomic.Uint64
	closed atomic.Bool
}

// NewClient creates a client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		conns:  xsync.NewMapOf[string, *clientConn](),
	}
}

// connection returns a live pooled connection to address, dialing if needed
func (c *Client) connection(ctx context.Context, address string) (*clientConn, error) {
	if cc, ok := c.conns.Load(address); ok {
		select {
		case <-cc.done:
		default:
			return cc, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if cc, ok := c.conns.Load(address); ok {
		select {
		case <-cc.done:
			c.conns.Delete(address)
		default:
			return cc, nil
		}
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	cc := &clientConn{
		address: address,
		conn:    conn,
		pending: xsync.NewMapOf[uint64, chan result](),
		done:    make(chan struct{}),
	}
	c.conns.Store(address, cc)
	go cc.readLoop()
	c.logger.Debug("Connected to peer", zap.String("address", address))
	return cc, nil
}

// Do sends req to address and waits for its response. The request id is
// assigned by the client.
func (c *Client) Do(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	cc, err := c.connection(ctx, address)
	if err != nil {
		return nil, err
	}

	out := *req
	out.RequestID = c.nextID.Add(1)
	ch := make(chan result, 1)
	cc.pending.Store(out.RequestID, ch)
	defer cc.pending.Delete(out.RequestID)

	cc.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		cc.conn.SetWriteDeadline(deadline)
	}
	err = protocol.WriteRequest(cc.conn, &out)
	cc.writeMu.Unlock()
	if err != nil {
		cc.fail(fmt.Errorf("%w: %s: %v", ErrRemoteClosed, address, err))
		return nil, fmt.Errorf("failed to send %s to %s: %w", req.Type, address, err)
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-cc.done:
		// the response may have raced the close
		select {
		case r := <-ch:
			return r.resp, r.err
		default:
			return nil, cc.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes every pooled connection and fails their pending requests
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.conns.Range(func(address string, cc *clientConn) bool {
		cc.fail(ErrClosed)
		c.conns.Delete(address)
		return true
	})
	return nil
}
