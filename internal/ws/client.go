package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dateper-messaging/internal/event"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrClientClosed = errors.New("client is closed")
	ErrSlowClient   = errors.New("client send buffer is full")
)

// Client is one websocket connection. A single goroutine writes to the socket,
// so events reach the peer in the order they were accepted by Send.
type Client struct {
	logger *zap.SugaredLogger
	conn   *websocket.Conn
	send   chan event.Event
	cfg    Config
	// events accepted by Send and not yet written
	pending int64

	mu     sync.RWMutex
	userID uuid.UUID

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(ctx context.Context, logger *zap.SugaredLogger, conn *websocket.Conn, cfg Config) *Client {
	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		logger: logger,
		conn:   conn,
		send:   make(chan event.Event, cfg.SendBuffer),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.writeLoop()
	if cfg.PingInterval > 0 {
		go c.keepAliveLoop()
	}

	return c
}

// Send queues ev without blocking. It fails when the client is closed or cannot keep up.
func (c *Client) Send(ev event.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrClientClosed
	default:
	}

	atomic.AddInt64(&c.pending, 1)
	select {
	case c.send <- ev:
		return nil
	default:
		atomic.AddInt64(&c.pending, -1)
		return ErrSlowClient
	}
}

func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUserID(id uuid.UUID) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// Done is closed once the client is shut down
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) writeLoop() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, c.conn, ev)
			cancel()
			atomic.AddInt64(&c.pending, -1)
			if err != nil {
				c.logger.Debugf("Cannot write %s to user (%s): %v", ev.Type, c.UserID(), err)
				c.cancel()
				return
			}
		}
	}
}

// keepAliveLoop pings the peer, a missed pong shuts the client down so that presence does not go stale
func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.cfg.PingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debugf("Ping of user (%s) failed: %v", c.UserID(), err)
				c.cancel()
				return
			}
		}
	}
}

// flush waits until queued events are written or the timeout expires
func (c *Client) flush(timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for atomic.LoadInt64(&c.pending) > 0 {
		select {
		case <-c.ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		_ = c.conn.Close(code, reason)
	})
}
