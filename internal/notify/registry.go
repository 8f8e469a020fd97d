// Package notify fans change events out to connected clients.
//
// Every registered connection gets its own buffered queue and writer
// goroutine, so a slow client only ever loses its own messages. The
// Registry implements arc.Notifier.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"arcstore/internal/arc"
)

// DefaultQueueSize is used when NewRegistry is given a non-positive size.
const DefaultQueueSize = 64

// SendTimeout bounds one write to a client connection.
const SendTimeout = 10 * time.Second

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("notify: registry closed")

// Conn is the outbound side of a client socket.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Watch describes what a connection is subscribed to and who opened it.
type Watch struct {
	URL  string
	User string
	SID  string
}

// Client is one registered connection.
type Client struct {
	conn    Conn
	watch   Watch
	queue   chan []byte
	dropped atomic.Int64
}

// Watch returns the subscription the client was registered with.
func (c *Client) Watch() Watch { return c.watch }

// Dropped returns how many messages were discarded because the client's
// queue was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

func (c *Client) matches(f arc.Filter) bool {
	if c.watch.URL != f.URL {
		return false
	}
	return len(f.Users) == 0 || slices.Contains(f.Users, c.watch.User)
}

// trySend queues msg without blocking. A full queue drops the message.
// Must be called with the registry lock held so the queue cannot close
// underneath it.
func (c *Client) trySend(msg []byte) bool {
	select {
	case c.queue <- msg:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Registry tracks connected clients. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	clients   map[Conn]*Client
	closed    bool
	wg        sync.WaitGroup
	queueSize int
	logger    arc.Logger
}

var _ arc.Notifier = (*Registry)(nil)

// NewRegistry returns an empty registry whose clients buffer up to
// queueSize outbound messages.
func NewRegistry(logger arc.Logger, queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		clients:   make(map[Conn]*Client),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Register starts delivering events matching w to conn. Registering a
// connection twice returns its existing client unchanged.
func (r *Registry) Register(conn Conn, w Watch) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.clients[conn]; ok {
		return c, nil
	}

	c := &Client{conn: conn, watch: w, queue: make(chan []byte, r.queueSize)}
	r.clients[conn] = c
	r.wg.Add(1)
	go r.run(c)

	r.logger.Debug("client registered", "url", w.URL, "user", w.User, "sid", w.SID, "total", len(r.clients))
	return c, nil
}

// Unregister stops delivery to conn. Messages already queued are still
// written before the connection is closed.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn)
}

func (r *Registry) removeLocked(conn Conn) {
	c, ok := r.clients[conn]
	if !ok {
		return
	}
	delete(r.clients, conn)
	close(c.queue)
}

// drop unregisters c unless its connection has since been registered
// again.
func (r *Registry) drop(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c.conn] == c {
		r.removeLocked(c.conn)
	}
}

// run writes queued messages to the client until its queue is closed. A
// failed write unregisters the client and discards whatever is left.
func (r *Registry) run(c *Client) {
	defer r.wg.Done()
	defer func() {
		if err := c.conn.Close(); err != nil {
			r.logger.Debug("closing client connection failed", "url", c.watch.URL, "error", err)
		}
	}()

	for msg := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
		err := c.conn.Send(ctx, msg)
		cancel()
		if err != nil {
			r.logger.Warn("sending to client failed", "url", c.watch.URL, "user", c.watch.User, "error", err)
			r.drop(c)
			for range c.queue {
			}
			return
		}
	}
}

// Notify queues event for every client matching filter.
func (r *Registry) Notify(ctx context.Context, event arc.Event, filter arc.Filter) {
	msg, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("encoding event failed", "operation", event.Operation, "id", event.ID, "error", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if !c.matches(filter) {
			continue
		}
		if !c.trySend(msg) {
			r.logger.Warn("client queue full, dropping event", "url", c.watch.URL, "user", c.watch.User, "operation", event.Operation)
		}
	}
}

// CloseByURL unregisters every client watching url. Queued messages are
// flushed first.
func (r *Registry) CloseByURL(ctx context.Context, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for conn, c := range r.clients {
		if c.watch.URL == url {
			r.removeLocked(conn)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("clients closed", "url", url, "count", n)
	}
}

// HasUser reports whether user has a client that filter would reach.
func (r *Registry) HasUser(user string, filter arc.Filter) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.watch.User == user && c.matches(filter) {
			return true
		}
	}
	return false
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close unregisters every client and waits for their queues to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for conn := range r.clients {
		r.removeLocked(conn)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Debug("notification registry closed")
}
