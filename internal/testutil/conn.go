package testutil

import (
	"context"
	"errors"
	"sync"
)

// ErrConnFailed is returned by a FakeConn set to fail.
var ErrConnFailed = errors.New("fake connection failed")

// FakeConn is an in-memory client socket that records what it is sent.
// Block holds every Send until Release is called.
type FakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	fail     bool
	gate     chan struct{}
}

func NewFakeConn() *FakeConn {
	return &FakeConn{}
}

// Send records msg, or fails when the connection was set to fail.
func (c *FakeConn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrConnFailed
	}
	c.messages = append(c.messages, append([]byte(nil), msg...))
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Fail makes every following Send return ErrConnFailed.
func (c *FakeConn) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = true
}

// Block holds Send calls until Release.
func (c *FakeConn) Block() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
}

// Release lets blocked and future Send calls through.
func (c *FakeConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// Messages returns a copy of everything sent so far.
func (c *FakeConn) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.messages))
	copy(out, c.messages)
	return out
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
