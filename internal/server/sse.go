package server

import (
	"errors"
	"sync"
)

// sseBuffer is how many frames a subscriber may lag behind before it is
// dropped.
const sseBuffer = 256

var (
	errConnClosed = errors.New("server: connection closed")
	errConnSlow   = errors.New("server: subscriber buffer full")
)

// sseConn queues frames for one event-stream response. The handler
// goroutine drains frames and writes them to the client.
type sseConn struct {
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEConn(buffer int) *sseConn {
	return &sseConn{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *sseConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errConnSlow
	}
}

func (c *sseConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
