package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

// NewPipe creates a connected pair of in-memory store-and-forward endpoints.
// Messages are delivered asynchronously and in order, with server timestamps
// stamped at enqueue and delivery time, which is enough to exercise the
// message-age gating that a real server would drive.
func NewPipe() (*PipeEndpoint, *PipeEndpoint) {
	a := newPipeEndpoint("a")
	b := newPipeEndpoint("b")
	a.peer, b.peer = b, a
	return a, b
}

// PipeEndpoint is one side of a Pipe.
type PipeEndpoint struct {
	name string
	peer *PipeEndpoint

	mu      sync.Mutex
	handler func(Message)
	queue   chan Message
	closed  bool
	done    chan struct{}
}

func newPipeEndpoint(name string) *PipeEndpoint {
	e := &PipeEndpoint{
		name:  name,
		queue: make(chan Message, 64),
		done:  make(chan struct{}),
	}
	go e.deliverLoop()
	return e
}

// OnMessage registers the inbound message handler. Must be set before the
// remote side sends.
func (e *PipeEndpoint) OnMessage(fn func(Message)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// Send enqueues a message for the remote endpoint.
func (e *PipeEndpoint) Send(ctx context.Context, msg Message) error {
	peer := e.peer
	now := uint64(time.Now().UnixMilli())
	msg.ServerReceivedAt = now

	peer.mu.Lock()
	closed := peer.closed
	peer.mu.Unlock()
	if closed {
		return fmt.Errorf("pipe endpoint %s is closed", peer.name)
	}

	select {
	case peer.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-peer.done:
		return fmt.Errorf("pipe endpoint %s is closed", peer.name)
	}
}

// Close stops delivery on this endpoint.
func (e *PipeEndpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.done)
}

func (e *PipeEndpoint) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.queue:
			msg.ServerDeliveredAt = uint64(time.Now().UnixMilli())
			e.mu.Lock()
			fn := e.handler
			e.mu.Unlock()
			if fn == nil {
				log.Warnw("dropping message with no handler", "endpoint", e.name, "kind", msg.Kind)
				continue
			}
			fn(msg)
		}
	}
}
