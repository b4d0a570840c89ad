package zk

import (
	"context"
	"sync"
)

// Channel is a handle to one endpoint of a bidirectional message pipe.
// Messages carry bytes plus handles; writing a message transfers the handles
// to the receiving endpoint.
type Channel struct {
	*Handle
}

type channelMessage struct {
	bytes   []byte
	handles []*Handle
}

type channelEndpoint struct {
	refcount
	k    *Kernel
	pair *channelPair
	idx  int // 0 or 1
}

func (*channelEndpoint) kind() string { return "channel" }

func (e *channelEndpoint) release() {
	if e.decref() {
		e.pair.mu.Lock()
		e.pair.closed[e.idx] = true
		e.pair.mu.Unlock()
		e.pair.notify(1 - e.idx)
	}
}

type channelPair struct {
	mu      sync.Mutex
	queues  [2][]channelMessage
	closed  [2]bool
	signals [2]chan struct{} // readable-or-peer-closed edge, capacity 1
}

func (p *channelPair) notify(idx int) {
	select {
	case p.signals[idx] <- struct{}{}:
	default:
	}
}

// NewChannel creates a connected channel pair.
func NewChannel(k *Kernel) (*Channel, *Channel) {
	pair := &channelPair{}
	pair.signals[0] = make(chan struct{}, 1)
	pair.signals[1] = make(chan struct{}, 1)
	a := &channelEndpoint{k: k, pair: pair, idx: 0}
	b := &channelEndpoint{k: k, pair: pair, idx: 1}
	return &Channel{Handle: newHandle(k, a, RightsDefault)},
		&Channel{Handle: newHandle(k, b, RightsDefault)}
}

// AsChannel wraps a generic handle that refers to a channel endpoint.
func AsChannel(h *Handle) (*Channel, error) {
	if h.Kind() != "channel" {
		return nil, StatusWrongType
	}
	return &Channel{Handle: h}, nil
}

func (c *Channel) o() (*channelEndpoint, error) {
	obj, err := c.resolve()
	if err != nil {
		return nil, err
	}
	eo, ok := obj.(*channelEndpoint)
	if !ok {
		return nil, StatusWrongType
	}
	return eo, nil
}

// Write queues a message on the peer endpoint. All handles are validated
// before any is transferred, so a bad handle leaves the caller's handles
// untouched; on success every handle in the slice is invalidated.
func (c *Channel) Write(data []byte, handles []*Handle) error {
	eo, err := c.o()
	if err != nil {
		return err
	}
	for _, h := range handles {
		if !h.Valid() {
			return StatusBadHandle
		}
	}

	eo.pair.mu.Lock()
	if eo.pair.closed[1-eo.idx] {
		eo.pair.mu.Unlock()
		return StatusPeerClosed
	}
	moved := make([]*Handle, 0, len(handles))
	for _, h := range handles {
		m, err := h.take()
		if err != nil {
			// Validated above; a concurrent transfer lost the race. Hand the
			// already-taken handles back so a failed write never consumes
			// the caller's handles.
			eo.pair.mu.Unlock()
			for j, mh := range moved {
				handles[j].restore(mh)
			}
			return err
		}
		moved = append(moved, m)
	}
	msg := channelMessage{bytes: append([]byte(nil), data...), handles: moved}
	eo.pair.queues[1-eo.idx] = append(eo.pair.queues[1-eo.idx], msg)
	eo.pair.mu.Unlock()

	eo.pair.notify(1 - eo.idx)
	return nil
}

// Read dequeues the next message. It fails with StatusShouldWait if the
// queue is empty and StatusPeerClosed if it is empty and the peer is gone.
func (c *Channel) Read() ([]byte, []*Handle, error) {
	eo, err := c.o()
	if err != nil {
		return nil, nil, err
	}
	eo.pair.mu.Lock()
	defer eo.pair.mu.Unlock()
	return eo.readLocked()
}

func (e *channelEndpoint) readLocked() ([]byte, []*Handle, error) {
	q := e.pair.queues[e.idx]
	if len(q) == 0 {
		if e.pair.closed[1-e.idx] {
			return nil, nil, StatusPeerClosed
		}
		return nil, nil, StatusShouldWait
	}
	msg := q[0]
	e.pair.queues[e.idx] = q[1:]
	return msg.bytes, msg.handles, nil
}

// ReadContext blocks until a message arrives, the peer closes, or ctx ends.
func (c *Channel) ReadContext(ctx context.Context) ([]byte, []*Handle, error) {
	eo, err := c.o()
	if err != nil {
		return nil, nil, err
	}
	for {
		eo.pair.mu.Lock()
		data, handles, err := eo.readLocked()
		eo.pair.mu.Unlock()
		if err != StatusShouldWait {
			return data, handles, err
		}
		select {
		case <-eo.pair.signals[eo.idx]:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}
