package velocity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Chunk is an ordered slice of generated acoustic tokens for one request.
// Index increases by one per chunk, starting at 0.
type Chunk struct {
	SeqID  string
	Index  int
	Tokens []int
}

// Handle is the caller's side of a submitted request: a bounded stream of
// chunks closed exactly once with a terminal error (nil on normal completion),
// plus a cancellation flag.
type Handle struct {
	id     string
	chunks chan Chunk
	done   chan struct{}
	err    error // written once before chunks is closed

	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	closeOnce  sync.Once
	wake       func()
}

func newHandle(id string, buffer int, wake func()) *Handle {
	return &Handle{
		id:       id,
		chunks:   make(chan Chunk, buffer),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
		wake:     wake,
	}
}

// ID returns the request id.
func (h *Handle) ID() string { return h.id }

// Cancel requests cooperative cancellation. The engine observes it at the top
// of the next tick; a result computed for the current tick is discarded.
// Safe to call many times and from any goroutine.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.cancelled.Store(true)
		close(h.cancelCh)
		if h.wake != nil {
			h.wake()
		}
	})
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Chunks exposes the receive side of the stream. The channel is closed after
// the last chunk; Err then reports how the stream ended.
func (h *Handle) Chunks() <-chan Chunk { return h.chunks }

// Done is closed once the stream has terminated. Chunks still buffered at
// that point remain readable.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error once Done is closed: nil for a normally
// completed request. It returns nil while the stream is still open.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Poll returns the next chunk. After the last chunk it returns ErrEndOfStream
// for a completed request or the terminal error otherwise.
func (h *Handle) Poll(ctx context.Context) (Chunk, error) {
	select {
	case c, ok := <-h.chunks:
		if !ok {
			if h.err == nil {
				return Chunk{}, ErrEndOfStream
			}
			return Chunk{}, h.err
		}
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Collect drains the stream and returns every generated token in order along
// with the terminal error (nil on normal completion).
func (h *Handle) Collect(ctx context.Context) ([]int, error) {
	var tokens []int
	for {
		c, err := h.Poll(ctx)
		if errors.Is(err, ErrEndOfStream) {
			return tokens, nil
		}
		if err != nil {
			return tokens, err
		}
		tokens = append(tokens, c.Tokens...)
	}
}

// close terminates the stream exactly once. Callers must ensure no send on
// chunks is in flight.
func (h *Handle) close(err error) bool {
	closed := false
	h.closeOnce.Do(func() {
		h.err = err
		close(h.done)
		close(h.chunks)
		closed = true
	})
	return closed
}
