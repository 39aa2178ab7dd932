package velocity

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// errConsumerStalled is the cause recorded when a parked delivery times out.
	errConsumerStalled = errors.New("consumer stalled past block timeout")
	errDeliveryAborted = errors.New("delivery aborted")
)

// StreamEmitter appends new tokens to sequences and pushes them, batched into
// chunks, to each request's bounded channel.
//
// Under the block policy a chunk that does not fit the channel is parked: a
// goroutine waits for the consumer while the engine keeps stepping every other
// sequence. The parked sequence sits out of batch formation until Settle
// reports the delivery finished, so a slow consumer only delays its own stream.
type StreamEmitter struct {
	cfg  StreamConfig
	stop <-chan struct{}
	now  func() time.Time
	wake func()
}

// parkedDelivery is one chunk waiting on a full channel.
type parkedDelivery struct {
	abort chan struct{}
	done  chan struct{}
	err   error // valid once done is closed
}

// NewStreamEmitter creates an emitter. stop aborts parked deliveries when the
// engine shuts down; wake, if set, is called whenever a parked delivery ends.
func NewStreamEmitter(cfg StreamConfig, stop <-chan struct{}, now func() time.Time, wake func()) *StreamEmitter {
	if now == nil {
		now = time.Now
	}
	if wake == nil {
		wake = func() {}
	}
	return &StreamEmitter{cfg: cfg, stop: stop, now: now, wake: wake}
}

// Emit appends token to seq and pushes a chunk once ChunkTokens are pending.
// A non-nil error means the consumer can no longer receive.
func (em *StreamEmitter) Emit(seq *Sequence, token int) error {
	seq.Generated = append(seq.Generated, token)
	if seq.FirstTokenTime.IsZero() {
		seq.FirstTokenTime = em.now()
	}
	seq.pending = append(seq.pending, token)
	if len(seq.pending) < em.chunkTokens() {
		return nil
	}
	return em.Flush(seq)
}

// Flush pushes any pending tokens as one chunk. The chunk is committed either
// way: delivered now, or parked behind a full channel.
func (em *StreamEmitter) Flush(seq *Sequence) error {
	if len(seq.pending) == 0 || seq.handle == nil {
		return nil
	}
	if seq.parked != nil {
		return fmt.Errorf("flush of %s with a delivery in flight", seq.ID)
	}
	c := Chunk{SeqID: seq.ID, Index: seq.chunkIndex, Tokens: seq.pending}
	em.deliver(seq, c)
	seq.chunkIndex++
	seq.pending = nil
	return nil
}

// Parked reports whether seq has a chunk waiting on its consumer.
func (em *StreamEmitter) Parked(seq *Sequence) bool {
	return seq.parked != nil
}

// Settle checks seq's parked delivery without blocking. It returns false while
// the chunk is still waiting. Once the delivery ends, seq is unparked and the
// delivery's error, if any, is returned exactly once.
func (em *StreamEmitter) Settle(seq *Sequence) (bool, error) {
	p := seq.parked
	if p == nil {
		return true, nil
	}
	select {
	case <-p.done:
		seq.parked = nil
		return true, p.err
	default:
		return false, nil
	}
}

// Close terminates the sequence's stream exactly once. Pending tokens are
// flushed only for a normally completed sequence. A failed sequence aborts
// its parked chunk; a completed one closes the stream after the chunk lands.
func (em *StreamEmitter) Close(seq *Sequence, err error) {
	h := seq.handle
	if h == nil {
		return
	}
	if err == nil && seq.parked == nil {
		if ferr := em.Flush(seq); ferr != nil {
			logrus.Debugf("flush of %s on close failed: %v", seq.ID, ferr)
			err = ferr
		}
	}
	seq.pending = nil
	p := seq.parked
	seq.parked = nil
	switch {
	case p == nil:
		h.close(err)
	case err != nil:
		close(p.abort)
		<-p.done
		h.close(err)
	default:
		go func() {
			<-p.done
			h.close(p.err)
		}()
	}
}

func (em *StreamEmitter) chunkTokens() int {
	return max(1, em.cfg.ChunkTokens)
}

func (em *StreamEmitter) deliver(seq *Sequence, c Chunk) {
	h := seq.handle
	if em.cfg.Policy == PolicyDropOldest {
		for {
			select {
			case h.chunks <- c:
				return
			default:
			}
			select {
			case old := <-h.chunks:
				seq.Dropped++
				logrus.Warnf("dropped chunk %d of %s: consumer is behind", old.Index, seq.ID)
			default:
			}
		}
	}

	select {
	case h.chunks <- c:
		return
	default:
	}
	logrus.Debugf("chunk %d of %s parked: consumer is behind", c.Index, seq.ID)
	seq.parked = em.park(h, c)
}

func (em *StreamEmitter) park(h *Handle, c Chunk) *parkedDelivery {
	p := &parkedDelivery{abort: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer em.wake()
		defer close(p.done)

		var timeout <-chan time.Time
		if em.cfg.BlockTimeout > 0 {
			t := time.NewTimer(em.cfg.BlockTimeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case h.chunks <- c:
		case <-h.cancelCh:
			p.err = ErrCancelled
		case <-em.stop:
			p.err = ErrEngineStopped
		case <-p.abort:
			p.err = errDeliveryAborted
		case <-timeout:
			p.err = fmt.Errorf("%w: %w", ErrCancelled, errConsumerStalled)
		}
	}()
	return p
}
