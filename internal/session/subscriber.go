package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"odin-term/internal/wire"
)

// Default bounded queue capacities, overridable via Config.
const (
	DefaultOutputQueueCap   = 256
	DefaultPriorityQueueCap = 64
)

// Subscriber is one (connection, sessionName) pair in a hub's membership
// set. It owns two bounded frame lanes drained by the connection's
// writer goroutine: an output lane subject to the coalescing/drop policy
// and a priority lane for state frames that must never be silently
// dropped.
type Subscriber struct {
	ID          string
	SessionName string
	Principal   *Principal

	mu       sync.Mutex
	output   []*wire.ServerFrame
	priority []*wire.ServerFrame
	outCap   int
	priCap   int
	wake     chan struct{}

	lastActivity atomic.Int64 // unix nanos
	idle         atomic.Bool

	closeOnce   sync.Once
	closed      chan struct{}
	evictReason string
}

// NewSubscriber constructs a Subscriber with the given queue capacities.
// A zero cap falls back to the package defaults.
func NewSubscriber(id, sessionName string, principal *Principal, outCap, priCap int) *Subscriber {
	if outCap <= 0 {
		outCap = DefaultOutputQueueCap
	}
	if priCap <= 0 {
		priCap = DefaultPriorityQueueCap
	}
	s := &Subscriber{
		ID:          id,
		SessionName: sessionName,
		Principal:   principal,
		outCap:      outCap,
		priCap:      priCap,
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

func (s *Subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// EnqueueOutput applies the broadcast fabric's output policy (§4.3):
// enqueue if there's room; otherwise coalesce by discarding up to half of
// the buffered output frames and enqueue; if that still leaves no room,
// evict the subscriber with SLOW_CONSUMER. Returns true if the subscriber
// was evicted as a result.
func (s *Subscriber) EnqueueOutput(frame *wire.ServerFrame) (evicted bool) {
	s.mu.Lock()
	if len(s.output) >= s.outCap {
		s.coalesceLocked()
	}
	if len(s.output) >= s.outCap {
		s.mu.Unlock()
		s.Evict(wire.ErrSlowConsumer)
		return true
	}
	s.output = append(s.output, frame)
	s.mu.Unlock()
	s.signal()
	return false
}

// coalesceLocked discards up to half of the buffered output frames
// (oldest first); caller must hold s.mu. Every frame in this lane
// belongs to the same session by construction (one Subscriber per
// session), so no per-frame session check is needed.
func (s *Subscriber) coalesceLocked() {
	n := len(s.output)
	if n == 0 {
		return
	}
	drop := n / 2
	if drop == 0 {
		drop = 1
	}
	s.output = append([]*wire.ServerFrame(nil), s.output[drop:]...)
}

// EnqueuePriority enqueues a non-output frame. The priority lane is
// never coalesced: if it is full, the subscriber is evicted with
// SLOW_CONSUMER. Returns true if the subscriber was evicted.
func (s *Subscriber) EnqueuePriority(frame *wire.ServerFrame) (evicted bool) {
	s.mu.Lock()
	if len(s.priority) >= s.priCap {
		s.mu.Unlock()
		s.Evict(wire.ErrSlowConsumer)
		return true
	}
	s.priority = append(s.priority, frame)
	s.mu.Unlock()
	s.signal()
	return false
}

// Dequeue blocks until a frame is available, the subscriber is closed, or
// ctx is done. The priority lane always drains before the output lane.
func (s *Subscriber) Dequeue(ctx context.Context) (*wire.ServerFrame, bool) {
	for {
		if f, ok := s.tryDequeue(); ok {
			return f, true
		}
		select {
		case <-s.closed:
			if f, ok := s.tryDequeue(); ok {
				return f, true
			}
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		}
	}
}

func (s *Subscriber) tryDequeue() (*wire.ServerFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.priority) > 0 {
		f := s.priority[0]
		s.priority = s.priority[1:]
		return f, true
	}
	if len(s.output) > 0 {
		f := s.output[0]
		s.output = s.output[1:]
		return f, true
	}
	return nil, false
}

// Touch records activity and clears the idle flag.
func (s *Subscriber) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.idle.Store(false)
}

// LastActivity returns the last recorded activity time.
func (s *Subscriber) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// MarkIdle flips the idle flag without touching lastActivity.
func (s *Subscriber) MarkIdle(idle bool) {
	s.idle.Store(idle)
}

// Idle reports the subscriber's idle flag.
func (s *Subscriber) Idle() bool {
	return s.idle.Load()
}

// Evict closes the subscriber with a reason the connection endpoint
// sends to the client as an error frame code. Safe to call more than once; only the first
// call has an effect, matching the single-shot removal signal the data
// model requires to avoid double-close races between the Hub and the
// Connection.
func (s *Subscriber) Evict(reason string) {
	s.closeOnce.Do(func() {
		s.evictReason = reason
		close(s.closed)
	})
}

// Closed reports the subscriber's single-shot removal signal.
func (s *Subscriber) Closed() <-chan struct{} {
	return s.closed
}

// EvictReason returns the reason passed to Evict, or "" if still open.
func (s *Subscriber) EvictReason() string {
	return s.evictReason
}
