package synth

import (
	"sync"
	"time"
)

// EventKind identifies the notifications published on the engine feed.
type EventKind int

const (
	EventStarted EventKind = iota
	EventChunk
	EventCompleted
	EventError
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventChunk:
		return "chunk"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether k ends a session's notification stream.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventError || k == EventCancelled
}

// Event is one session notification.
type Event struct {
	Kind      EventKind
	SessionID string

	// Seq numbers the events of a session starting at 1.
	Seq int

	// Audio is the chunk payload for EventChunk.
	Audio []byte

	// Size is the running total for EventChunk and the final size for
	// EventCompleted.
	Size int

	// VoiceID and TextLength describe the request on EventStarted.
	VoiceID    string
	TextLength int

	// Err and Message are set for EventError. Message is user-visible.
	Err     error
	Message string

	Time time.Time
}

// feed is the engine-wide fan-out. Publishing never blocks on a slow
// subscriber: each subscription owns an unbounded queue drained by its own
// goroutine, so every subscriber sees every event in publish order.
type feed struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newFeed() *feed {
	return &feed{subs: make(map[*Subscription]struct{})}
}

func (f *feed) subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	out := make(chan Event, buffer)
	s := &Subscription{
		C:     out,
		out:   out,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		drain: make(chan struct{}),
		feed:  f,
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	go s.pump()
	return s
}

func (f *feed) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		s.enqueue(ev)
	}
}

func (f *feed) remove(s *Subscription) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

// Subscription receives every event published after it was created until
// Close or Drain is called. C is closed once the subscription has ended.
type Subscription struct {
	C <-chan Event

	out  chan Event
	feed *feed

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	drain     chan struct{}
	drainOnce sync.Once
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.drain:
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Drain detaches the subscription from the feed but keeps delivering the
// events already queued; C is closed after the last of them. Close still
// ends delivery at once.
func (s *Subscription) Drain() {
	s.drainOnce.Do(func() {
		s.feed.remove(s)
		close(s.drain)
	})
}

// Close detaches the subscription and drops anything still queued. It is
// safe to call more than once and does not affect other subscribers.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.feed.remove(s)
		close(s.done)
	})
}
