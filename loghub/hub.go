// Package loghub buffers and broadcasts a single preview instance's output
// to live subscribers.
//
// The hub is single-writer, multi-reader: only the owning instance publishes
// entries, while any number of stream subscribers consume them. The bounded
// history drops the oldest entry when full, and slow subscribers lose
// entries silently rather than blocking the producer. Both are deliberate
// lossy policies that keep memory bounded.
package loghub

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one immutable log record. Seq is unique per hub, strictly
// increasing and gapless for the hub's lifetime.
type Entry struct {
	Seq       int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"` // "stdout", "stderr" or "system"
	Message   string    `json:"message"`
}

// Event is what subscribers receive: either a log entry or a no-op
// keep-alive marker emitted when the hub has been idle.
type Event struct {
	Heartbeat bool
	Entry     Entry
}

// PersistFunc is the best-effort persistence sink invoked asynchronously for
// every published entry. Errors are logged by the hub and never reach the
// live stream.
type PersistFunc func(Entry) error

const subscriberBuffer = 256

// Hub is the in-memory fan-out for one instance's log stream.
type Hub struct {
	logger       *slog.Logger
	persist      PersistFunc
	idleInterval time.Duration
	capacity     int

	mu           sync.Mutex
	entries      []Entry
	nextSeq      int64
	subs         map[*Subscription]struct{}
	closed       bool
	lastActivity time.Time

	stopHeartbeat chan struct{}
}

// Config holds hub construction options. Zero values are filled with
// defaults: 1000 retained entries and a 15 second heartbeat interval.
type Config struct {
	Capacity     int
	IdleInterval time.Duration
	Persist      PersistFunc
	Logger       *slog.Logger
}

// NewHub creates a hub and starts its heartbeat timer.
func NewHub(cfg Config) *Hub {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1000
	}
	idle := cfg.IdleInterval
	if idle <= 0 {
		idle = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		logger:        logger.With("component", "LogHub"),
		persist:       cfg.Persist,
		idleInterval:  idle,
		capacity:      capacity,
		entries:       make([]Entry, 0, capacity),
		nextSeq:       1,
		subs:          make(map[*Subscription]struct{}),
		lastActivity:  time.Now(),
		stopHeartbeat: make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

// Publish appends a new entry to the bounded history and broadcasts it to
// every attached subscriber. It never blocks on a slow subscriber or on
// persistence. Publishing on a closed hub is a no-op.
func (h *Hub) Publish(level, source, message string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	entry := Entry{
		Seq:       h.nextSeq,
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
	}
	h.nextSeq++

	if len(h.entries) >= h.capacity {
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, entry)
	h.lastActivity = time.Now()

	h.broadcastLocked(Event{Entry: entry})
	h.mu.Unlock()

	if h.persist != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("Persistence sink panicked", "error", r)
				}
			}()
			if err := h.persist(entry); err != nil {
				h.logger.Warn("Failed to persist log entry", "seq", entry.Seq, "error", err)
			}
		}()
	}
}

// broadcastLocked delivers an event to all subscribers without blocking;
// callers must hold h.mu.
func (h *Hub) broadcastLocked(ev Event) {
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is not keeping up; it loses this event.
		}
	}
}

// Subscribe attaches a new live consumer. The subscriber receives entries
// produced from this moment onward; it does not receive history preceding
// attachment. The returned subscription's channel is closed when the hub
// closes or the subscriber calls Close.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan Event, subscriberBuffer),
		hub: h,
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// History returns up to count of the most recent retained entries, oldest
// first. This is an explicit separate read, not part of the live contract.
func (h *Hub) History(count int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if count <= 0 || len(h.entries) == 0 {
		return nil
	}
	start := len(h.entries) - count
	if start < 0 {
		start = 0
	}
	result := make([]Entry, len(h.entries)-start)
	copy(result, h.entries[start:])
	return result
}

// NextSeq returns the sequence number the next published entry will carry.
func (h *Hub) NextSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// Close ends the stream: every subscriber's channel is closed, yielding a
// clean end-of-sequence rather than an error. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	close(h.stopHeartbeat)
}

func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.idleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopHeartbeat:
			return
		case <-ticker.C:
			h.mu.Lock()
			if h.closed {
				h.mu.Unlock()
				return
			}
			if time.Since(h.lastActivity) >= h.idleInterval {
				h.broadcastLocked(Event{Heartbeat: true})
				h.lastActivity = time.Now()
			}
			h.mu.Unlock()
		}
	}
}

// Subscription is one live consumer attached to a hub's stream.
type Subscription struct {
	// C yields events in publication order until the hub closes or the
	// subscriber disconnects.
	C <-chan Event

	ch        chan Event
	hub       *Hub
	closeOnce sync.Once
}

// Close detaches the subscriber and releases its resources. Safe to call
// concurrently with hub publishes and after hub close.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if _, attached := s.hub.subs[s]; attached {
			delete(s.hub.subs, s)
			close(s.ch)
		}
	})
}
