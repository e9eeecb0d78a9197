package pulse

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	applogger "PulseScout/pkg/logger"
)

// ErrClosed is returned when writing to a subscription that already left the hub.
var ErrClosed = errors.New("pulse: subscription closed")

// ErrQueueFull is reported for a subscriber whose write queue has no room left.
var ErrQueueFull = errors.New("pulse: write queue full")

// Subscriber is the transport side of one connected client.
// WriteEvent must return promptly on a dead connection; transports set their own write deadlines.
type Subscriber interface {
	WriteEvent(ev Event) error
}

// State is the subscription lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscription binds a Subscriber to a hub for its lifetime.
type Subscription struct {
	id  string
	sub Subscriber
	hub *Hub

	state      atomic.Int32
	queue      chan *writeJob
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// writeJob is one queued event and the slot its write result lands in.
type writeJob struct {
	ev     Event
	result chan error
}

func newSubscription(id string, sub Subscriber, hub *Hub) *Subscription {
	return &Subscription{
		id:         id,
		sub:        sub,
		hub:        hub,
		queue:      make(chan *writeJob, hub.queueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) State() State { return State(s.state.Load()) }

// Done is closed once the subscription reaches StateClosed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close stops the heartbeat and removes the subscription from the registry.
// It is safe to call from any goroutine, any number of times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.hub.registry.Unregister(s.id) {
			s.hub.metrics.RecordSubscribers(s.hub.registry.Len())
			s.hub.l.Debug("pulse subscriber closed", applogger.String("subscriber", s.id))
		}
	})
}

// Detach closes the subscription and waits for an in-flight write to return.
// Transports call it before releasing the underlying connection.
func (s *Subscription) Detach() {
	s.Close()
	<-s.writerDone
}

// enqueue appends ev to the write queue without blocking.
func (s *Subscription) enqueue(ev Event) (*writeJob, error) {
	if s.State() == StateClosed {
		return nil, ErrClosed
	}
	j := &writeJob{ev: ev, result: make(chan error, 1)}
	select {
	case s.queue <- j:
		return j, nil
	default:
		return nil, ErrQueueFull
	}
}

// writeLoop is the only goroutine writing to the subscriber, in queue order.
func (s *Subscription) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			return
		case j := <-s.queue:
			if s.State() == StateClosed {
				j.result <- ErrClosed
				return
			}
			j.result <- s.sub.WriteEvent(j.ev)
		}
	}
}

// wait blocks until the job was written, the subscription closed or timeout fired.
func (j *writeJob) wait(done <-chan struct{}, timeout <-chan time.Time) error {
	select {
	case err := <-j.result:
		return err
	default:
	}
	select {
	case err := <-j.result:
		return err
	case <-done:
		return ErrClosed
	case <-timeout:
		return ErrWriteTimeout
	}
}

func (s *Subscription) heartbeat() {
	ticker := s.hub.clock.NewTicker(s.hub.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			if err := s.hub.deliver(s, PingEvent()); err != nil {
				s.hub.metrics.RecordHeartbeat(false)
				s.hub.l.Debug("pulse heartbeat failed",
					applogger.String("subscriber", s.id),
					applogger.Error(err),
				)
				s.Close()
				return
			}
			s.hub.metrics.RecordHeartbeat(true)
		}
	}
}
