package pulse

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"PulseScout/internal/domain/models"
	"PulseScout/internal/domain/repository"
	applogger "PulseScout/pkg/logger"
	"PulseScout/pkg/metrics"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultQueueSize         = 256
)

// ErrWriteTimeout is reported for a subscriber that did not accept an event within the write timeout.
var ErrWriteTimeout = errors.New("pulse: write timed out")

// ErrHubClosed is returned by Subscribe after Shutdown.
var ErrHubClosed = errors.New("pulse: hub is shut down")

// Delivery is the outcome of one broadcast attempt for one subscriber.
type Delivery struct {
	SubscriberID string
	Err          error
}

// Report summarizes a broadcast. Failed subscribers are already closed when it is returned.
type Report struct {
	Deliveries []Delivery
	Delivered  int
	Failed     int
}

// Option configures a Hub.
type Option func(*Hub)

func WithClock(c clockwork.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeatInterval = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithQueueSize bounds how many events may wait for one subscriber.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithLogger(l *applogger.Logger) Option {
	return func(h *Hub) { h.l = l }
}

func WithMetrics(m repository.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithGreeting sets the body of the ready event sent on subscribe.
func WithGreeting(v any) Option {
	return func(h *Hub) { h.greetingBody = v }
}

// Hub owns the subscriber registry and fans alerts out to it.
type Hub struct {
	registry *Registry

	clock             clockwork.Clock
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	queueSize         int
	greetingBody      any
	l                 *applogger.Logger
	metrics           repository.Metrics
	newID             func() string
	closed            atomic.Bool

	// publishMu orders enqueues across concurrent broadcasts.
	publishMu sync.Mutex
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		registry:          NewRegistry(),
		clock:             clockwork.NewRealClock(),
		heartbeatInterval: DefaultHeartbeatInterval,
		writeTimeout:      DefaultWriteTimeout,
		queueSize:         DefaultQueueSize,
		greetingBody:      map[string]bool{"ok": true},
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.l == nil {
		h.l = applogger.Nop()
	}
	if h.metrics == nil {
		h.metrics = metrics.Nop{}
	}
	return h
}

// Subscribe registers sub, sends the ready greeting and starts its heartbeat.
// The greeting is queued before registration, so it precedes any broadcast.
func (h *Hub) Subscribe(sub Subscriber) (*Subscription, error) {
	if h.closed.Load() {
		return nil, ErrHubClosed
	}
	greeting, err := NewEvent(EventReady, h.greetingBody)
	if err != nil {
		return nil, err
	}

	s := newSubscription(h.newID(), sub, h)
	job, err := s.enqueue(greeting)
	if err != nil {
		return nil, err
	}
	h.registry.Register(s)
	s.state.Store(int32(StateActive))
	go s.writeLoop()

	timer := h.clock.NewTimer(h.writeTimeout)
	err = job.wait(s.done, timer.Chan())
	timer.Stop()
	if err != nil {
		s.Detach()
		return nil, fmt.Errorf("send greeting: %w", err)
	}
	// lost a race with Shutdown
	if h.closed.Load() {
		s.Detach()
		return nil, ErrHubClosed
	}

	h.metrics.RecordSubscribers(h.registry.Len())
	h.l.Debug("pulse subscriber connected",
		applogger.String("subscriber", s.id),
		applogger.Int("subscribers", h.registry.Len()),
	)

	go s.heartbeat()
	return s, nil
}

// Broadcast delivers a to every subscriber registered at call time.
// It never fails as a whole: per-subscriber errors are reported and those subscribers dropped.
func (h *Hub) Broadcast(a models.Alert) Report {
	ev, err := NewEvent(EventMessage, a)
	if err != nil {
		h.metrics.RecordError("encode_alert")
		h.l.Error("pulse encode alert failed", applogger.Error(err))
		return Report{}
	}

	start := h.clock.Now()
	rep := h.Publish(ev)
	h.metrics.RecordLatency("broadcast", h.clock.Since(start).Seconds())
	h.metrics.RecordAlertBroadcast(a.Source, rep.Delivered, rep.Failed)
	return rep
}

// Publish queues a pre-encoded event on every current subscriber, then waits for the writes,
// which run in parallel across subscribers. Concurrent calls reach each subscriber in call order.
func (h *Hub) Publish(ev Event) Report {
	h.publishMu.Lock()
	subs := h.registry.Snapshot()
	rep := Report{Deliveries: make([]Delivery, len(subs))}
	jobs := make([]*writeJob, len(subs))
	for i, s := range subs {
		j, err := s.enqueue(ev)
		jobs[i] = j
		rep.Deliveries[i] = Delivery{SubscriberID: s.id, Err: err}
	}
	h.publishMu.Unlock()
	if len(subs) == 0 {
		return rep
	}

	timer := h.clock.NewTimer(h.writeTimeout)
	defer timer.Stop()
	timeout := timer.Chan()
	for i, j := range jobs {
		if j == nil {
			continue
		}
		err := j.wait(subs[i].done, timeout)
		if errors.Is(err, ErrWriteTimeout) {
			timeout = expired
		}
		rep.Deliveries[i].Err = err
	}

	for i, d := range rep.Deliveries {
		if d.Err == nil {
			rep.Delivered++
			h.metrics.RecordDelivery("ok")
			continue
		}
		rep.Failed++
		h.metrics.RecordDelivery(deliveryResult(d.Err))
		h.l.Debug("pulse delivery failed",
			applogger.String("subscriber", d.SubscriberID),
			applogger.String("event", ev.Name),
			applogger.Error(d.Err),
		)
		subs[i].Close()
	}
	return rep
}

// expired stands in for a broadcast's timer once it has fired.
var expired = func() <-chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

// deliver queues ev on s and waits for it, giving up after the write timeout.
func (h *Hub) deliver(s *Subscription, ev Event) error {
	j, err := s.enqueue(ev)
	if err != nil {
		return err
	}
	timer := h.clock.NewTimer(h.writeTimeout)
	defer timer.Stop()
	return j.wait(s.done, timer.Chan())
}

func deliveryResult(err error) string {
	switch {
	case errors.Is(err, ErrWriteTimeout):
		return "timeout"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "error"
}

// Len is the number of live subscribers.
func (h *Hub) Len() int { return h.registry.Len() }

// Registry exposes the live set, mainly for tests and stats.
func (h *Hub) Registry() *Registry { return h.registry }

// Shutdown closes every subscription and refuses new ones. Transports blocked on Done return.
func (h *Hub) Shutdown() {
	h.closed.Store(true)
	for _, s := range h.registry.Snapshot() {
		s.Close()
	}
	h.metrics.RecordSubscribers(0)
}
