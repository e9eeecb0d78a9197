package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	applogger "PulseScout/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// Consumer reads registered topics and fans messages out to a worker pool.
// Messages of one partition are handled one at a time, in order.
type Consumer struct {
	cfg      *ConsumerConfig
	l        *applogger.Logger
	hook     ConsumerHook
	readers  map[string]*kafka.Reader
	handlers map[string]MessageHandler
	dlq      *kafka.Writer

	queue    chan kafka.Message
	stopChan chan struct{}
	stopOnce sync.Once
	readWg   sync.WaitGroup
	wg       sync.WaitGroup

	partMu    sync.Mutex
	partLocks map[partitionKey]*sync.Mutex
}

type partitionKey struct {
	topic     string
	partition int
}

// NewConsumer creates a consumer. Nothing connects until Start.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: brokers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = applogger.Nop()
	}
	initMetrics()

	c := &Consumer{
		cfg:       cfg,
		l:         cfg.Logger,
		hook:      NoopHook{},
		readers:   make(map[string]*kafka.Reader),
		handlers:  make(map[string]MessageHandler),
		queue:     make(chan kafka.Message, cfg.BufferSize),
		stopChan:  make(chan struct{}),
		partLocks: make(map[partitionKey]*sync.Mutex),
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.DLQTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}
	return c, nil
}

// WithConsumerHook sets a hook implementation for lifecycle events.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// RegisterHandler registers a handler for its topic. Must be called before Start.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.l.Warn("kafka consumer: handler already registered", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// Start opens one reader per registered topic and starts the workers.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no handlers registered")
	}
	for topic := range c.handlers {
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     c.cfg.Brokers,
			Topic:       topic,
			GroupID:     c.cfg.GroupID,
			MinBytes:    c.cfg.MinBytes,
			MaxBytes:    c.cfg.MaxBytes,
			StartOffset: startOffset(c.cfg.AutoOffsetReset),
		})
	}

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.wg.Add(1)
		go c.work()
	}
	for topic, reader := range c.readers {
		c.readWg.Add(1)
		go c.fetch(topic, reader)
	}
	c.l.Info("kafka consumer: started",
		applogger.Int("topics", len(c.readers)),
		applogger.Int("workers", c.cfg.WorkerCount),
	)
	return nil
}

// Stop stops fetching, drains queued messages and closes readers.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.l.Info("kafka consumer: stopping")
		close(c.stopChan)

		// fetchers must be gone before their queue is closed
		err = waitFor(ctx, &c.readWg)
		if err == nil {
			close(c.queue)
			err = waitFor(ctx, &c.wg)
		}

		for topic, reader := range c.readers {
			if cerr := reader.Close(); cerr != nil {
				c.l.Warn("kafka consumer: close reader", applogger.String("topic", topic), applogger.Error(cerr))
			}
		}
		if c.dlq != nil {
			if cerr := c.dlq.Close(); cerr != nil {
				c.l.Warn("kafka consumer: close dlq writer", applogger.Error(cerr))
			}
		}
		if err == nil {
			c.l.Info("kafka consumer: stopped")
		}
	})
	return err
}

func waitFor(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka consumer: stop: %w", ctx.Err())
	}
}

func (c *Consumer) fetch(topic string, reader *kafka.Reader) {
	defer c.readWg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.l.Warn("kafka consumer: fetch", applogger.String("topic", topic), applogger.Error(err))
			select {
			case <-time.After(c.cfg.BackoffMin):
			case <-c.stopChan:
				return
			}
			continue
		}

		select {
		case c.queue <- km:
			consumerQueueDepth.WithLabelValues(topic).Set(float64(len(c.queue)))
		case <-c.stopChan:
			return
		}
	}
}

func (c *Consumer) work() {
	defer c.wg.Done()
	for km := range c.queue {
		c.process(km)
	}
}

// process runs one message through the hook, the handler with retries and the DLQ,
// then commits when the message is settled.
func (c *Consumer) process(km kafka.Message) {
	handler, ok := c.handlers[km.Topic]
	if !ok {
		return
	}
	start := time.Now()

	pl := c.partitionLock(km.Topic, km.Partition)
	pl.Lock()
	defer pl.Unlock()

	ctx := context.Background()
	attempts, aborted, err := c.handle(ctx, handler, km)
	if aborted {
		return
	}
	c.hook.After(ctx, km.Topic, km, err)

	result := "ok"
	settled := err == nil
	if err != nil {
		result = "failed"
		rejected := IsRejected(err)
		if rejected {
			result = "rejected"
		}
		c.l.Error("kafka consumer: handle message",
			applogger.String("topic", km.Topic),
			applogger.Int("partition", km.Partition),
			applogger.Int64("offset", km.Offset),
			applogger.Int("attempts", attempts),
			applogger.Error(err),
		)
		// rejected messages are settled even without a DLQ
		settled = c.deadLetter(ctx, km, err) || rejected
	}
	consumerResults.WithLabelValues(km.Topic, result).Inc()
	consumerHandleLatency.WithLabelValues(km.Topic).Observe(time.Since(start).Seconds())

	// an unsettled message is redelivered after a rebalance or restart
	if settled {
		if reader := c.readers[km.Topic]; reader != nil {
			_ = c.commitWithRetry(reader, km, 3)
		}
	}
}

// handle returns the final error and attempts made. aborted is set when Stop
// interrupted the backoff, leaving the message uncommitted.
func (c *Consumer) handle(ctx context.Context, handler MessageHandler, km kafka.Message) (attempts int, aborted bool, err error) {
	if err := c.hook.Before(ctx, km.Topic, km); err != nil {
		return 0, false, err
	}
	for {
		attempts++
		err = c.safeHandle(ctx, handler, km.Value)
		if err == nil || attempts > c.cfg.RetryMax {
			return attempts, false, err
		}
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)):
		case <-c.stopChan:
			return attempts, true, err
		}
	}
}

func (c *Consumer) safeHandle(ctx context.Context, handler MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, data)
}

// deadLetter reports whether the failed message may be committed.
func (c *Consumer) deadLetter(ctx context.Context, km kafka.Message, cause error) bool {
	if c.dlq == nil {
		return false
	}
	headers := []kafka.Header{
		{Key: "source_topic", Value: []byte(km.Topic)},
		{Key: "source_offset", Value: []byte(fmt.Sprint(km.Offset))},
		{Key: "error", Value: []byte(cause.Error())},
	}
	var re *RejectError
	if errors.As(cause, &re) {
		headers = append(headers, kafka.Header{Key: "reject_code", Value: []byte(re.Code)})
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.dlq.WriteMessages(wctx, kafka.Message{
		Key:     km.Key,
		Value:   km.Value,
		Time:    time.Now(),
		Headers: headers,
	}); err != nil {
		c.l.Error("kafka consumer: write dlq", applogger.String("topic", c.cfg.DLQTopic), applogger.Error(err))
		return false
	}
	return true
}

// commitWithRetry commits a single message offset with bounded retries.
func (c *Consumer) commitWithRetry(reader *kafka.Reader, km kafka.Message, max int) error {
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = reader.CommitMessages(ctx, km)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.l.Warn("kafka consumer: commit failed",
		applogger.String("topic", km.Topic),
		applogger.Int64("offset", km.Offset),
		applogger.Error(err),
	)
	return err
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	c.partMu.Lock()
	defer c.partMu.Unlock()
	key := partitionKey{topic, partition}
	mu, ok := c.partLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.partLocks[key] = mu
	}
	return mu
}

func startOffset(reset string) int64 {
	if reset == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

// backoffWithJitter doubles min per attempt up to max, minus up to half as jitter.
func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	exp := max
	if attempt < 31 {
		if d := min << uint(attempt-1); d > 0 && d < max {
			exp = d
		}
	}
	half := int64(exp) / 2
	if half <= 0 {
		return exp
	}
	return exp - time.Duration(rand.Int63n(half))
}
