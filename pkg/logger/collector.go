package logger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Publisher ships a batch of aggregated log entries, e.g. to a Kafka topic.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type CollectionConfig struct {
	TimeInterval   time.Duration // flush interval (e.g., 30s)
	CountThreshold int           // max unique logs before flush (e.g., 100)
	Topic          string        // topic to send aggregated logs
	Publisher      Publisher     // interface to send aggregated logs
	Clock          clockwork.Clock
}

type AggregatedLogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// LogCollector folds repeated log lines into counted digests and publishes them
// every TimeInterval or once CountThreshold distinct lines are pending.
type LogCollector struct {
	config *CollectionConfig
	clock  clockwork.Clock

	mu     sync.Mutex
	logMap map[string]*AggregatedLogEntry

	stop     chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
	sends    sync.WaitGroup
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	if config.TimeInterval <= 0 {
		config.TimeInterval = 30 * time.Second
	}
	if config.CountThreshold <= 0 {
		config.CountThreshold = 100
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &LogCollector{
		config: config,
		clock:  clock,
		logMap: make(map[string]*AggregatedLogEntry),
		stop:   make(chan struct{}),
	}

	c.loop.Add(1)
	go c.periodicFlush()
	return c
}

func (c *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := c.clock.Now()
	key := digestKey(level, message, fields, caller)

	c.mu.Lock()
	if entry, ok := c.logMap[key]; ok {
		entry.Count++
		entry.LastSeen = now
	} else {
		c.logMap[key] = &AggregatedLogEntry{
			Level:     level,
			Message:   message,
			Fields:    fields,
			Caller:    caller,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}
	}
	var batch []AggregatedLogEntry
	if len(c.logMap) >= c.config.CountThreshold {
		batch = c.drainLocked()
	}
	c.mu.Unlock()

	if batch != nil {
		c.sends.Add(1)
		go func() {
			defer c.sends.Done()
			c.publish(batch)
		}()
	}
}

func digestKey(level, message string, fields map[string]interface{}, caller string) string {
	data := struct {
		Level   string                 `json:"level"`
		Message string                 `json:"message"`
		Fields  map[string]interface{} `json:"fields"`
		Caller  string                 `json:"caller"`
	}{level, message, fields, caller}

	// encoding/json sorts map keys, so equal field sets hash equally
	b, _ := json.Marshal(data)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (c *LogCollector) periodicFlush() {
	defer c.loop.Done()

	ticker := c.clock.NewTicker(c.config.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.flush()
		case <-c.stop:
			return
		}
	}
}

func (c *LogCollector) flush() {
	c.mu.Lock()
	batch := c.drainLocked()
	c.mu.Unlock()
	if batch != nil {
		c.publish(batch)
	}
}

// drainLocked returns the pending entries oldest first and resets the map.
func (c *LogCollector) drainLocked() []AggregatedLogEntry {
	if len(c.logMap) == 0 {
		return nil
	}
	logs := make([]AggregatedLogEntry, 0, len(c.logMap))
	for _, entry := range c.logMap {
		logs = append(logs, *entry)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].FirstSeen.Before(logs[j].FirstSeen) })
	c.logMap = make(map[string]*AggregatedLogEntry)
	return logs
}

func (c *LogCollector) publish(logs []AggregatedLogEntry) {
	if c.config.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// the logger itself cannot be used here
	if err := c.config.Publisher.PublishMessage(ctx, c.config.Topic, logs); err != nil {
		fmt.Fprintf(os.Stderr, "log collector: publish %d entries: %v\n", len(logs), err)
	}
}

// Close stops the flush loop, publishes what is pending and waits for in-flight sends.
func (c *LogCollector) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.loop.Wait()
		c.flush()
		c.sends.Wait()
	})
}
