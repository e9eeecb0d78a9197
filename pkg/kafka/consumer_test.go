package kafka

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	topic string
	fails int32
	calls atomic.Int32
	panic bool
}

func (h *countingHandler) Topic() string { return h.topic }

func (h *countingHandler) Handle(context.Context, []byte) error {
	n := h.calls.Add(1)
	if h.panic {
		panic("bad payload")
	}
	if n <= h.fails {
		return errors.New("transient")
	}
	return nil
}

type recordingHook struct {
	reject error
	after  []error
}

func (r *recordingHook) Before(context.Context, string, kafka.Message) error { return r.reject }

func (r *recordingHook) After(_ context.Context, _ string, _ kafka.Message, err error) {
	r.after = append(r.after, err)
}

func newTestConsumer(t *testing.T, h MessageHandler, hook ConsumerHook) *Consumer {
	t.Helper()
	c, err := NewConsumer(
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)
	c.RegisterHandler(h)
	c.WithConsumerHook(hook)
	return c
}

func TestNewConsumerRequiresBrokers(t *testing.T) {
	_, err := NewConsumer()
	assert.Error(t, err)
}

func TestProcessRetriesUntilSuccess(t *testing.T) {
	h := &countingHandler{topic: "retry.ok", fails: 2}
	hook := &recordingHook{}
	c := newTestConsumer(t, h, hook)

	c.process(kafka.Message{Topic: "retry.ok", Value: []byte(`{}`)})

	assert.EqualValues(t, 3, h.calls.Load())
	assert.Equal(t, []error{nil}, hook.after)
	assert.Equal(t, 1.0, testutil.ToFloat64(consumerResults.WithLabelValues("retry.ok", "ok")))
}

func TestProcessGivesUpAfterRetryMax(t *testing.T) {
	h := &countingHandler{topic: "retry.fail", fails: 100}
	hook := &recordingHook{}
	c := newTestConsumer(t, h, hook)

	c.process(kafka.Message{Topic: "retry.fail", Value: []byte(`{}`)})

	assert.EqualValues(t, 3, h.calls.Load())
	require.Len(t, hook.after, 1)
	assert.EqualError(t, hook.after[0], "transient")
	assert.Equal(t, 1.0, testutil.ToFloat64(consumerResults.WithLabelValues("retry.fail", "failed")))
}

func TestProcessRejectedSkipsHandler(t *testing.T) {
	h := &countingHandler{topic: "rejected"}
	hook := &recordingHook{reject: Reject("ERR_TOO_LARGE", nil)}
	c := newTestConsumer(t, h, hook)

	c.process(kafka.Message{Topic: "rejected", Value: []byte(`{}`)})

	assert.Zero(t, h.calls.Load())
	require.Len(t, hook.after, 1)
	assert.True(t, IsRejected(hook.after[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(consumerResults.WithLabelValues("rejected", "rejected")))
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	h := &countingHandler{topic: "panics", panic: true}
	hook := &recordingHook{}
	c := newTestConsumer(t, h, hook)

	assert.NotPanics(t, func() { c.process(kafka.Message{Topic: "panics"}) })
	require.Len(t, hook.after, 1)
	assert.ErrorContains(t, hook.after[0], "handler panic")
}

func TestProcessUnknownTopic(t *testing.T) {
	hook := &recordingHook{}
	c := newTestConsumer(t, &countingHandler{topic: "known"}, hook)

	c.process(kafka.Message{Topic: "unknown"})
	assert.Empty(t, hook.after)
}

func TestStartWithoutHandlers(t *testing.T) {
	c, err := NewConsumer(WithConsumerBrokers([]string{"localhost:9092"}))
	require.NoError(t, err)
	assert.Error(t, c.Start())
}

func TestBackoffWithJitter(t *testing.T) {
	for attempt := 1; attempt <= 40; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 80*time.Millisecond, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 80*time.Millisecond)
	}
	assert.LessOrEqual(t, backoffWithJitter(10*time.Millisecond, time.Second, 1), 10*time.Millisecond)
}

func TestRejectError(t *testing.T) {
	cause := errors.New("too big")
	err := Reject("ERR_TOO_LARGE", cause)
	assert.EqualError(t, err, "ERR_TOO_LARGE: too big")
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRejected(cause))
}
