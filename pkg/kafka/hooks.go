package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// ConsumerHook observes message handling.
// A non-nil error from Before skips the handler and its retries: the message goes
// straight to the DLQ and its offset is committed. After runs once with the final outcome.
type ConsumerHook interface {
	Before(ctx context.Context, topic string, km kafka.Message) error
	After(ctx context.Context, topic string, km kafka.Message, err error)
}

// NoopHook is a default hook that does nothing.
type NoopHook struct{}

func (NoopHook) Before(context.Context, string, kafka.Message) error { return nil }
func (NoopHook) After(context.Context, string, kafka.Message, error) {}

// RejectError marks a message refused by a hook. Code classifies it, e.g. "ERR_TOO_LARGE".
type RejectError struct {
	Code string
	Err  error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *RejectError) Unwrap() error { return e.Err }

// Reject builds a RejectError.
func Reject(code string, err error) error { return &RejectError{Code: code, Err: err} }

// IsRejected reports whether err came from a hook refusing the message.
func IsRejected(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// HookFuncs adapts plain functions to ConsumerHook. Nil functions are no-ops.
type HookFuncs struct {
	BeforeFunc func(ctx context.Context, topic string, km kafka.Message) error
	AfterFunc  func(ctx context.Context, topic string, km kafka.Message, err error)
}

func (h HookFuncs) Before(ctx context.Context, topic string, km kafka.Message) error {
	if h.BeforeFunc == nil {
		return nil
	}
	return h.BeforeFunc(ctx, topic, km)
}

func (h HookFuncs) After(ctx context.Context, topic string, km kafka.Message, err error) {
	if h.AfterFunc != nil {
		h.AfterFunc(ctx, topic, km, err)
	}
}
