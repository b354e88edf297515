package nats

import (
	"errors"

	"github.com/wulonghui/dea-ng/internal/logger"
	"github.com/wulonghui/dea-ng/internal/metrics"
)

var (
	ErrClosed              = errors.New("nats client closed")
	ErrInvalidSubject      = errors.New("invalid subject")
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// Handler processes one inbound message. A returned error is logged and
// counted by the client; it never reaches the publisher.
type Handler func(msg *Message) error

// SubscriptionID identifies a subscription made through a client.
// The zero value never refers to a live subscription.
type SubscriptionID uint64

// SubscribeOptions is the resolved form of a set of SubscribeOption.
type SubscribeOptions struct {
	// Queue joins a queue group; each message goes to one group member.
	Queue string

	// DoNotTrack leaves the subscription out of the client's bookkeeping,
	// so Stop will not remove it. The owner must unsubscribe explicitly.
	DoNotTrack bool
}

type SubscribeOption func(*SubscribeOptions)

func Queue(name string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Queue = name
	}
}

func DoNotTrack() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.DoNotTrack = true
	}
}

// ApplySubscribeOptions folds opts into a SubscribeOptions value.
func ApplySubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	return nil
}

// dispatch decodes raw and runs handler, containing any failure.
func dispatch(subject, reply string, raw []byte, handler Handler) {
	log := logger.WithSubject(subject)

	msg, err := ParseMessage(subject, reply, raw)
	if err != nil {
		metrics.HandlerErrorsTotal.WithLabelValues(subject).Inc()
		log.Error().Err(err).Msg("Dropping undecodable message")
		return
	}

	if err := handler(msg); err != nil {
		metrics.HandlerErrorsTotal.WithLabelValues(subject).Inc()
		log.Error().Err(err).Str("reply_to", reply).Msg("Message handler failed")
	}
}
