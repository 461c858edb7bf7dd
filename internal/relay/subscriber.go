package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectConfig binds one durable consumer to a stream subject.
type SubjectConfig struct {
	Stream   string
	Subject  string
	Consumer string
}

// InboundSubject is the consumer for messages sent by source to this side.
func InboundSubject(source message.Domain, consumer string) SubjectConfig {
	return SubjectConfig{Stream: StreamName, Subject: InboundFilter(source), Consumer: consumer}
}

// Handler processes one bus payload.
type Handler func(ctx context.Context, subject string, data []byte) error

// Disposition is what to tell JetStream after a handler returns.
type Disposition uint8

const (
	DispositionAck Disposition = iota
	DispositionRetry
	DispositionDrop
)

// Dispose maps a handler error to an acknowledgement. Retryable and
// unclassified errors are redelivered; a payload that can never apply is
// terminated.
func Dispose(err error) Disposition {
	if err == nil {
		return DispositionAck
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return DispositionRetry
	}
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindInvariant, fault.KindUnauthorized:
		return DispositionDrop
	default:
		return DispositionRetry
	}
}

// Subscriber runs JetStream consumers with explicit acks.
type Subscriber struct {
	js        jetstream.JetStream
	logger    zerolog.Logger
	metrics   *observability.Metrics
	consumers []jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, logger zerolog.Logger, metrics *observability.Metrics) *Subscriber {
	return &Subscriber{js: js, logger: logger, metrics: metrics}
}

// Subscribe creates or updates the durable consumer and starts handing
// messages to h. Consumers use explicit ack, ack_wait=30s and a bounded
// redelivery count.
func (s *Subscriber) Subscribe(ctx context.Context, cfg SubjectConfig, h Handler) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    50,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		err := h(ctx, msg.Subject(), msg.Data())
		switch Dispose(err) {
		case DispositionAck:
			_ = msg.Ack()
		case DispositionRetry:
			s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("handler failed, redelivering")
			_ = msg.NakWithDelay(2 * time.Second)
		case DispositionDrop:
			s.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("payload rejected, terminating")
			if s.metrics != nil {
				s.metrics.RelayErrors.WithLabelValues("rejected").Inc()
			}
			_ = msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Consumer, err)
	}

	s.consumers = append(s.consumers, cc)
	s.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.Consumer).Msg("subscribed")
	return nil
}

// Stop stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.logger.Info().Msg("subscribers stopped")
}

// DeliverFunc hands a decoded envelope to the receiving side.
type DeliverFunc func(ctx context.Context, env message.Envelope) error

// MessageHandler decodes cross-domain envelopes, tracks source nonces and
// delivers them. Only messages from source are accepted.
func MessageHandler(source message.Domain, tracker *NonceTracker, deliver DeliverFunc, logger zerolog.Logger, metrics *observability.Metrics) Handler {
	return func(ctx context.Context, subject string, data []byte) error {
		env, err := DecodeEnvelope(data)
		if err != nil {
			return err
		}
		if env.Message.Source != source {
			return fmt.Errorf("%w: %s on %s", message.ErrWrongOrigin, env.Message.Source, subject)
		}

		arrival := tracker.Observe(source, env.Message.Nonce)
		if arrival != ArrivalInOrder {
			logger.Debug().
				Str("source", source.String()).
				Uint64("nonce", env.Message.Nonce).
				Str("arrival", arrival.String()).
				Msg("message out of nonce order")
			if metrics != nil {
				metrics.RelayOutOfOrder.WithLabelValues(source.String()).Inc()
			}
		}
		if metrics != nil {
			metrics.RelayReceived.WithLabelValues(env.Message.Kind.String()).Inc()
		}
		return deliver(ctx, env)
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
