package relay

import (
	"context"
	"fmt"
	"time"

	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "COLLAR_MESSAGES"
	subjectPrefix = "collar.msg"
)

// JetStreamPublisher is the part of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Subject returns the bus subject for an envelope:
// collar.msg.{source}.{kind}.{loan_id}
func Subject(env message.Envelope) string {
	return fmt.Sprintf("%s.%s.%s.%d", subjectPrefix, env.Message.Source, env.Message.Kind, env.Message.LoanID)
}

// InboundFilter is the subject filter for messages sent by source.
func InboundFilter(source message.Domain) string {
	return fmt.Sprintf("%s.%s.>", subjectPrefix, source)
}

// Publisher puts outbound messages on the bus after the sending side has
// committed them. The message id is the JetStream dedupe key, so
// republishing after a restart is safe inside the duplicate window.
type Publisher struct {
	js      JetStreamPublisher
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js JetStreamPublisher, logger zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{js: js, logger: logger, metrics: metrics}
}

// Publish sends one envelope.
func (p *Publisher) Publish(ctx context.Context, env message.Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	ack, err := p.js.Publish(ctx, Subject(env), data, jetstream.WithMsgID(env.ID.Hex()))
	if err != nil {
		if p.metrics != nil {
			p.metrics.RelayErrors.WithLabelValues("publish").Inc()
		}
		return fmt.Errorf("publish %s loan=%d: %w", env.Message.Kind, env.Message.LoanID, err)
	}
	if p.metrics != nil {
		p.metrics.RelayPublished.WithLabelValues(env.Message.Kind.String()).Inc()
	}
	p.logger.Debug().
		Str("id", env.ID.Hex()).
		Str("kind", env.Message.Kind.String()).
		Uint64("nonce", env.Message.Nonce).
		Bool("duplicate", ack != nil && ack.Duplicate).
		Msg("message published")
	return nil
}

// Run drains in until ctx is cancelled or the channel closes. Each
// envelope is retried with backoff until the bus accepts it.
func (p *Publisher) Run(ctx context.Context, in <-chan message.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.publishWithRetry(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Republish sends envelopes again in order, e.g. an outbox tail after a
// restart.
func (p *Publisher) Republish(ctx context.Context, envs []message.Envelope) error {
	for _, env := range envs {
		if err := p.publishWithRetry(ctx, env); err != nil {
			return err
		}
	}
	if len(envs) > 0 {
		p.logger.Info().Int("count", len(envs)).Msg("outbox republished")
	}
	return nil
}

func (p *Publisher) publishWithRetry(ctx context.Context, env message.Envelope) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for attempt := 0; ; attempt++ {
		err := p.Publish(ctx, env)
		if err == nil {
			return nil
		}
		p.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Str("id", env.ID.Hex()).Msg("publish failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// EnsureStream creates the message stream. Duplicates sets the window
// over which JetStream drops republished ids.
func EnsureStream(ctx context.Context, js jetstream.JetStream, duplicates time.Duration) error {
	if duplicates <= 0 {
		duplicates = 24 * time.Hour
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: duplicates,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}
