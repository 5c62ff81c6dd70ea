package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

// DefaultSubject is the subject coordination messages are published on.
const DefaultSubject = "taskdaemon.messages"

// NATSRelay forwards coordination messages published on a NATS subject.
type NATSRelay struct {
	url     string
	subject string
	sender  Sender
	logger  zerolog.Logger
}

// NewNATSRelay creates a relay for url and subject.
func NewNATSRelay(url, subject string, sender Sender) *NATSRelay {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSRelay{
		url:     url,
		subject: subject,
		sender:  sender,
		logger:  logging.Component("nats-relay"),
	}
}

// Run subscribes and blocks until ctx is cancelled, then drains the
// connection.
func (r *NATSRelay) Run(ctx context.Context) error {
	nc, err := nats.Connect(r.url,
		nats.Name("taskdaemon"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				r.logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			r.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", r.url, err)
	}

	sub, err := nc.Subscribe(r.subject, r.handle)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to %s: %w", r.subject, err)
	}
	r.logger.Info().Str("url", r.url).Str("subject", sub.Subject).Msg("nats relay subscribed")

	<-ctx.Done()
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

func (r *NATSRelay) handle(m *nats.Msg) {
	msg, err := DecodeMessage(m.Data)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", m.Subject).Msg("dropping undecodable message")
		return
	}
	r.sender.Send(msg)
}

// DecodeMessage parses and validates a JSON coordination message.
func DecodeMessage(data []byte) (models.CoordinationMessage, error) {
	var msg models.CoordinationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Publish sends one coordination message to a NATS subject and waits for
// the server to acknowledge the flush.
func Publish(ctx context.Context, url, subject string, msg models.CoordinationMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if subject == "" {
		subject = DefaultSubject
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	nc, err := nats.Connect(url, nats.Name("taskdaemon-cli"))
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", url, err)
	}
	defer nc.Close()

	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return nc.FlushWithContext(ctx)
}
