package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resend/resend-go/v3"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"recipebox/internal/logging"
)

var ErrNoRecipient = errors.New("email must have at least one recipient")

// Email is a fully addressed message handed to a transport.
type Email struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers an Email. Implementations return an error on any delivery failure.
type Sender interface {
	Send(ctx context.Context, email *Email) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *logging.ContextLogger
}

func NewLogSender(logger *logging.ContextLogger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, email *Email) error {
	if len(email.To) == 0 {
		return ErrNoRecipient
	}
	s.logger.InfoWithTracing(ctx, "Email written to log transport", logrus.Fields{
		"from":    email.From,
		"to":      email.To,
		"subject": email.Subject,
	})
	s.logger.DebugWithTracing(ctx, email.Text, nil)
	return nil
}

// ResendSender delivers through the Resend API.
type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return NewResendSenderWithClient(resend.NewClient(apiKey))
}

func NewResendSenderWithClient(client *resend.Client) *ResendSender {
	return &ResendSender{client: client}
}

func (s *ResendSender) Send(ctx context.Context, email *Email) error {
	if len(email.To) == 0 {
		return ErrNoRecipient
	}

	_, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    email.From,
		To:      email.To,
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
	})
	if err != nil {
		return fmt.Errorf("resend: failed to send email: %w", err)
	}
	return nil
}

// BreakerSender stops calling a failing transport for a cooldown period once
// it has failed a number of times in a row. While open, Send fails fast with
// gobreaker.ErrOpenState.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerSender(next Sender, maxFailures uint32, cooldown time.Duration, logger *logging.ContextLogger) *BreakerSender {
	if maxFailures == 0 {
		maxFailures = 1
	}
	settings := gobreaker.Settings{
		Name:        "mail-transport",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Mail transport breaker changed state")
		},
	}
	return &BreakerSender{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerSender) Send(ctx context.Context, email *Email) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, email)
	})
	return err
}

func (b *BreakerSender) State() gobreaker.State {
	return b.cb.State()
}
