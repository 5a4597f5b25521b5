// Package notifier sends the welcome email that follows a subscription.
//
// Delivery is best effort. Notify never returns an error: every failure,
// including a panicking transport, is logged and reported as a Failed outcome
// that callers may observe but cannot propagate by accident.
package notifier

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/logging"
	"recipebox/internal/models"
)

// DefaultFromAddress is used when Config.FromAddress is empty.
const DefaultFromAddress = "noreply@restaurant.com"

type Config struct {
	FromAddress string
}

type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "sent"
	StatusFailed DeliveryStatus = "failed"
)

type DeliveryOutcome struct {
	Status DeliveryStatus
	Reason string
}

func Sent() DeliveryOutcome {
	return DeliveryOutcome{Status: StatusSent}
}

func Failed(reason string) DeliveryOutcome {
	return DeliveryOutcome{Status: StatusFailed, Reason: reason}
}

func (o DeliveryOutcome) Delivered() bool {
	return o.Status == StatusSent
}

type Notifier interface {
	Notify(ctx context.Context, subscriber *models.Subscriber) DeliveryOutcome
}

type WelcomeNotifier struct {
	sender Sender
	config Config
	logger *logging.ContextLogger
	tracer trace.Tracer
}

func NewWelcomeNotifier(sender Sender, cfg Config, logger *logging.ContextLogger) *WelcomeNotifier {
	if cfg.FromAddress == "" {
		cfg.FromAddress = DefaultFromAddress
	}
	return &WelcomeNotifier{
		sender: sender,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("notifier"),
	}
}

func (n *WelcomeNotifier) FromAddress() string {
	return n.config.FromAddress
}

func (n *WelcomeNotifier) Notify(ctx context.Context, subscriber *models.Subscriber) (outcome DeliveryOutcome) {
	ctx, span := n.tracer.Start(ctx, "notifier.welcome.send",
		trace.WithAttributes(
			attribute.String("subscriber.id", subscriber.ID.String()),
			attribute.String("operation", "mail.send"),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			outcome = n.fail(ctx, span, subscriber, fmt.Errorf("mail transport panicked: %v", r))
		}
	}()

	msg, err := RenderWelcome(subscriber)
	if err != nil {
		return n.fail(ctx, span, subscriber, err)
	}

	email := &Email{
		From:    n.config.FromAddress,
		To:      []string{subscriber.Email},
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	}
	if err := n.sender.Send(ctx, email); err != nil {
		return n.fail(ctx, span, subscriber, err)
	}

	n.logger.InfoWithTracing(ctx, "Welcome email sent", logrus.Fields{
		"subscriber_id": subscriber.ID.String(),
		"email":         subscriber.Email,
	})
	span.SetAttributes(attribute.Bool("success", true))
	return Sent()
}

func (n *WelcomeNotifier) fail(ctx context.Context, span trace.Span, subscriber *models.Subscriber, err error) DeliveryOutcome {
	n.logger.ErrorWithTracing(ctx, "Email sending failed", err, logrus.Fields{
		"subscriber_id": subscriber.ID.String(),
		"email":         subscriber.Email,
	})
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("success", false))
	return Failed(err.Error())
}
