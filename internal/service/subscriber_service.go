package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/cache"
	"recipebox/internal/logging"
	"recipebox/internal/models"
	"recipebox/internal/notifier"
	"recipebox/internal/repository"
	"recipebox/internal/validation"
)

const DefaultCacheTTL = 5 * time.Minute

// SubscriberService runs the intake pipeline (validate, persist, notify) shared
// by every entry point, plus the pass-through resource operations.
type SubscriberService struct {
	repo      repository.SubscriberRepository
	cache     cache.Cache
	validator *validation.Validator
	notifier  notifier.Notifier
	logger    *logging.ContextLogger
	tracer    trace.Tracer
	cacheTTL  time.Duration

	// fillMu orders cache fills against invalidations. A fill holds it shared
	// and is dropped when generation moved since its read began.
	fillMu     sync.RWMutex
	generation atomic.Uint64
}

func NewSubscriberService(repo repository.SubscriberRepository, cache cache.Cache, n notifier.Notifier, logger *logging.ContextLogger) *SubscriberService {
	return &SubscriberService{
		repo:      repo,
		cache:     cache,
		validator: validation.New(repo),
		notifier:  n,
		logger:    logger,
		tracer:    otel.Tracer("subscriber-service"),
		cacheTTL:  DefaultCacheTTL,
	}
}

func (s *SubscriberService) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		s.cacheTTL = ttl
	}
}

// Subscribe validates and stores a new subscriber, then attempts the welcome
// email. The delivery outcome is returned for the caller to report; it never
// turns a stored subscription into an error.
func (s *SubscriberService) Subscribe(ctx context.Context, req models.SubscriptionRequest) (*models.Subscriber, notifier.DeliveryOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "subscriber.service.subscribe",
		trace.WithAttributes(
			attribute.String("subscriber.email", req.Email),
		))
	defer span.End()

	valid, err := s.validator.ValidateSubscription(ctx, req)
	if err != nil {
		s.logRejection(ctx, span, "Subscription rejected", err, logrus.Fields{"email": req.Email})
		return nil, notifier.DeliveryOutcome{}, err
	}

	gen := s.generation.Load()
	subscriber, err := s.repo.Create(ctx, valid.Name, valid.Email)
	if errors.Is(err, models.ErrDuplicateEmail) {
		err = models.DuplicateEmailError()
		s.logRejection(ctx, span, "Subscription rejected by store", err, logrus.Fields{"email": valid.Email})
		return nil, notifier.DeliveryOutcome{}, err
	}
	if err != nil {
		s.logger.ErrorWithTracing(ctx, "Failed to create subscriber", err, logrus.Fields{
			"email": valid.Email,
		})
		span.RecordError(err)
		return nil, notifier.DeliveryOutcome{}, err
	}

	s.cacheSubscriber(ctx, subscriber, gen)

	outcome := s.notifier.Notify(ctx, subscriber)
	fields := logrus.Fields{
		"subscriber_id": subscriber.ID.String(),
		"email":         subscriber.Email,
		"delivery":      string(outcome.Status),
	}
	if outcome.Reason != "" {
		fields["delivery_reason"] = outcome.Reason
	}
	s.logger.InfoWithTracing(ctx, "Successfully created subscriber", fields)

	span.SetAttributes(
		attribute.String("subscriber.id", subscriber.ID.String()),
		attribute.Bool("notification.delivered", outcome.Delivered()),
		attribute.Bool("success", true),
	)
	return subscriber, outcome, nil
}

func (s *SubscriberService) GetSubscriber(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	ctx, span := s.tracer.Start(ctx, "subscriber.service.get",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
		))
	defer span.End()

	cacheKey := cache.GenerateCacheKey(id)
	if subscriber, err := s.cache.Get(ctx, cacheKey); err == nil {
		s.logger.DebugWithTracing(ctx, "Subscriber found in cache", logrus.Fields{
			"subscriber_id": id.String(),
		})
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.Bool("success", true),
		)
		return subscriber, nil
	}

	gen := s.generation.Load()
	subscriber, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, models.ErrSubscriberNotFound) {
			s.logger.ErrorWithTracing(ctx, "Failed to retrieve subscriber", err, logrus.Fields{
				"subscriber_id": id.String(),
			})
			span.RecordError(err)
		}
		return nil, err
	}

	s.cacheSubscriber(ctx, subscriber, gen)

	span.SetAttributes(
		attribute.Bool("cache.hit", false),
		attribute.Bool("success", true),
	)
	return subscriber, nil
}

// GetAllSubscribers lists subscribers newest first. A non-empty search keeps
// only those whose name or email contains it, ignoring case.
func (s *SubscriberService) GetAllSubscribers(ctx context.Context, search string) ([]*models.Subscriber, error) {
	ctx, span := s.tracer.Start(ctx, "subscriber.service.get_all",
		trace.WithAttributes(
			attribute.String("search", search),
		))
	defer span.End()

	subscribers, err := s.repo.GetAll(ctx)
	if err != nil {
		s.logger.ErrorWithTracing(ctx, "Failed to retrieve subscribers", err, nil)
		span.RecordError(err)
		return nil, err
	}

	if search != "" {
		filtered := subscribers[:0]
		for _, subscriber := range subscribers {
			if subscriber.Matches(search) {
				filtered = append(filtered, subscriber)
			}
		}
		subscribers = filtered
	}

	span.SetAttributes(
		attribute.Int("subscriber.count", len(subscribers)),
		attribute.Bool("success", true),
	)
	return subscribers, nil
}

// UpdateSubscriber changes name and/or email. With partial unset every field
// is required. ID and SubscribedAt never change.
func (s *SubscriberService) UpdateSubscriber(ctx context.Context, id uuid.UUID, update models.SubscriberUpdate, partial bool) (*models.Subscriber, error) {
	ctx, span := s.tracer.Start(ctx, "subscriber.service.update",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
			attribute.Bool("partial", partial),
		))
	defer span.End()

	if _, err := s.repo.GetByID(ctx, id); err != nil {
		if !errors.Is(err, models.ErrSubscriberNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}

	valid, err := s.validator.ValidateUpdate(ctx, id, update, partial)
	if err != nil {
		s.logRejection(ctx, span, "Subscriber update rejected", err, logrus.Fields{"subscriber_id": id.String()})
		return nil, err
	}

	subscriber, err := s.repo.Update(ctx, id, valid)
	if errors.Is(err, models.ErrDuplicateEmail) {
		err = models.DuplicateEmailError()
		s.logRejection(ctx, span, "Subscriber update rejected by store", err, logrus.Fields{"subscriber_id": id.String()})
		return nil, err
	}
	if err != nil {
		if !errors.Is(err, models.ErrSubscriberNotFound) {
			s.logger.ErrorWithTracing(ctx, "Failed to update subscriber", err, logrus.Fields{
				"subscriber_id": id.String(),
			})
			span.RecordError(err)
		}
		return nil, err
	}

	s.invalidate(ctx, id)

	s.logger.InfoWithTracing(ctx, "Successfully updated subscriber", logrus.Fields{
		"subscriber_id": subscriber.ID.String(),
		"email":         subscriber.Email,
	})
	span.SetAttributes(attribute.Bool("success", true))
	return subscriber, nil
}

func (s *SubscriberService) DeleteSubscriber(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "subscriber.service.delete",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
		))
	defer span.End()

	if err := s.repo.Delete(ctx, id); err != nil {
		if !errors.Is(err, models.ErrSubscriberNotFound) {
			s.logger.ErrorWithTracing(ctx, "Failed to delete subscriber", err, logrus.Fields{
				"subscriber_id": id.String(),
			})
			span.RecordError(err)
		}
		return err
	}

	s.invalidate(ctx, id)

	s.logger.InfoWithTracing(ctx, "Successfully deleted subscriber", logrus.Fields{
		"subscriber_id": id.String(),
	})
	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

// cacheSubscriber stores a record read at generation gen. The fill is skipped
// when any invalidation happened after that read, since the record may already
// be updated or deleted in the store.
func (s *SubscriberService) cacheSubscriber(ctx context.Context, subscriber *models.Subscriber, gen uint64) {
	s.fillMu.RLock()
	defer s.fillMu.RUnlock()
	if s.generation.Load() != gen {
		s.logger.DebugWithTracing(ctx, "Skipping cache fill after concurrent write", logrus.Fields{
			"subscriber_id": subscriber.ID.String(),
		})
		return
	}
	if err := s.cache.Set(ctx, cache.GenerateCacheKey(subscriber.ID), subscriber, s.cacheTTL); err != nil {
		s.logger.WarnWithTracing(ctx, "Failed to cache subscriber", logrus.Fields{
			"subscriber_id": subscriber.ID.String(),
			"error":         err.Error(),
		})
	}
}

func (s *SubscriberService) invalidate(ctx context.Context, id uuid.UUID) {
	s.fillMu.Lock()
	s.generation.Add(1)
	s.fillMu.Unlock()

	if err := s.cache.Delete(ctx, cache.GenerateCacheKey(id)); err != nil {
		s.logger.WarnWithTracing(ctx, "Failed to invalidate cache", logrus.Fields{
			"subscriber_id": id.String(),
			"error":         err.Error(),
		})
	}
}

func (s *SubscriberService) logRejection(ctx context.Context, span trace.Span, msg string, err error, fields logrus.Fields) {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		fields["fields"] = verr.Fields
		s.logger.InfoWithTracing(ctx, msg, fields)
		span.SetAttributes(attribute.Bool("validation.failed", true))
		return
	}
	s.logger.ErrorWithTracing(ctx, msg, err, fields)
	span.RecordError(err)
}
