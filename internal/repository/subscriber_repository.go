package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/models"
)

// SubscriberRepository is the durable record of subscribers. Implementations own
// the email uniqueness invariant: Create and Update must reject a clashing email
// with models.ErrDuplicateEmail atomically with the write.
type SubscriberRepository interface {
	Create(ctx context.Context, name, email string) (*models.Subscriber, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error)
	GetAll(ctx context.Context) ([]*models.Subscriber, error)
	Update(ctx context.Context, id uuid.UUID, fields models.SubscriberUpdate) (*models.Subscriber, error)
	Delete(ctx context.Context, id uuid.UUID) error
	EmailExists(ctx context.Context, email string, excludeID uuid.UUID) (bool, error)
}

type Clock func() time.Time

type memoryEntry struct {
	subscriber models.Subscriber
	seq        uint64
}

type InMemorySubscriberRepository struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*memoryEntry
	byEmail map[string]uuid.UUID
	seq     uint64
	now     Clock
	tracer  trace.Tracer
}

func NewInMemorySubscriberRepository() *InMemorySubscriberRepository {
	return NewInMemorySubscriberRepositoryWithClock(time.Now)
}

func NewInMemorySubscriberRepositoryWithClock(now Clock) *InMemorySubscriberRepository {
	return &InMemorySubscriberRepository{
		entries: make(map[uuid.UUID]*memoryEntry),
		byEmail: make(map[string]uuid.UUID),
		now:     now,
		tracer:  otel.Tracer("subscriber-repository"),
	}
}

func (r *InMemorySubscriberRepository) Create(ctx context.Context, name, email string) (*models.Subscriber, error) {
	_, span := r.tracer.Start(ctx, "subscriber.repository.create",
		trace.WithAttributes(
			attribute.String("subscriber.email", email),
			attribute.String("operation", "database.write"),
		))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byEmail[email]; taken {
		span.RecordError(models.ErrDuplicateEmail)
		return nil, models.ErrDuplicateEmail
	}

	subscriber := models.NewSubscriber(name, email, r.now())
	r.seq++
	r.entries[subscriber.ID] = &memoryEntry{subscriber: *subscriber, seq: r.seq}
	r.byEmail[email] = subscriber.ID

	span.SetAttributes(
		attribute.String("subscriber.id", subscriber.ID.String()),
		attribute.Bool("success", true),
	)
	return subscriber, nil
}

func (r *InMemorySubscriberRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	_, span := r.tracer.Start(ctx, "subscriber.repository.get_by_id",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
			attribute.String("operation", "database.read"),
		))
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[id]
	if !exists {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrSubscriberNotFound
	}

	subscriber := entry.subscriber
	span.SetAttributes(attribute.Bool("success", true))
	return &subscriber, nil
}

func (r *InMemorySubscriberRepository) GetAll(ctx context.Context) ([]*models.Subscriber, error) {
	_, span := r.tracer.Start(ctx, "subscriber.repository.get_all",
		trace.WithAttributes(
			attribute.String("operation", "database.read"),
		))
	defer span.End()

	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	// Latest insert first, then a stable sort by time keeps that order on ties.
	sortBySeqDesc(entries)
	subscribers := make([]*models.Subscriber, 0, len(entries))
	for _, entry := range entries {
		subscriber := entry.subscriber
		subscribers = append(subscribers, &subscriber)
	}
	models.SortNewestFirst(subscribers)

	span.SetAttributes(
		attribute.Int("subscriber.count", len(subscribers)),
		attribute.Bool("success", true),
	)
	return subscribers, nil
}

func (r *InMemorySubscriberRepository) Update(ctx context.Context, id uuid.UUID, fields models.SubscriberUpdate) (*models.Subscriber, error) {
	_, span := r.tracer.Start(ctx, "subscriber.repository.update",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
			attribute.String("operation", "database.write"),
		))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrSubscriberNotFound
	}

	if fields.Email != nil {
		if owner, taken := r.byEmail[*fields.Email]; taken && owner != id {
			span.RecordError(models.ErrDuplicateEmail)
			return nil, models.ErrDuplicateEmail
		}
	}

	oldEmail := entry.subscriber.Email
	entry.subscriber.Apply(fields)
	if entry.subscriber.Email != oldEmail {
		delete(r.byEmail, oldEmail)
		r.byEmail[entry.subscriber.Email] = id
	}

	subscriber := entry.subscriber
	span.SetAttributes(attribute.Bool("success", true))
	return &subscriber, nil
}

func (r *InMemorySubscriberRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, span := r.tracer.Start(ctx, "subscriber.repository.delete",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
			attribute.String("operation", "database.write"),
		))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		span.SetAttributes(attribute.Bool("found", false))
		return models.ErrSubscriberNotFound
	}

	delete(r.byEmail, entry.subscriber.Email)
	delete(r.entries, id)
	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (r *InMemorySubscriberRepository) EmailExists(ctx context.Context, email string, excludeID uuid.UUID) (bool, error) {
	_, span := r.tracer.Start(ctx, "subscriber.repository.email_exists",
		trace.WithAttributes(
			attribute.String("subscriber.email", email),
			attribute.String("operation", "database.read"),
		))
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, taken := r.byEmail[email]
	exists := taken && owner != excludeID
	span.SetAttributes(attribute.Bool("exists", exists))
	return exists, nil
}

func sortBySeqDesc(entries []*memoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq > entries[j].seq
	})
}
