package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dapr "github.com/dapr/go-sdk/client"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/models"
)

const (
	daprSubscriberPrefix = "subscriber||"
	daprEmailPrefix      = "subscriber-email||"
	daprIndexKey         = "subscriber-index"
)

// DaprSubscriberRepository keeps subscribers in a Dapr state store. Each
// subscriber is stored under its id, an email key points at the owning id,
// and an index key lists every id in insertion order. Email keys and the index
// are written with first-write concurrency, so a racing insert of the same
// email or a concurrent index change fails the whole transaction.
type DaprSubscriberRepository struct {
	client    dapr.Client
	tracer    trace.Tracer
	storeName string
	now       Clock
}

func NewDaprSubscriberRepository(client dapr.Client, storeName string) *DaprSubscriberRepository {
	return NewDaprSubscriberRepositoryWithClock(client, storeName, time.Now)
}

func NewDaprSubscriberRepositoryWithClock(client dapr.Client, storeName string, now Clock) *DaprSubscriberRepository {
	return &DaprSubscriberRepository{
		client:    client,
		tracer:    otel.Tracer("dapr.repository"),
		storeName: storeName,
		now:       now,
	}
}

var firstWrite = &dapr.StateOptions{
	Concurrency: dapr.StateConcurrencyFirstWrite,
	Consistency: dapr.StateConsistencyStrong,
}

func subscriberKey(id uuid.UUID) string { return daprSubscriberPrefix + id.String() }
func emailKey(email string) string { return daprEmailPrefix + email }

func (r *DaprSubscriberRepository) Create(ctx context.Context, name, email string) (*models.Subscriber, error) {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.create",
		trace.WithAttributes(
			attribute.String("subscriber.email", email),
			attribute.String("operation", "database.write"),
			attribute.String("dapr.store", r.storeName),
		))
	defer span.End()

	taken, err := r.EmailExists(ctx, email, uuid.Nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if taken {
		span.RecordError(models.ErrDuplicateEmail)
		return nil, models.ErrDuplicateEmail
	}

	ids, indexEtag, err := r.readIndex(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	subscriber := models.NewSubscriber(name, email, r.now())
	data, err := json.Marshal(subscriber)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal subscriber: %w", err)
	}
	index, err := json.Marshal(append(ids, subscriber.ID.String()))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal subscriber index: %w", err)
	}

	ops := []*dapr.StateOperation{
		upsert(subscriberKey(subscriber.ID), data, "", nil),
		upsert(emailKey(email), []byte(subscriber.ID.String()), "", firstWrite),
		upsert(daprIndexKey, index, indexEtag, firstWrite),
	}
	if err := r.client.ExecuteStateTransaction(ctx, r.storeName, nil, ops); err != nil {
		span.RecordError(err)
		return nil, r.classifyWriteError(ctx, email, uuid.Nil, err)
	}

	span.SetAttributes(
		attribute.String("subscriber.id", subscriber.ID.String()),
		attribute.Bool("success", true),
	)
	return subscriber, nil
}

func (r *DaprSubscriberRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.get_by_id",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
			attribute.String("operation", "database.read"),
			attribute.String("dapr.store", r.storeName),
		))
	defer span.End()

	subscriber, err := r.load(ctx, id)
	if err != nil {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("success", true),
		attribute.Bool("found", true),
	)
	return subscriber, nil
}

func (r *DaprSubscriberRepository) GetAll(ctx context.Context) ([]*models.Subscriber, error) {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.get_all",
		trace.WithAttributes(
			attribute.String("operation", "database.read"),
			attribute.String("dapr.store", r.storeName),
		))
	defer span.End()

	ids, _, err := r.readIndex(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	subscribers := make([]*models.Subscriber, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		id, err := uuid.Parse(ids[i])
		if err != nil {
			continue
		}
		subscriber, err := r.load(ctx, id)
		if errors.Is(err, models.ErrSubscriberNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		subscribers = append(subscribers, subscriber)
	}
	models.SortNewestFirst(subscribers)

	span.SetAttributes(
		attribute.Int("subscriber.count", len(subscribers)),
		attribute.Bool("success", true),
	)
	return subscribers, nil
}

func (r *DaprSubscriberRepository) Update(ctx context.Context, id uuid.UUID, fields models.SubscriberUpdate) (*models.Subscriber, error) {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.update",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
			attribute.String("operation", "database.write"),
			attribute.String("dapr.store", r.storeName),
		))
	defer span.End()

	subscriber, err := r.load(ctx, id)
	if err != nil {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, err
	}

	oldEmail := subscriber.Email
	subscriber.Apply(fields)

	var ops []*dapr.StateOperation
	if subscriber.Email != oldEmail {
		taken, err := r.EmailExists(ctx, subscriber.Email, id)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if taken {
			span.RecordError(models.ErrDuplicateEmail)
			return nil, models.ErrDuplicateEmail
		}
		ops = append(ops,
			remove(emailKey(oldEmail)),
			upsert(emailKey(subscriber.Email), []byte(id.String()), "", firstWrite),
		)
	}

	data, err := json.Marshal(subscriber)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal subscriber: %w", err)
	}
	ops = append(ops, upsert(subscriberKey(id), data, "", nil))

	if err := r.client.ExecuteStateTransaction(ctx, r.storeName, nil, ops); err != nil {
		span.RecordError(err)
		return nil, r.classifyWriteError(ctx, subscriber.Email, id, err)
	}

	span.SetAttributes(attribute.Bool("success", true))
	return subscriber, nil
}

func (r *DaprSubscriberRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.delete",
		trace.WithAttributes(
			attribute.String("subscriber.id", id.String()),
			attribute.String("operation", "database.write"),
			attribute.String("dapr.store", r.storeName),
		))
	defer span.End()

	subscriber, err := r.load(ctx, id)
	if err != nil {
		span.SetAttributes(attribute.Bool("found", false))
		return err
	}

	ids, indexEtag, err := r.readIndex(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	kept := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id.String() {
			kept = append(kept, existing)
		}
	}
	index, err := json.Marshal(kept)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal subscriber index: %w", err)
	}

	ops := []*dapr.StateOperation{
		remove(subscriberKey(id)),
		remove(emailKey(subscriber.Email)),
		upsert(daprIndexKey, index, indexEtag, firstWrite),
	}
	if err := r.client.ExecuteStateTransaction(ctx, r.storeName, nil, ops); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete subscriber from dapr state store: %w", err)
	}

	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (r *DaprSubscriberRepository) EmailExists(ctx context.Context, email string, excludeID uuid.UUID) (bool, error) {
	item, err := r.client.GetState(ctx, r.storeName, emailKey(email), nil)
	if err != nil {
		return false, fmt.Errorf("failed to read email key from dapr state store: %w", err)
	}
	if item == nil || len(item.Value) == 0 {
		return false, nil
	}
	return string(item.Value) != excludeID.String(), nil
}

func (r *DaprSubscriberRepository) load(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	item, err := r.client.GetState(ctx, r.storeName, subscriberKey(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber from dapr state store: %w", err)
	}
	if item == nil || len(item.Value) == 0 {
		return nil, models.ErrSubscriberNotFound
	}

	var subscriber models.Subscriber
	if err := json.Unmarshal(item.Value, &subscriber); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscriber: %w", err)
	}
	return &subscriber, nil
}

func (r *DaprSubscriberRepository) readIndex(ctx context.Context) ([]string, string, error) {
	item, err := r.client.GetState(ctx, r.storeName, daprIndexKey, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read subscriber index: %w", err)
	}
	if item == nil || len(item.Value) == 0 {
		return []string{}, "", nil
	}

	var ids []string
	if err := json.Unmarshal(item.Value, &ids); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal subscriber index: %w", err)
	}
	return ids, item.Etag, nil
}

// classifyWriteError reports a failed transaction as a duplicate when the email
// key now belongs to someone else; otherwise the store error is returned.
func (r *DaprSubscriberRepository) classifyWriteError(ctx context.Context, email string, owner uuid.UUID, cause error) error {
	if taken, err := r.EmailExists(ctx, email, owner); err == nil && taken {
		return models.ErrDuplicateEmail
	}
	return fmt.Errorf("failed to save subscriber to dapr state store: %w", cause)
}

func upsert(key string, value []byte, etag string, opts *dapr.StateOptions) *dapr.StateOperation {
	item := &dapr.SetStateItem{
		Key:     key,
		Value:   value,
		Options: opts,
	}
	if etag != "" {
		item.Etag = &dapr.ETag{Value: etag}
	}
	return &dapr.StateOperation{Type: dapr.StateOperationTypeUpsert, Item: item}
}

func remove(key string) *dapr.StateOperation {
	return &dapr.StateOperation{
		Type: dapr.StateOperationTypeDelete,
		Item: &dapr.SetStateItem{Key: key},
	}
}
