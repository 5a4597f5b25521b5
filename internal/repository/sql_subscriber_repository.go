package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/models"
)

const pgUniqueViolation = "23505"

// SQLSubscriberRepository stores subscribers in a relational database. The
// subscribers_email_key unique constraint is the authoritative duplicate guard.
type SQLSubscriberRepository struct {
	db     *sql.DB
	driver string
	now    Clock
	tracer trace.Tracer
}

func NewSQLSubscriberRepository(db *sql.DB, driver string) *SQLSubscriberRepository {
	return NewSQLSubscriberRepositoryWithClock(db, driver, time.Now)
}

func NewSQLSubscriberRepositoryWithClock(db *sql.DB, driver string, now Clock) *SQLSubscriberRepository {
	return &SQLSubscriberRepository{
		db:     db,
		driver: driver,
		now:    now,
		tracer: otel.Tracer("sql.repository"),
	}
}

func (r *SQLSubscriberRepository) startSpan(ctx context.Context, name, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("operation", operation),
		attribute.String("db.system", r.driver),
	)
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (r *SQLSubscriberRepository) Create(ctx context.Context, name, email string) (*models.Subscriber, error) {
	ctx, span := r.startSpan(ctx, "subscriber.repository.create", "database.write",
		attribute.String("subscriber.email", email))
	defer span.End()

	subscriber := models.NewSubscriber(name, email, r.now())
	_, err := r.db.ExecContext(ctx,
		rebind(r.driver, "INSERT INTO subscribers (id, name, email, subscribed_at) VALUES (?, ?, ?, ?)"),
		subscriber.ID, subscriber.Name, subscriber.Email, subscriber.SubscribedAt,
	)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return nil, models.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to insert subscriber: %w", err)
	}

	span.SetAttributes(
		attribute.String("subscriber.id", subscriber.ID.String()),
		attribute.Bool("success", true),
	)
	return subscriber, nil
}

func (r *SQLSubscriberRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	ctx, span := r.startSpan(ctx, "subscriber.repository.get_by_id", "database.read",
		attribute.String("subscriber.id", id.String()))
	defer span.End()

	subscriber, err := r.load(ctx, r.db, id)
	if err != nil {
		if !errors.Is(err, models.ErrSubscriberNotFound) {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Bool("found", false))
		return nil, err
	}

	span.SetAttributes(attribute.Bool("success", true))
	return subscriber, nil
}

func (r *SQLSubscriberRepository) GetAll(ctx context.Context) ([]*models.Subscriber, error) {
	ctx, span := r.startSpan(ctx, "subscriber.repository.get_all", "database.read")
	defer span.End()

	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, email, subscribed_at FROM subscribers ORDER BY subscribed_at DESC")
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	subscribers := make([]*models.Subscriber, 0)
	for rows.Next() {
		var s models.Subscriber
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.SubscribedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		s.SubscribedAt = s.SubscribedAt.UTC()
		subscribers = append(subscribers, &s)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate subscribers: %w", err)
	}

	span.SetAttributes(
		attribute.Int("subscriber.count", len(subscribers)),
		attribute.Bool("success", true),
	)
	return subscribers, nil
}

func (r *SQLSubscriberRepository) Update(ctx context.Context, id uuid.UUID, fields models.SubscriberUpdate) (*models.Subscriber, error) {
	ctx, span := r.startSpan(ctx, "subscriber.repository.update", "database.write",
		attribute.String("subscriber.id", id.String()))
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	subscriber, err := r.load(ctx, tx, id)
	if err != nil {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, err
	}

	subscriber.Apply(fields)
	_, err = tx.ExecContext(ctx,
		rebind(r.driver, "UPDATE subscribers SET name = ?, email = ? WHERE id = ?"),
		subscriber.Name, subscriber.Email, subscriber.ID,
	)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return nil, models.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to update subscriber: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return nil, models.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to commit subscriber update: %w", err)
	}

	span.SetAttributes(attribute.Bool("success", true))
	return subscriber, nil
}

func (r *SQLSubscriberRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.startSpan(ctx, "subscriber.repository.delete", "database.write",
		attribute.String("subscriber.id", id.String()))
	defer span.End()

	res, err := r.db.ExecContext(ctx, rebind(r.driver, "DELETE FROM subscribers WHERE id = ?"), id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete subscriber: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		span.SetAttributes(attribute.Bool("found", false))
		return models.ErrSubscriberNotFound
	}

	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (r *SQLSubscriberRepository) EmailExists(ctx context.Context, email string, excludeID uuid.UUID) (bool, error) {
	ctx, span := r.startSpan(ctx, "subscriber.repository.email_exists", "database.read",
		attribute.String("subscriber.email", email))
	defer span.End()

	var count int
	err := r.db.QueryRowContext(ctx,
		rebind(r.driver, "SELECT COUNT(*) FROM subscribers WHERE email = ? AND id <> ?"),
		email, excludeID,
	).Scan(&count)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to check email: %w", err)
	}

	span.SetAttributes(attribute.Bool("exists", count > 0))
	return count > 0, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *SQLSubscriberRepository) load(ctx context.Context, q queryer, id uuid.UUID) (*models.Subscriber, error) {
	var s models.Subscriber
	err := q.QueryRowContext(ctx,
		rebind(r.driver, "SELECT id, name, email, subscribed_at FROM subscribers WHERE id = ?"),
		id,
	).Scan(&s.ID, &s.Name, &s.Email, &s.SubscribedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriber: %w", err)
	}
	s.SubscribedAt = s.SubscribedAt.UTC()
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
