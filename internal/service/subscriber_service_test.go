package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"recipebox/internal/cache"
	"recipebox/internal/logging"
	"recipebox/internal/models"
	"recipebox/internal/notifier"
	"recipebox/internal/repository"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, subscriber *models.Subscriber) notifier.DeliveryOutcome {
	args := m.Called(ctx, subscriber)
	return args.Get(0).(notifier.DeliveryOutcome)
}

// racingRepository hides existing emails from the validator so the store's own
// uniqueness check is what rejects the duplicate.
type racingRepository struct {
	repository.SubscriberRepository
}

func (r racingRepository) EmailExists(context.Context, string, uuid.UUID) (bool, error) {
	return false, nil
}

type failingRepository struct {
	repository.SubscriberRepository
	err error
}

func (r failingRepository) Create(context.Context, string, string) (*models.Subscriber, error) {
	return nil, r.err
}

// interleavingRepository runs afterGet once, right after a GetByID has read
// from the store and before the caller sees the result.
type interleavingRepository struct {
	repository.SubscriberRepository
	afterGet func()
}

func (r *interleavingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	subscriber, err := r.SubscriberRepository.GetByID(ctx, id)
	if hook := r.afterGet; hook != nil {
		r.afterGet = nil
		hook()
	}
	return subscriber, err
}

type fixture struct {
	service  *SubscriberService
	repo     *repository.InMemorySubscriberRepository
	cache    *cache.InMemoryCache
	notifier *mockNotifier
}

func newFixture(t *testing.T, outcome notifier.DeliveryOutcome) *fixture {
	t.Helper()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	repo := repository.NewInMemorySubscriberRepositoryWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	c := cache.NewInMemoryCache()
	t.Cleanup(func() { _ = c.Close() })

	n := new(mockNotifier)
	n.On("Notify", mock.Anything, mock.Anything).Return(outcome)

	return &fixture{
		service:  NewSubscriberService(repo, c, n, logging.NewDiscardLogger()),
		repo:     repo,
		cache:    c,
		notifier: n,
	}
}

func strPtr(s string) *string { return &s }

func validationFields(t *testing.T, err error) models.FieldErrors {
	t.Helper()
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	return verr.Fields
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	subscriber, outcome, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: " Ada ", Email: " ada@example.com "})

	require.NoError(t, err)
	assert.True(t, outcome.Delivered())
	assert.Equal(t, "Ada", subscriber.Name)
	assert.Equal(t, "ada@example.com", subscriber.Email)

	stored, err := f.repo.GetByID(ctx, subscriber.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriber.Email, stored.Email)

	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(s *models.Subscriber) bool {
		return s.ID == subscriber.ID
	}))
}

func TestSubscribeKeepsSubscriberWhenEmailFails(t *testing.T) {
	f := newFixture(t, notifier.Failed("smtp down"))
	ctx := context.Background()

	subscriber, outcome, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Ada", Email: "ada@example.com"})

	require.NoError(t, err)
	assert.False(t, outcome.Delivered())
	assert.Equal(t, "smtp down", outcome.Reason)

	_, err = f.repo.GetByID(ctx, subscriber.ID)
	assert.NoError(t, err)
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	_, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "", Email: "not-an-email"})

	assert.Equal(t, models.FieldErrors{
		"name":  {models.MsgRequired},
		"email": {models.MsgInvalidEmail},
	}, validationFields(t, err))

	all, err := f.repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestSubscribeRejectsDuplicateEmail(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	_, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	_, _, err = f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Someone", Email: "ada@example.com"})

	assert.Equal(t, models.FieldErrors{"email": {models.MsgAlreadySubscribed}}, validationFields(t, err))
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)

	all, err := f.service.GetAllSubscribers(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Ada", all[0].Name)
}

func TestSubscribeStoreDuplicateBecomesValidationError(t *testing.T) {
	repo := repository.NewInMemorySubscriberRepository()
	_, err := repo.Create(context.Background(), "Ada", "ada@example.com")
	require.NoError(t, err)

	n := new(mockNotifier)
	c := cache.NewInMemoryCache()
	defer c.Close()
	svc := NewSubscriberService(racingRepository{repo}, c, n, logging.NewDiscardLogger())

	_, _, err = svc.Subscribe(context.Background(), models.SubscriptionRequest{Name: "Late", Email: "ada@example.com"})

	assert.Equal(t, models.FieldErrors{"email": {models.MsgAlreadySubscribed}}, validationFields(t, err))
	n.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)

	all, err := repo.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSubscribeConcurrentSameEmail(t *testing.T) {
	f := newFixture(t, notifier.Sent())

	const attempts = 10
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.service.Subscribe(context.Background(), models.SubscriptionRequest{Name: "Racer", Email: "race@example.com"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var verr *models.ValidationError
		assert.ErrorAs(t, err, &verr)
	}
	assert.Equal(t, 1, succeeded)
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)

	all, err := f.repo.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSubscribeStoreFailureIsNotValidation(t *testing.T) {
	boom := errors.New("disk full")
	n := new(mockNotifier)
	c := cache.NewInMemoryCache()
	defer c.Close()
	svc := NewSubscriberService(failingRepository{SubscriberRepository: repository.NewInMemorySubscriberRepository(), err: boom}, c, n, logging.NewDiscardLogger())

	_, _, err := svc.Subscribe(context.Background(), models.SubscriptionRequest{Name: "Ada", Email: "ada@example.com"})

	assert.ErrorIs(t, err, boom)
	var verr *models.ValidationError
	assert.False(t, errors.As(err, &verr))
	n.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestGetAllSubscribersNewestFirst(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	a, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "A", Email: "a@example.com"})
	require.NoError(t, err)
	b, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "B", Email: "b@example.com"})
	require.NoError(t, err)

	all, err := f.service.GetAllSubscribers(ctx, "")

	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
	assert.Equal(t, a.ID, all[1].ID)
}

func TestGetAllSubscribersSearch(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	_, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Julia Child", Email: "julia@example.com"})
	require.NoError(t, err)
	_, _, err = f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Gordon", Email: "gordon@kitchen.org"})
	require.NoError(t, err)

	byName, err := f.service.GetAllSubscribers(ctx, "JULIA")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "Julia Child", byName[0].Name)

	byEmail, err := f.service.GetAllSubscribers(ctx, "kitchen.org")
	require.NoError(t, err)
	require.Len(t, byEmail, 1)
	assert.Equal(t, "Gordon", byEmail[0].Name)

	none, err := f.service.GetAllSubscribers(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetSubscriberUsesCache(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	created, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	cached, err := f.cache.Get(ctx, cache.GenerateCacheKey(created.ID))
	require.NoError(t, err)
	assert.Equal(t, created.ID, cached.ID)

	require.NoError(t, f.cache.Clear(ctx))
	got, err := f.service.GetSubscriber(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = f.cache.Get(ctx, cache.GenerateCacheKey(created.ID))
	assert.NoError(t, err, "a repository read repopulates the cache")
}

func TestGetSubscriberNotFound(t *testing.T) {
	f := newFixture(t, notifier.Sent())

	_, err := f.service.GetSubscriber(context.Background(), uuid.New())

	assert.ErrorIs(t, err, models.ErrSubscriberNotFound)
}

func TestUpdateSubscriber(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	created, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	_, err = f.service.GetSubscriber(ctx, created.ID)
	require.NoError(t, err)

	updated, err := f.service.UpdateSubscriber(ctx, created.ID, models.SubscriberUpdate{
		Name:  strPtr("Ada Lovelace"),
		Email: strPtr("lovelace@example.com"),
	}, false)

	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.True(t, created.SubscribedAt.Equal(updated.SubscribedAt))
	assert.Equal(t, "Ada Lovelace", updated.Name)

	got, err := f.service.GetSubscriber(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "lovelace@example.com", got.Email, "stale cache entry must not be served")
}

func TestUpdateSubscriberValidation(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	ada, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	_, _, err = f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Grace", Email: "grace@example.com"})
	require.NoError(t, err)

	t.Run("full update needs every field", func(t *testing.T) {
		_, err := f.service.UpdateSubscriber(ctx, ada.ID, models.SubscriberUpdate{Name: strPtr("Ada")}, false)

		assert.Equal(t, models.FieldErrors{"email": {models.MsgRequired}}, validationFields(t, err))
	})

	t.Run("partial update of name only", func(t *testing.T) {
		updated, err := f.service.UpdateSubscriber(ctx, ada.ID, models.SubscriberUpdate{Name: strPtr("Countess")}, true)

		require.NoError(t, err)
		assert.Equal(t, "Countess", updated.Name)
		assert.Equal(t, "ada@example.com", updated.Email)
	})

	t.Run("email already taken", func(t *testing.T) {
		_, err := f.service.UpdateSubscriber(ctx, ada.ID, models.SubscriberUpdate{Email: strPtr("grace@example.com")}, true)

		assert.Equal(t, models.FieldErrors{"email": {models.MsgAlreadySubscribed}}, validationFields(t, err))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := f.service.UpdateSubscriber(ctx, uuid.New(), models.SubscriberUpdate{Name: strPtr("x")}, true)

		assert.ErrorIs(t, err, models.ErrSubscriberNotFound)
	})
}

func TestDeleteSubscriber(t *testing.T) {
	f := newFixture(t, notifier.Sent())
	ctx := context.Background()

	created, _, err := f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	require.NoError(t, f.service.DeleteSubscriber(ctx, created.ID))

	_, err = f.service.GetSubscriber(ctx, created.ID)
	assert.ErrorIs(t, err, models.ErrSubscriberNotFound)
	assert.ErrorIs(t, f.service.DeleteSubscriber(ctx, created.ID), models.ErrSubscriberNotFound)

	_, _, err = f.service.Subscribe(ctx, models.SubscriptionRequest{Name: "Ada", Email: "ada@example.com"})
	assert.NoError(t, err, "the email is free again after deletion")
}

func newInterleavingService(t *testing.T) (*SubscriberService, *interleavingRepository, *cache.InMemoryCache) {
	t.Helper()

	repo := &interleavingRepository{SubscriberRepository: repository.NewInMemorySubscriberRepository()}
	c := cache.NewInMemoryCache()
	t.Cleanup(func() { _ = c.Close() })

	n := new(mockNotifier)
	n.On("Notify", mock.Anything, mock.Anything).Return(notifier.Sent())
	return NewSubscriberService(repo, c, n, logging.NewDiscardLogger()), repo, c
}

func TestGetSubscriberDoesNotCacheAfterConcurrentDelete(t *testing.T) {
	svc, repo, c := newInterleavingService(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Ana", "ana@example.com")
	require.NoError(t, err)

	repo.afterGet = func() {
		require.NoError(t, svc.DeleteSubscriber(ctx, created.ID))
	}

	got, err := svc.GetSubscriber(ctx, created.ID)
	require.NoError(t, err, "the read began before the delete")
	assert.Equal(t, created.ID, got.ID)

	_, err = c.Get(ctx, cache.GenerateCacheKey(created.ID))
	assert.Error(t, err, "a record read before the delete must not be cached")

	_, err = svc.GetSubscriber(ctx, created.ID)
	assert.ErrorIs(t, err, models.ErrSubscriberNotFound)
}

func TestGetSubscriberDoesNotCacheAfterConcurrentUpdate(t *testing.T) {
	svc, repo, _ := newInterleavingService(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Ana", "ana@example.com")
	require.NoError(t, err)

	repo.afterGet = func() {
		_, err := svc.UpdateSubscriber(ctx, created.ID, models.SubscriberUpdate{Email: strPtr("ana@kitchen.org")}, true)
		require.NoError(t, err)
	}

	got, err := svc.GetSubscriber(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", got.Email)

	got, err = svc.GetSubscriber(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana@kitchen.org", got.Email)
}

func TestGetSubscriberCachesWhenNothingChanged(t *testing.T) {
	svc, repo, c := newInterleavingService(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Ana", "ana@example.com")
	require.NoError(t, err)

	_, err = svc.GetSubscriber(ctx, created.ID)
	require.NoError(t, err)

	cached, err := c.Get(ctx, cache.GenerateCacheKey(created.ID))
	require.NoError(t, err)
	assert.Equal(t, created.ID, cached.ID)
}
