package repository

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	dapr "github.com/dapr/go-sdk/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipebox/internal/models"
)

var errEtagMismatch = errors.New("possible etag mismatch")

type storedItem struct {
	value []byte
	etag  int
}

// fakeStateStore implements the state calls used by DaprSubscriberRepository
// with first-write and etag semantics similar to a transactional state store.
type fakeStateStore struct {
	dapr.Client

	mu      sync.Mutex
	items   map[string]storedItem
	failTxn error
	// beforeTxn runs once, inside the next transaction, before it is applied.
	beforeTxn func(items map[string]storedItem)
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{items: make(map[string]storedItem)}
}

func (f *fakeStateStore) GetState(ctx context.Context, storeName, key string, meta map[string]string) (*dapr.StateItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[key]
	if !ok {
		return &dapr.StateItem{Key: key}, nil
	}
	return &dapr.StateItem{
		Key:   key,
		Value: append([]byte(nil), item.value...),
		Etag:  strconv.Itoa(item.etag),
	}, nil
}

func (f *fakeStateStore) ExecuteStateTransaction(ctx context.Context, storeName string, meta map[string]string, ops []*dapr.StateOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.beforeTxn != nil {
		f.beforeTxn(f.items)
		f.beforeTxn = nil
	}
	if f.failTxn != nil {
		return f.failTxn
	}

	for _, op := range ops {
		if op.Type != dapr.StateOperationTypeUpsert {
			continue
		}
		current, exists := f.items[op.Item.Key]
		if op.Item.Etag != nil {
			if !exists || op.Item.Etag.Value != strconv.Itoa(current.etag) {
				return errEtagMismatch
			}
			continue
		}
		if op.Item.Options != nil && op.Item.Options.Concurrency == dapr.StateConcurrencyFirstWrite && exists {
			return errEtagMismatch
		}
	}

	for _, op := range ops {
		switch op.Type {
		case dapr.StateOperationTypeUpsert:
			current := f.items[op.Item.Key]
			f.items[op.Item.Key] = storedItem{value: op.Item.Value, etag: current.etag + 1}
		case dapr.StateOperationTypeDelete:
			delete(f.items, op.Item.Key)
		}
	}
	return nil
}

func TestDaprSubscriberRepository(t *testing.T) {
	testRepositoryBehaviour(t, func(t *testing.T, now Clock) SubscriberRepository {
		return NewDaprSubscriberRepositoryWithClock(newFakeStateStore(), "statestore", now)
	})
}

func TestDaprSubscriberRepositoryRacingEmailIsDuplicate(t *testing.T) {
	store := newFakeStateStore()
	repo := NewDaprSubscriberRepository(store, "statestore")

	// another writer claims the email between the pre-check and the transaction
	store.beforeTxn = func(items map[string]storedItem) {
		items[emailKey("ada@example.com")] = storedItem{value: []byte("someone-else"), etag: 1}
	}

	_, err := repo.Create(context.Background(), "Ada", "ada@example.com")

	assert.ErrorIs(t, err, models.ErrDuplicateEmail)

	all, err := repo.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDaprSubscriberRepositoryStoreFailure(t *testing.T) {
	store := newFakeStateStore()
	store.failTxn = errors.New("sidecar unavailable")
	repo := NewDaprSubscriberRepository(store, "statestore")

	_, err := repo.Create(context.Background(), "Ada", "ada@example.com")

	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrDuplicateEmail)
	assert.ErrorIs(t, err, store.failTxn)
}

func TestDaprSubscriberRepositoryStaleIndexIsRejected(t *testing.T) {
	store := newFakeStateStore()
	repo := NewDaprSubscriberRepository(store, "statestore")
	_, err := repo.Create(context.Background(), "Ada", "ada@example.com")
	require.NoError(t, err)

	ids, etag, err := repo.readIndex(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// a concurrent writer bumps the index
	_, err = repo.Create(context.Background(), "Grace", "grace@example.com")
	require.NoError(t, err)

	err = store.ExecuteStateTransaction(context.Background(), "statestore", nil, []*dapr.StateOperation{
		upsert(daprIndexKey, []byte(`[]`), etag, firstWrite),
	})
	assert.ErrorIs(t, err, errEtagMismatch)
}
