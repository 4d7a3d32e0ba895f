// Package testutil provides an in-memory types.ConsensusStore double shared
// by the component test suites, so none of them need a live etcd cluster to
// exercise CAS, lease, and watch semantics.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/pgcluster/controlplane/pkg/errors"
	"github.com/pgcluster/controlplane/pkg/types"
)

type fakeEntry struct {
	value    []byte
	revision int64
	leaseID  types.LeaseID
}

type fakeLease struct {
	expiresAt time.Time
	ttl       time.Duration
}

// FakeStore is a minimal, single-process stand-in for types.ConsensusStore.
// It provides linearizable semantics by holding a single mutex for every
// operation; it is not meant to model network partitions, only the
// compare-and-swap, lease, and watch contract callers depend on.
type FakeStore struct {
	mu sync.Mutex

	rev     int64
	entries map[string]fakeEntry
	leases  map[types.LeaseID]*fakeLease
	nextLID types.LeaseID

	watchers []*fakeWatcher
}

type fakeWatcher struct {
	prefix string
	ch     chan types.WatchEvent
}

// NewFakeStore returns an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		entries: make(map[string]fakeEntry),
		leases:  make(map[types.LeaseID]*fakeLease),
	}
}

func (f *FakeStore) nextRevision() int64 {
	f.rev++
	return f.rev
}

func (f *FakeStore) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok || f.leaseExpiredLocked(e.leaseID) {
		return nil, f.rev, false, nil
	}
	return e.value, e.revision, true, nil
}

func (f *FakeStore) Put(ctx context.Context, key string, value []byte, lease types.LeaseID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev := f.nextRevision()
	f.entries[key] = fakeEntry{value: value, revision: rev, leaseID: lease}
	f.notifyLocked(key, value, rev, types.WatchEventPut)
	return rev, nil
}

func (f *FakeStore) CompareAndSwap(ctx context.Context, key string, expectedRevision int64, expectAbsent bool, newValue []byte, lease types.LeaseID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, exists := f.entries[key]
	if f.leaseExpiredLocked(e.leaseID) {
		exists = false
	}
	if expectAbsent {
		if exists {
			return 0, errors.NewError(errors.ErrCodeConflict, "key already present").WithContext("key", key)
		}
	} else if !exists || e.revision != expectedRevision {
		return 0, errors.NewError(errors.ErrCodeConflict, "revision mismatch").WithContext("key", key)
	}

	rev := f.nextRevision()
	f.entries[key] = fakeEntry{value: newValue, revision: rev, leaseID: lease}
	f.notifyLocked(key, newValue, rev, types.WatchEventPut)
	return rev, nil
}

func (f *FakeStore) Delete(ctx context.Context, key string, expectedRevision int64, checkRevision bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, exists := f.entries[key]
	if !exists {
		return false, nil
	}
	if checkRevision && e.revision != expectedRevision {
		return false, errors.NewError(errors.ErrCodeConflict, "revision mismatch").WithContext("key", key)
	}
	delete(f.entries, key)
	rev := f.nextRevision()
	f.notifyLocked(key, nil, rev, types.WatchEventDelete)
	return true, nil
}

func (f *FakeStore) Watch(ctx context.Context, keyPrefix string, fromRevision int64) (<-chan types.WatchEvent, error) {
	f.mu.Lock()
	w := &fakeWatcher{prefix: keyPrefix, ch: make(chan types.WatchEvent, 64)}
	f.watchers = append(f.watchers, w)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, existing := range f.watchers {
			if existing == w {
				f.watchers = append(f.watchers[:i], f.watchers[i+1:]...)
				break
			}
		}
		close(w.ch)
	}()

	return w.ch, nil
}

func (f *FakeStore) notifyLocked(key string, value []byte, rev int64, typ types.WatchEventType) {
	for _, w := range f.watchers {
		if len(key) < len(w.prefix) || key[:len(w.prefix)] != w.prefix {
			continue
		}
		select {
		case w.ch <- types.WatchEvent{Key: key, Value: value, Revision: rev, Type: typ}:
		default:
		}
	}
}

func (f *FakeStore) GrantLease(ctx context.Context, ttl time.Duration) (types.LeaseID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLID++
	id := f.nextLID
	f.leases[id] = &fakeLease{ttl: ttl, expiresAt: time.Now().Add(ttl)}
	return id, nil
}

func (f *FakeStore) KeepAlive(ctx context.Context, id types.LeaseID) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[id]
	if !ok || time.Now().After(l.expiresAt) {
		return time.Time{}, errors.NewError(errors.ErrCodeLeaseLost, "lease expired or revoked")
	}
	l.expiresAt = time.Now().Add(l.ttl)
	return l.expiresAt, nil
}

func (f *FakeStore) RevokeLease(ctx context.Context, id types.LeaseID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, id)
	return nil
}

func (f *FakeStore) Now(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rev, nil
}

func (f *FakeStore) Close() error { return nil }

func (f *FakeStore) leaseExpiredLocked(id types.LeaseID) bool {
	if id == 0 {
		return false
	}
	l, ok := f.leases[id]
	if !ok {
		return true
	}
	return time.Now().After(l.expiresAt)
}

// ExpireLease forces a previously granted lease to expire immediately, for
// exercising LeaseLost paths deterministically.
func (f *FakeStore) ExpireLease(id types.LeaseID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leases[id]; ok {
		l.expiresAt = time.Now().Add(-time.Second)
	}
}

var _ types.ConsensusStore = (*FakeStore)(nil)
