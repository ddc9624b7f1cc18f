package engagement

import (
	"context"
	"sync"
)

// =============================================================================
// OWNER - Per-key serialization
// =============================================================================

// KeyedMutex is a set of mutexes created on demand and dropped when idle.
// Different keys never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the key and must be called exactly once.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Owner holds the two serialization domains of the engine.
// Lock order is always patient, then challenge.
type Owner struct {
	patients   KeyedMutex
	challenges KeyedMutex
}

func (o *Owner) LockPatient(ctx context.Context, id PatientID) (func(), error) {
	return o.patients.Lock(ctx, string(id))
}

func (o *Owner) LockChallenge(ctx context.Context, id ChallengeID) (func(), error) {
	return o.challenges.Lock(ctx, string(id))
}
