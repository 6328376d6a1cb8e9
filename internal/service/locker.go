package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// UserLocker serializes operations on the same user. The returned unlock
// function must be called exactly once.
type UserLocker interface {
	Lock(ctx context.Context, userID int64) (unlock func(), err error)
}

// KeyedMutex is an in-process UserLocker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyedLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, userID int64) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[userID]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[userID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(userID, l)
		return nil, fmt.Errorf("lock user %d: %w", userID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(userID, l)
		})
	}, nil
}

func (k *KeyedMutex) release(userID int64, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, userID)
	}
	k.mu.Unlock()
}

// RedisLocker is a distributed UserLocker for running several control-plane
// replicas against one store.
type RedisLocker struct {
	log    logrus.FieldLogger
	rs     *redsync.Redsync
	expiry time.Duration
}

func NewRedisLocker(log logrus.FieldLogger, rdb *redis.Client, expiry time.Duration) *RedisLocker {
	return &RedisLocker{
		log:    log,
		rs:     redsync.New(goredis.NewPool(rdb)),
		expiry: expiry,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, userID int64) (func(), error) {
	mutex := r.rs.NewMutex(
		fmt.Sprintf("proxyfleet:user_lock:%d", userID),
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(64),
		redsync.WithRetryDelay(250*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock user %d: %w", userID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 用独立 context 释放锁, 调用方的 ctx 可能已经超时
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := mutex.UnlockContext(unlockCtx); err != nil {
				r.log.WithError(err).WithField("user_id", userID).Warn("failed to release user lock")
			}
		})
	}, nil
}
