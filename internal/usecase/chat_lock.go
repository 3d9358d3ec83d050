package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RemoteLock is a cross-process lock keyed by chat ID. It is optional; a
// single-replica deployment uses only the in-process mutexes.
type RemoteLock interface {
	// AcquireChat reports whether the lock was taken. It must not block.
	AcquireChat(ctx context.Context, chatID string) (bool, error)
	ReleaseChat(ctx context.Context, chatID string) error
}

const defaultRemoteRetry = 100 * time.Millisecond

// ChatLocker guarantees at most one active turn per chat. The in-process
// mutex is always taken first; the remote lock, when configured, is then
// polled until it is acquired or the context ends.
type ChatLocker struct {
	mu          sync.Mutex
	locks       map[string]*chatMutex
	remote      RemoteLock
	remoteRetry time.Duration
}

type chatMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewChatLocker creates a chat locker. remote may be nil.
func NewChatLocker(remote RemoteLock) *ChatLocker {
	return &ChatLocker{
		locks:       make(map[string]*chatMutex),
		remote:      remote,
		remoteRetry: defaultRemoteRetry,
	}
}

// Lock acquires the lock for chatID. It blocks until the lock is acquired or
// the context is cancelled. The returned unlock function MUST be called.
func (cl *ChatLocker) Lock(ctx context.Context, chatID string) (unlock func(), err error) {
	cm := cl.ref(chatID)

	acquired := make(chan struct{})
	go func() {
		cm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The goroutine still owns a pending Lock; release it once it lands.
		go func() {
			<-acquired
			cl.release(chatID, cm)
		}()
		return nil, fmt.Errorf("chat lock: %w", ctx.Err())
	}

	if cl.remote != nil {
		if err := cl.acquireRemote(ctx, chatID); err != nil {
			cl.release(chatID, cm)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if cl.remote != nil {
				// Release even if the turn's context is already done.
				_ = cl.remote.ReleaseChat(context.WithoutCancel(ctx), chatID)
			}
			cl.release(chatID, cm)
		})
	}, nil
}

func (cl *ChatLocker) acquireRemote(ctx context.Context, chatID string) error {
	ticker := time.NewTicker(cl.remoteRetry)
	defer ticker.Stop()
	for {
		ok, err := cl.remote.AcquireChat(ctx, chatID)
		if err != nil {
			return fmt.Errorf("chat lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("chat lock: %w", ctx.Err())
		}
	}
}

func (cl *ChatLocker) ref(chatID string) *chatMutex {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cm, ok := cl.locks[chatID]
	if !ok {
		cm = &chatMutex{}
		cl.locks[chatID] = cm
	}
	cm.refCount++
	return cm
}

func (cl *ChatLocker) release(chatID string, cm *chatMutex) {
	cm.mu.Unlock()
	cl.mu.Lock()
	cm.refCount--
	if cm.refCount == 0 {
		delete(cl.locks, chatID)
	}
	cl.mu.Unlock()
}

// ActiveCount returns the number of chats with active or pending locks.
// Intended for testing.
func (cl *ChatLocker) ActiveCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.locks)
}
