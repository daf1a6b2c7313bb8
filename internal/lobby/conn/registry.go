// Package conn tracks the per-user matchmaking connection context lifecycle.
// Every room operation needs an established context; the registry creates
// them lazily, lets worker goroutines wait for readiness without polling,
// and owns the one-time world/lobby partition discovery.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/lobby/async"
	"github.com/cory-johannsen/lobby/internal/lobby/backend"
)

// ErrContextUnavailable is returned when a context failed to start or was
// torn down while an operation was waiting on it.
var ErrContextUnavailable = errors.New("connection context unavailable")

// ErrWorldUnresolved is returned when the world partition has not been
// discovered yet. Callers should retry after discovery completes.
var ErrWorldUnresolved = errors.New("world partition not resolved")

// worldCacheKey is the single key under which the resolved partition is cached.
const worldCacheKey = "world"

// State is the lifecycle state of one user's connection context.
type State int

const (
	StateInvalid State = iota
	StateStarting
	StateStarted
	StateEnding
	StateEnded
)

// String returns a human-readable name for the context state.
func (s State) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateStarting:
		return "Starting"
	case StateStarted:
		return "Started"
	case StateEnding:
		return "Ending"
	case StateEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// userContext is one user's context record. ready is closed exactly once,
// when the record leaves Starting; waiters re-check state afterwards.
type userContext struct {
	userID   string
	handle   backend.ContextHandle
	state    State
	ready    chan struct{}
	startErr error
}

// Registry tracks at most one connection context per local user.
// All methods are safe for concurrent use.
type Registry struct {
	client       backend.Client
	queue        *async.Queue
	logger       *zap.Logger
	startTimeout time.Duration
	discoveryTTL time.Duration

	mu       sync.Mutex
	contexts map[string]*userContext

	worldCache *cache.Cache
	discovery  singleflight.Group
}

// NewRegistry creates an empty context registry.
//
// Precondition: client, queue, and logger must be non-nil.
func NewRegistry(client backend.Client, queue *async.Queue, logger *zap.Logger, cfg config.ConnectionConfig) *Registry {
	return &Registry{
		client:       client,
		queue:        queue,
		logger:       logger,
		startTimeout: cfg.StartTimeout,
		discoveryTTL: cfg.DiscoveryTTL,
		contexts:     make(map[string]*userContext),
		worldCache:   cache.New(cfg.DiscoveryTTL, cfg.DiscoveryTTL),
	}
}

// GetOrCreate ensures a context exists for userID, submitting the creation
// operation on first need, and returns its current state. A record in Ended
// or Invalid is replaced by a fresh Starting one.
//
// Precondition: userID must be non-empty.
func (r *Registry) GetOrCreate(userID string) State {
	c := r.getOrCreate(userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.state
}

// State returns the current context state for userID. Absent contexts
// report Invalid.
func (r *Registry) State(userID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contexts[userID]; ok {
		return c.state
	}
	return StateInvalid
}

func (r *Registry) getOrCreate(userID string) *userContext {
	r.mu.Lock()
	if c, ok := r.contexts[userID]; ok && c.state != StateEnded && c.state != StateInvalid {
		r.mu.Unlock()
		return c
	}
	c := &userContext{
		userID: userID,
		state:  StateStarting,
		ready:  make(chan struct{}),
	}
	r.contexts[userID] = c
	r.mu.Unlock()

	_, err := r.queue.Submit(async.Operation{
		Kind: async.KindCreateContext,
		Run: func(ctx context.Context) (any, error) {
			return r.client.CreateContext(ctx, userID)
		},
		Complete: func(result any, err error) {
			r.completeStart(c, result, err)
		},
	})
	if err != nil {
		// Queue is shut down; fail the record immediately so waiters unblock.
		r.mu.Lock()
		c.state = StateInvalid
		c.startErr = err
		close(c.ready)
		r.mu.Unlock()
	}
	return c
}

// completeStart runs on the pump goroutine when context creation finishes.
func (r *Registry) completeStart(c *userContext, result any, err error) {
	r.mu.Lock()
	if c.state != StateStarting {
		// StartOver or Destroy raced the completion; the record already left
		// Starting and ready is already closed. Tear down the fresh handle so
		// it does not leak on the backend.
		r.mu.Unlock()
		if err == nil {
			handle := result.(backend.ContextHandle)
			_, _ = r.queue.Submit(async.Operation{
				Kind: async.KindDestroyContext,
				Run: func(ctx context.Context) (any, error) {
					return nil, r.client.DestroyContext(ctx, handle)
				},
			})
		}
		return
	}
	if err != nil {
		c.state = StateInvalid
		c.startErr = err
	} else {
		c.handle = result.(backend.ContextHandle)
		c.state = StateStarted
	}
	close(c.ready)
	started := c.state == StateStarted
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("context start failed",
			zap.String("user_id", c.userID),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("context started", zap.String("user_id", c.userID))
	if started {
		r.KickDiscovery(c.userID)
	}
}

// Await blocks until userID's context is Started and returns its handle,
// creating the context first if needed. Intended for worker goroutines; it
// must never be called from the pump goroutine.
//
// Postcondition: Returns a usable handle, or ErrContextUnavailable (possibly
// wrapped) if the context failed, was torn down, or the wait timed out.
func (r *Registry) Await(ctx context.Context, userID string) (backend.ContextHandle, error) {
	c := r.getOrCreate(userID)

	waitCtx, cancel := context.WithTimeout(ctx, r.startTimeout)
	defer cancel()

	select {
	case <-c.ready:
	case <-waitCtx.Done():
		return "", fmt.Errorf("waiting for context of %q: %w", userID, waitCtx.Err())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.state != StateStarted {
		if c.startErr != nil {
			return "", fmt.Errorf("%w: %s", ErrContextUnavailable, c.startErr)
		}
		return "", fmt.Errorf("%w: context is %s", ErrContextUnavailable, c.state)
	}
	return c.handle, nil
}

// StartOver handles a backend-signaled unrecoverable context event: the
// record is invalidated and removed so the next operation recreates it, and
// the stale backend handle is torn down best-effort.
func (r *Registry) StartOver(userID string) {
	r.mu.Lock()
	c, ok := r.contexts[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasStarting := c.state == StateStarting
	handle := c.handle
	c.state = StateInvalid
	c.startErr = ErrContextUnavailable
	if wasStarting {
		close(c.ready)
	}
	delete(r.contexts, userID)
	r.mu.Unlock()

	r.logger.Warn("context start-over", zap.String("user_id", userID))
	if handle != "" {
		_, _ = r.queue.Submit(async.Operation{
			Kind: async.KindDestroyContext,
			Run: func(ctx context.Context) (any, error) {
				return nil, r.client.DestroyContext(ctx, handle)
			},
		})
	}
}

// Destroy tears down userID's context. Idempotent: absent, Ending, and Ended
// contexts are a no-op.
func (r *Registry) Destroy(userID string) {
	r.mu.Lock()
	c, ok := r.contexts[userID]
	if !ok || c.state == StateEnding || c.state == StateEnded {
		r.mu.Unlock()
		return
	}
	wasStarting := c.state == StateStarting
	handle := c.handle
	c.state = StateEnding
	c.startErr = ErrContextUnavailable
	if wasStarting {
		close(c.ready)
	}
	r.mu.Unlock()

	_, err := r.queue.Submit(async.Operation{
		Kind: async.KindDestroyContext,
		Run: func(ctx context.Context) (any, error) {
			if handle == "" {
				return nil, nil
			}
			return nil, r.client.DestroyContext(ctx, handle)
		},
		Complete: func(result any, err error) {
			r.mu.Lock()
			c.state = StateEnded
			if r.contexts[userID] == c {
				delete(r.contexts, userID)
			}
			r.mu.Unlock()
			if err != nil {
				r.logger.Warn("context teardown failed",
					zap.String("user_id", userID),
					zap.Error(err),
				)
			} else {
				r.logger.Info("context ended", zap.String("user_id", userID))
			}
		},
	})
	if err != nil {
		// Queue already shut down; mark the record ended locally.
		r.mu.Lock()
		c.state = StateEnded
		delete(r.contexts, userID)
		r.mu.Unlock()
	}
}

// DestroyAll tears down every tracked context. Idempotent.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	userIDs := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		userIDs = append(userIDs, id)
	}
	r.mu.Unlock()

	for _, id := range userIDs {
		r.Destroy(id)
	}
}

// CachedWorld returns the resolved world partition, if discovery has
// completed and the result is still fresh.
func (r *Registry) CachedWorld() (backend.WorldInfo, bool) {
	if v, ok := r.worldCache.Get(worldCacheKey); ok {
		return v.(backend.WorldInfo), true
	}
	return backend.WorldInfo{}, false
}

// ResolveWorld returns the world partition, performing discovery through
// userID's context if it is not cached. Concurrent resolutions share one
// backend call. Blocking; intended for worker goroutines.
//
// Postcondition: On success the result is cached for the discovery TTL.
func (r *Registry) ResolveWorld(ctx context.Context, userID string) (backend.WorldInfo, error) {
	if w, ok := r.CachedWorld(); ok {
		return w, nil
	}
	v, err, _ := r.discovery.Do(worldCacheKey, func() (any, error) {
		if w, ok := r.CachedWorld(); ok {
			return w, nil
		}
		handle, err := r.Await(ctx, userID)
		if err != nil {
			return backend.WorldInfo{}, err
		}
		w, err := r.client.DiscoverWorld(ctx, handle)
		if err != nil {
			return backend.WorldInfo{}, err
		}
		r.worldCache.Set(worldCacheKey, w, r.discoveryTTL)
		return w, nil
	})
	if err != nil {
		return backend.WorldInfo{}, err
	}
	return v.(backend.WorldInfo), nil
}

// KickDiscovery starts world discovery in the background if the partition is
// not cached. Non-blocking; completion only populates the cache.
func (r *Registry) KickDiscovery(userID string) {
	if _, ok := r.CachedWorld(); ok {
		return
	}
	_, _ = r.queue.Submit(async.Operation{
		Kind: async.KindDiscoverWorld,
		Run: func(ctx context.Context) (any, error) {
			return r.ResolveWorld(ctx, userID)
		},
		Complete: func(result any, err error) {
			if err != nil {
				r.logger.Warn("world discovery failed", zap.Error(err))
				return
			}
			w := result.(backend.WorldInfo)
			r.logger.Info("world discovered",
				zap.String("world_id", w.WorldID),
				zap.String("lobby_id", w.LobbyID),
			)
		},
	})
}
