package session

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/lobby/async"
	"github.com/cory-johannsen/lobby/internal/lobby/backend"
	"github.com/cory-johannsen/lobby/internal/lobby/conn"
	"github.com/cory-johannsen/lobby/internal/observability"
)

// CompletionFunc receives the final outcome of one controller operation.
// Every operation fires its delegate exactly once: synchronously when the
// operation is rejected up front (the method also returns false), otherwise
// asynchronously from the pump.
type CompletionFunc func(success bool)

// JoinCompletionFunc receives the outcome of a join attempt.
type JoinCompletionFunc func(result JoinResult)

// Controller drives the session state machine. Public methods and all
// completion delegates run on the goroutine that pumps the async queue;
// network work happens on the queue's workers. Methods return false after
// firing the delegate with a failure when a precondition is violated, so
// callers never need a separate synchronous error path.
type Controller struct {
	registry *Registry
	contexts *conn.Registry
	queue    *async.Queue
	client   backend.Client
	events   Events
	talkers  TalkerRegistry
	logger   *zap.Logger
	metrics  *observability.Metrics

	// destroyWaiters coalesces destroy delegates per session name while a
	// destroy is in flight. Owning-goroutine state, no lock needed.
	destroyWaiters map[string][]CompletionFunc
}

// NewController creates a session lifecycle controller.
//
// Precondition: registry, contexts, queue, client, and logger must be
// non-nil; events, talkers, and metrics may be nil.
func NewController(
	registry *Registry,
	contexts *conn.Registry,
	queue *async.Queue,
	client backend.Client,
	events Events,
	talkers TalkerRegistry,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Controller {
	if events == nil {
		events = NopEvents{}
	}
	if talkers == nil {
		talkers = NopTalkers{}
	}
	return &Controller{
		registry:       registry,
		contexts:       contexts,
		queue:          queue,
		client:         client,
		events:         events,
		talkers:        talkers,
		logger:         logger,
		metrics:        metrics,
		destroyWaiters: make(map[string][]CompletionFunc),
	}
}

// Registry exposes the session table for read access.
func (c *Controller) Registry() *Registry { return c.registry }

func nop(bool) {}

func nopJoin(JoinResult) {}

// setState moves sess along the state machine and notifies observers.
func (c *Controller) setState(sess *Session, newState State) {
	old := sess.State
	if old == newState {
		return
	}
	sess.State = newState
	c.metrics.SessionStateChanged(old.String(), newState.String())
	c.logger.Debug("session state changed",
		zap.String("session", sess.Name),
		zap.Stringer("from", old),
		zap.Stringer("to", newState),
	)
	c.events.OnSessionStateChanged(sess.Name, old, newState)
}

// dropSession removes sess from the registry and its state metric bucket.
func (c *Controller) dropSession(sess *Session) {
	c.metrics.SessionStateChanged(sess.State.String(), "")
	c.registry.Remove(sess.Name)
}

// CreateSession registers a new hosted session and asks the backend to
// create its room. On success the session reaches Pending with its backend
// handle populated and the host registered as a voice talker. If binding the
// room's metadata fails after the room was created, the room is deleted
// again before the failure is reported, so no orphaned backend room remains.
//
// Precondition: hostID and name must be non-empty; name must not be in use.
// Postcondition: done fires exactly once with the final outcome.
func (c *Controller) CreateSession(hostID, name string, settings Settings, done CompletionFunc) bool {
	if done == nil {
		done = nop
	}
	if hostID == "" || name == "" {
		c.logger.Warn("create session rejected",
			zap.String("session", name),
			zap.String("host_id", hostID),
		)
		done(false)
		c.events.OnCreateSessionComplete(name, false)
		return false
	}
	sess, err := c.registry.AddNamed(name, settings)
	if err != nil {
		c.logger.Warn("create session rejected", zap.String("session", name), zap.Error(err))
		done(false)
		c.events.OnCreateSessionComplete(name, false)
		return false
	}
	sess.IsHosting = true
	sess.OwningUserID = hostID
	sess.LocalOwnerID = hostID
	c.metrics.SessionStateChanged("", StateCreating.String())

	// Kick context creation now so the worker's wait is short.
	c.contexts.GetOrCreate(hostID)

	attrs := settings.Advertised()
	data := settings.Data()
	req := backend.CreateRoomRequest{
		OwnerID:      hostID,
		PublicSlots:  settings.PublicSlots,
		PrivateSlots: settings.PrivateSlots,
	}

	_, err = c.queue.Submit(async.Operation{
		Kind: async.KindCreateSession,
		Run: func(ctx context.Context) (any, error) {
			handle, err := c.contexts.Await(ctx, hostID)
			if err != nil {
				return nil, err
			}
			world, err := c.contexts.ResolveWorld(ctx, hostID)
			if err != nil {
				return nil, err
			}
			info, err := c.client.CreateRoom(ctx, handle, world, req)
			if err != nil {
				return nil, err
			}
			// Bind metadata as sub-steps of this same operation. A failure
			// here deletes the just-created room: the original error is the
			// one reported, and it is reported once.
			if err := c.client.SetRoomAttributes(ctx, handle, info.Address, attrs); err != nil {
				_ = c.client.DeleteRoom(ctx, handle, info.Address)
				return nil, err
			}
			if err := c.client.SetRoomData(ctx, handle, info.Address, data); err != nil {
				_ = c.client.DeleteRoom(ctx, handle, info.Address)
				return nil, err
			}
			return info, nil
		},
		Complete: func(result any, err error) {
			current, ok := c.registry.Find(name)
			if !ok || current != sess {
				// The session vanished while the create was in flight. Do not
				// resurrect it; tear the fresh room down instead.
				if err == nil {
					info := result.(backend.RoomInfo)
					c.deleteOrphanedRoom(hostID, info.Address)
				}
				done(false)
				c.events.OnCreateSessionComplete(name, false)
				return
			}
			if err != nil {
				c.logger.Warn("create session failed", zap.String("session", name), zap.Error(err))
				c.dropSession(sess)
				done(false)
				c.events.OnCreateSessionComplete(name, false)
				return
			}
			info := result.(backend.RoomInfo)
			sess.SessionID = info.SessionID
			sess.Address = info.Address
			sess.OpenPublicSlots = info.OpenPublicSlots
			sess.OpenPrivateSlots = info.OpenPrivateSlots
			c.setState(sess, StatePending)
			c.talkers.RegisterTalker(name, hostID)
			c.logger.Info("session created",
				zap.String("session", name),
				zap.String("session_id", info.SessionID),
				zap.Stringer("room", info.Address),
			)
			done(true)
			c.events.OnCreateSessionComplete(name, true)
		},
	})
	if err != nil {
		c.dropSession(sess)
		done(false)
		c.events.OnCreateSessionComplete(name, false)
		return false
	}
	return true
}

// deleteOrphanedRoom best-effort deletes a room no local session references.
func (c *Controller) deleteOrphanedRoom(userID string, addr backend.RoomAddress) {
	_, _ = c.queue.Submit(async.Operation{
		Kind: async.KindDestroySession,
		Run: func(ctx context.Context) (any, error) {
			handle, err := c.contexts.Await(ctx, userID)
			if err != nil {
				return nil, err
			}
			return nil, c.client.DeleteRoom(ctx, handle, addr)
		},
	})
}

// StartSession moves the named session to InProgress. Legal only from
// Pending or Ended; illegal calls report failure without touching the
// network.
//
// Postcondition: Returns true and fires OnSessionStateChanged on success.
func (c *Controller) StartSession(name string) bool {
	sess, ok := c.registry.Find(name)
	if !ok {
		c.logger.Warn("start session: not found", zap.String("session", name))
		return false
	}
	if sess.State != StatePending && sess.State != StateEnded {
		c.logger.Warn("start session: illegal state",
			zap.String("session", name),
			zap.Stringer("state", sess.State),
		)
		return false
	}
	c.setState(sess, StateInProgress)
	return true
}

// EndSession moves the named session to Ended. Legal only from InProgress.
func (c *Controller) EndSession(name string) bool {
	sess, ok := c.registry.Find(name)
	if !ok {
		c.logger.Warn("end session: not found", zap.String("session", name))
		return false
	}
	if sess.State != StateInProgress {
		c.logger.Warn("end session: illegal state",
			zap.String("session", name),
			zap.Stringer("state", sess.State),
		)
		return false
	}
	c.setState(sess, StateEnded)
	return true
}

// UpdateSession pushes new settings to the backend as two operations: one
// for advertised attributes, one for the custom data blob. The session's
// state is untouched; done fires once with the combined outcome.
//
// Precondition: the session must exist and have a valid backend handle.
func (c *Controller) UpdateSession(name string, settings Settings, done CompletionFunc) bool {
	if done == nil {
		done = nop
	}
	sess, ok := c.registry.Find(name)
	if !ok || sess.Address.IsZero() {
		c.logger.Warn("update session rejected", zap.String("session", name))
		done(false)
		return false
	}
	sess.Settings = settings
	userID := sess.LocalOwnerID
	addr := sess.Address
	attrs := settings.Advertised()
	data := settings.Data()

	// Both puts are independent; the delegate fires once when the second
	// completion lands, with errors combined for logging.
	remaining := 2
	var collected error
	finish := func(err error) {
		collected = multierr.Append(collected, err)
		remaining--
		if remaining > 0 {
			return
		}
		if collected != nil {
			c.logger.Warn("update session failed", zap.String("session", name), zap.Error(collected))
		}
		done(collected == nil)
	}

	submit := func(run async.RunFunc) {
		_, err := c.queue.Submit(async.Operation{
			Kind: async.KindPutSessionAttrs,
			Run:  run,
			Complete: func(_ any, err error) {
				finish(err)
			},
		})
		if err != nil {
			finish(err)
		}
	}

	submit(func(ctx context.Context) (any, error) {
		handle, err := c.contexts.Await(ctx, userID)
		if err != nil {
			return nil, err
		}
		return nil, c.client.SetRoomAttributes(ctx, handle, addr, attrs)
	})
	submit(func(ctx context.Context) (any, error) {
		handle, err := c.contexts.Await(ctx, userID)
		if err != nil {
			return nil, err
		}
		return nil, c.client.SetRoomData(ctx, handle, addr, data)
	})
	return true
}

// GetSessionSettings refreshes the session's advertised attributes from the
// backend and merges them into the local settings.
//
// Precondition: the session must exist and have a valid backend handle.
func (c *Controller) GetSessionSettings(name string, done CompletionFunc) bool {
	if done == nil {
		done = nop
	}
	sess, ok := c.registry.Find(name)
	if !ok || sess.Address.IsZero() {
		c.logger.Warn("get session settings rejected", zap.String("session", name))
		done(false)
		return false
	}
	userID := sess.LocalOwnerID
	addr := sess.Address

	_, err := c.queue.Submit(async.Operation{
		Kind: async.KindGetSessionAttrs,
		Run: func(ctx context.Context) (any, error) {
			handle, err := c.contexts.Await(ctx, userID)
			if err != nil {
				return nil, err
			}
			return c.client.GetRoomAttributes(ctx, handle, addr)
		},
		Complete: func(result any, err error) {
			if err != nil {
				c.logger.Warn("get session settings failed", zap.String("session", name), zap.Error(err))
				done(false)
				return
			}
			if current, ok := c.registry.Find(name); ok && current == sess {
				sess.Settings.Merge(result.(map[string]string))
			}
			done(true)
		},
	})
	if err != nil {
		done(false)
		return false
	}
	return true
}

// DestroySession tears the named session down. Re-entrant: a destroy issued
// while one is already in flight queues its delegate alongside the first
// rather than submitting a second network operation. Hosting without host
// migration deletes the backend room; guests and migrating hosts leave it so
// the room persists for remaining members. On completion, whatever the
// branch: talkers are unregistered, the session is removed, every queued
// delegate fires exactly once with the same outcome, and the destroy-complete
// notification follows.
func (c *Controller) DestroySession(name string, done CompletionFunc) bool {
	if done == nil {
		done = nop
	}
	sess, ok := c.registry.Find(name)
	if !ok {
		c.logger.Warn("destroy session: not found", zap.String("session", name))
		done(false)
		c.events.OnDestroySessionComplete(name, false)
		return false
	}
	if sess.State == StateDestroying {
		c.destroyWaiters[name] = append(c.destroyWaiters[name], done)
		return true
	}
	c.setState(sess, StateDestroying)
	c.destroyWaiters[name] = []CompletionFunc{done}

	deleteRoom := sess.IsHosting && !sess.Settings.HostMigration
	addr := sess.Address
	userID := sess.LocalOwnerID
	kind := async.KindLeaveSession
	if deleteRoom {
		kind = async.KindDestroySession
	}

	_, err := c.queue.Submit(async.Operation{
		Kind: kind,
		Run: func(ctx context.Context) (any, error) {
			if addr.IsZero() {
				// Standalone session: nothing on the backend to tear down.
				return nil, nil
			}
			handle, err := c.contexts.Await(ctx, userID)
			if err != nil {
				return nil, err
			}
			if deleteRoom {
				return nil, c.client.DeleteRoom(ctx, handle, addr)
			}
			return nil, c.client.LeaveRoom(ctx, handle, userID, addr)
		},
		Complete: func(_ any, err error) {
			c.finishDestroy(sess, err)
		},
	})
	if err != nil {
		c.finishDestroy(sess, err)
		return false
	}
	return true
}

// finishDestroy completes a destroy regardless of the network outcome: the
// local session is always removed.
func (c *Controller) finishDestroy(sess *Session, err error) {
	name := sess.Name
	success := err == nil
	if err != nil {
		c.logger.Warn("destroy session: backend teardown failed",
			zap.String("session", name),
			zap.Error(err),
		)
	}
	c.talkers.UnregisterTalkers(name)
	c.dropSession(sess)

	waiters := c.destroyWaiters[name]
	delete(c.destroyWaiters, name)
	for _, w := range waiters {
		w(success)
	}
	c.logger.Info("session destroyed", zap.String("session", name), zap.Bool("success", success))
	c.events.OnDestroySessionComplete(name, success)
}

// JoinSession registers a Pending session mirroring a search result and asks
// the backend to join its room. On failure no registry entry remains and the
// result is mapped to the closed JoinResult enum.
//
// Precondition: playerID and name must be non-empty; name must not be in use.
// Postcondition: done fires exactly once.
func (c *Controller) JoinSession(playerID, name string, desired backend.RoomInfo, done JoinCompletionFunc) bool {
	if done == nil {
		done = nopJoin
	}
	if playerID == "" || name == "" {
		done(JoinUnknownError)
		c.events.OnJoinSessionComplete(name, JoinUnknownError)
		return false
	}
	if _, exists := c.registry.Find(name); exists {
		c.logger.Warn("join session rejected: already present", zap.String("session", name))
		done(JoinAlreadyInSession)
		c.events.OnJoinSessionComplete(name, JoinAlreadyInSession)
		return false
	}
	sess, err := c.registry.AddNamed(name, SettingsFromRoom(desired))
	if err != nil {
		done(JoinAlreadyInSession)
		c.events.OnJoinSessionComplete(name, JoinAlreadyInSession)
		return false
	}
	sess.State = StatePending
	sess.IsHosting = false
	sess.OwningUserID = desired.OwnerID
	sess.LocalOwnerID = playerID
	sess.SessionID = desired.SessionID
	sess.Address = desired.Address
	sess.OpenPublicSlots = desired.OpenPublicSlots
	sess.OpenPrivateSlots = desired.OpenPrivateSlots
	c.metrics.SessionStateChanged("", StatePending.String())

	c.contexts.GetOrCreate(playerID)

	_, err = c.queue.Submit(async.Operation{
		Kind: async.KindJoinSession,
		Run: func(ctx context.Context) (any, error) {
			handle, err := c.contexts.Await(ctx, playerID)
			if err != nil {
				return nil, err
			}
			return c.client.JoinRoom(ctx, handle, playerID, desired.Address)
		},
		Complete: func(result any, err error) {
			if err != nil {
				res := joinResultFromError(err)
				c.logger.Warn("join session failed",
					zap.String("session", name),
					zap.Stringer("result", res),
					zap.Error(err),
				)
				if current, ok := c.registry.Find(name); ok && current == sess {
					c.dropSession(sess)
				}
				done(res)
				c.events.OnJoinSessionComplete(name, res)
				return
			}
			info := result.(backend.RoomInfo)
			sess.SessionID = info.SessionID
			sess.Address = info.Address
			sess.OpenPublicSlots = info.OpenPublicSlots
			sess.OpenPrivateSlots = info.OpenPrivateSlots
			c.talkers.RegisterTalker(name, playerID)
			c.logger.Info("session joined",
				zap.String("session", name),
				zap.Stringer("room", info.Address),
			)
			done(JoinSuccess)
			c.events.OnJoinSessionComplete(name, JoinSuccess)
		},
	})
	if err != nil {
		c.dropSession(sess)
		done(JoinUnknownError)
		c.events.OnJoinSessionComplete(name, JoinUnknownError)
		return false
	}
	return true
}

// SendSessionInvite invites users to the named session.
//
// Precondition: the session must exist and have a valid backend handle.
// Postcondition: done fires exactly once.
func (c *Controller) SendSessionInvite(name, fromUserID string, toUserIDs []string, done CompletionFunc) bool {
	if done == nil {
		done = nop
	}
	sess, ok := c.registry.Find(name)
	if !ok || sess.Address.IsZero() {
		c.logger.Warn("send invite rejected", zap.String("session", name))
		done(false)
		c.events.OnSendInviteComplete(name, false)
		return false
	}
	addr := sess.Address

	_, err := c.queue.Submit(async.Operation{
		Kind: async.KindSendInvite,
		Run: func(ctx context.Context) (any, error) {
			handle, err := c.contexts.Await(ctx, fromUserID)
			if err != nil {
				return nil, err
			}
			return nil, c.client.SendInvite(ctx, handle, addr, fromUserID, toUserIDs)
		},
		Complete: func(_ any, err error) {
			if err != nil {
				c.logger.Warn("send invite failed", zap.String("session", name), zap.Error(err))
			}
			done(err == nil)
			c.events.OnSendInviteComplete(name, err == nil)
		},
	})
	if err != nil {
		done(false)
		c.events.OnSendInviteComplete(name, false)
		return false
	}
	return true
}
