package session

import (
	"sync"

	"go.uber.org/zap"
)

// Events receives session and matchmaking notifications. Implementations are
// invoked synchronously on the owning goroutine and must not block; they may
// re-enter the controller and registry.
type Events interface {
	OnSessionStateChanged(name string, oldState, newState State)
	OnCreateSessionComplete(name string, success bool)
	OnDestroySessionComplete(name string, success bool)
	OnJoinSessionComplete(name string, result JoinResult)
	OnSendInviteComplete(name string, success bool)
	OnFindSessionsComplete(success bool)
	OnMatchmakingComplete(name string, success bool)
}

// NopEvents is an Events implementation that ignores every notification.
// Embed it to observe only the notifications you care about.
type NopEvents struct{}

func (NopEvents) OnSessionStateChanged(string, State, State)  {}
func (NopEvents) OnCreateSessionComplete(string, bool)        {}
func (NopEvents) OnDestroySessionComplete(string, bool)       {}
func (NopEvents) OnJoinSessionComplete(string, JoinResult)    {}
func (NopEvents) OnSendInviteComplete(string, bool)           {}
func (NopEvents) OnFindSessionsComplete(bool)                 {}
func (NopEvents) OnMatchmakingComplete(string, bool)          {}

// NotificationHub fans session notifications out to any number of registered
// observers (presence, friends, voice, UI). Registration is safe for
// concurrent use; delivery happens on the owning goroutine in registration
// order. The observer list is copied before delivery so observers may
// register or unregister from within a callback.
type NotificationHub struct {
	mu        sync.Mutex
	observers []Events
}

var _ Events = (*NotificationHub)(nil)

// NewNotificationHub creates an empty hub.
func NewNotificationHub() *NotificationHub {
	return &NotificationHub{}
}

// Register adds an observer.
//
// Precondition: obs must be non-nil.
func (h *NotificationHub) Register(obs Events) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, obs)
}

func (h *NotificationHub) snapshot() []Events {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Events, len(h.observers))
	copy(out, h.observers)
	return out
}

func (h *NotificationHub) OnSessionStateChanged(name string, oldState, newState State) {
	for _, obs := range h.snapshot() {
		obs.OnSessionStateChanged(name, oldState, newState)
	}
}

func (h *NotificationHub) OnCreateSessionComplete(name string, success bool) {
	for _, obs := range h.snapshot() {
		obs.OnCreateSessionComplete(name, success)
	}
}

func (h *NotificationHub) OnDestroySessionComplete(name string, success bool) {
	for _, obs := range h.snapshot() {
		obs.OnDestroySessionComplete(name, success)
	}
}

func (h *NotificationHub) OnJoinSessionComplete(name string, result JoinResult) {
	for _, obs := range h.snapshot() {
		obs.OnJoinSessionComplete(name, result)
	}
}

func (h *NotificationHub) OnSendInviteComplete(name string, success bool) {
	for _, obs := range h.snapshot() {
		obs.OnSendInviteComplete(name, success)
	}
}

func (h *NotificationHub) OnFindSessionsComplete(success bool) {
	for _, obs := range h.snapshot() {
		obs.OnFindSessionsComplete(success)
	}
}

func (h *NotificationHub) OnMatchmakingComplete(name string, success bool) {
	for _, obs := range h.snapshot() {
		obs.OnMatchmakingComplete(name, success)
	}
}

// LoggingListener is an Events observer that logs every notification. lobbyd
// registers it on the hub so session traffic is visible without a real UI.
type LoggingListener struct {
	logger *zap.Logger
}

var _ Events = (*LoggingListener)(nil)

// NewLoggingListener creates a listener writing to logger.
//
// Precondition: logger must be non-nil.
func NewLoggingListener(logger *zap.Logger) *LoggingListener {
	return &LoggingListener{logger: logger}
}

func (l *LoggingListener) OnSessionStateChanged(name string, oldState, newState State) {
	l.logger.Info("session state changed",
		zap.String("session", name),
		zap.Stringer("from", oldState),
		zap.Stringer("to", newState),
	)
}

func (l *LoggingListener) OnCreateSessionComplete(name string, success bool) {
	l.logger.Info("create session complete",
		zap.String("session", name), zap.Bool("success", success))
}

func (l *LoggingListener) OnDestroySessionComplete(name string, success bool) {
	l.logger.Info("destroy session complete",
		zap.String("session", name), zap.Bool("success", success))
}

func (l *LoggingListener) OnJoinSessionComplete(name string, result JoinResult) {
	l.logger.Info("join session complete",
		zap.String("session", name), zap.Stringer("result", result))
}

func (l *LoggingListener) OnSendInviteComplete(name string, success bool) {
	l.logger.Info("send invite complete",
		zap.String("session", name), zap.Bool("success", success))
}

func (l *LoggingListener) OnFindSessionsComplete(success bool) {
	l.logger.Info("find sessions complete", zap.Bool("success", success))
}

func (l *LoggingListener) OnMatchmakingComplete(name string, success bool) {
	l.logger.Info("matchmaking complete",
		zap.String("session", name), zap.Bool("success", success))
}

// TalkerRegistry registers local players as voice talkers when they enter a
// session and removes them on teardown. The voice subsystem is an external
// collaborator; NopTalkers is used when none is wired.
type TalkerRegistry interface {
	// RegisterTalker adds userID as a talker in the named session.
	RegisterTalker(sessionName, userID string)
	// UnregisterTalkers removes every talker of the named session.
	UnregisterTalkers(sessionName string)
}

// NopTalkers is a TalkerRegistry that does nothing.
type NopTalkers struct{}

func (NopTalkers) RegisterTalker(string, string) {}
func (NopTalkers) UnregisterTalkers(string)      {}
