package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/lobby/async"
	"github.com/cory-johannsen/lobby/internal/lobby/backend"
	"github.com/cory-johannsen/lobby/internal/lobby/conn"
)

var testWorld = backend.WorldInfo{WorldID: "w1", LobbyID: "l1"}

// eventRecorder captures hub notifications for assertions.
type eventRecorder struct {
	NopEvents
	stateChanges []string
	creates      map[string]bool
	destroys     map[string]bool
	joins        map[string]JoinResult
	invites      map[string]bool
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		creates:  make(map[string]bool),
		destroys: make(map[string]bool),
		joins:    make(map[string]JoinResult),
		invites:  make(map[string]bool),
	}
}

func (e *eventRecorder) OnSessionStateChanged(name string, oldState, newState State) {
	e.stateChanges = append(e.stateChanges, name+":"+oldState.String()+"->"+newState.String())
}
func (e *eventRecorder) OnCreateSessionComplete(name string, success bool)  { e.creates[name] = success }
func (e *eventRecorder) OnDestroySessionComplete(name string, success bool) { e.destroys[name] = success }
func (e *eventRecorder) OnJoinSessionComplete(name string, result JoinResult) { e.joins[name] = result }
func (e *eventRecorder) OnSendInviteComplete(name string, success bool)     { e.invites[name] = success }

// talkerRecorder captures voice talker registration.
type talkerRecorder struct {
	registered   map[string][]string
	unregistered []string
}

func newTalkerRecorder() *talkerRecorder {
	return &talkerRecorder{registered: make(map[string][]string)}
}

func (tr *talkerRecorder) RegisterTalker(sessionName, userID string) {
	tr.registered[sessionName] = append(tr.registered[sessionName], userID)
}
func (tr *talkerRecorder) UnregisterTalkers(sessionName string) {
	tr.unregistered = append(tr.unregistered, sessionName)
}

type harness struct {
	queue      *async.Queue
	client     *backend.Memory
	contexts   *conn.Registry
	registry   *Registry
	events     *eventRecorder
	talkers    *talkerRecorder
	controller *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q := async.NewQueue(4, zap.NewNop(), nil)
	q.Start()
	t.Cleanup(q.Shutdown)

	client := backend.NewMemory(testWorld, 0)
	contexts := conn.NewRegistry(client, q, zap.NewNop(), config.ConnectionConfig{
		StartTimeout: 2 * time.Second,
		DiscoveryTTL: time.Minute,
	})
	registry := NewRegistry()
	events := newEventRecorder()
	talkers := newTalkerRecorder()
	controller := NewController(registry, contexts, q, client, events, talkers, zap.NewNop(), nil)
	return &harness{
		queue:      q,
		client:     client,
		contexts:   contexts,
		registry:   registry,
		events:     events,
		talkers:    talkers,
		controller: controller,
	}
}

func (h *harness) pumpUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.queue.Pump()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// createSession drives a CreateSession to completion and requires success.
func (h *harness) createSession(t *testing.T, hostID, name string, settings Settings) *Session {
	t.Helper()
	var done, ok bool
	require.True(t, h.controller.CreateSession(hostID, name, settings, func(success bool) {
		done = true
		ok = success
	}))
	h.pumpUntil(t, func() bool { return done })
	require.True(t, ok)
	sess, found := h.registry.Find(name)
	require.True(t, found)
	return sess
}

func hostSettings() Settings {
	return Settings{
		PublicSlots:  4,
		PrivateSlots: 1,
		Attributes: []Attribute{
			{Key: "mode", Value: "coop", Advertised: true},
			{Key: "password", Value: "hunter2"},
		},
	}
}

func TestController_CreateSession(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "host", "mission-1", hostSettings())

	assert.Equal(t, StatePending, sess.State)
	assert.True(t, sess.IsHosting)
	assert.Equal(t, "host", sess.OwningUserID)
	assert.NotEmpty(t, sess.SessionID)
	assert.False(t, sess.Address.IsZero())
	assert.Equal(t, 3, sess.OpenPublicSlots)
	assert.Equal(t, 1, h.client.RoomCount())
	assert.Equal(t, []string{"host"}, h.talkers.registered["mission-1"])
	assert.True(t, h.events.creates["mission-1"])
	assert.Contains(t, h.events.stateChanges, "mission-1:Creating->Pending")
}

func TestController_CreateSessionBindsMetadata(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "host", "mission-1", hostSettings())

	// Advertised attributes land on the room; the rest goes into the data blob.
	var done bool
	require.True(t, h.controller.GetSessionSettings("mission-1", func(bool) { done = true }))
	h.pumpUntil(t, func() bool { return done })
	assert.Equal(t, map[string]string{"mode": "coop"}, sess.Settings.Advertised())
}

func TestController_CreateSessionRejectsEmptyArgs(t *testing.T) {
	h := newHarness(t)

	fired := 0
	assert.False(t, h.controller.CreateSession("", "mission-1", Settings{}, func(success bool) {
		fired++
		assert.False(t, success)
	}))
	assert.False(t, h.controller.CreateSession("host", "", Settings{}, func(success bool) {
		fired++
		assert.False(t, success)
	}))
	assert.Equal(t, 2, fired, "rejections fire the delegate synchronously")
	assert.Equal(t, 0, h.registry.Count())
}

func TestController_CreateSessionRejectsDuplicateName(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "host", "mission-1", hostSettings())

	var fired, success bool
	assert.False(t, h.controller.CreateSession("host", "mission-1", Settings{}, func(ok bool) {
		fired = true
		success = ok
	}))
	assert.True(t, fired)
	assert.False(t, success)
	assert.Equal(t, 1, h.registry.Count())
}

func TestController_CreateSessionBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.client.FailNext("CreateRoom", backend.NewError(backend.CodeInternal, "boom"))

	var done, success bool
	require.True(t, h.controller.CreateSession("host", "mission-1", hostSettings(), func(ok bool) {
		done = true
		success = ok
	}))
	h.pumpUntil(t, func() bool { return done })

	assert.False(t, success)
	assert.Equal(t, 0, h.registry.Count(), "failed create leaves no session behind")
	assert.Equal(t, 0, h.client.RoomCount())
	assert.False(t, h.events.creates["mission-1"])
}

func TestController_CreateSessionMetadataBindFailureDeletesRoom(t *testing.T) {
	h := newHarness(t)
	h.client.FailNext("SetRoomAttributes", backend.NewError(backend.CodeInternal, "bind failed"))

	var done, success bool
	require.True(t, h.controller.CreateSession("host", "mission-1", hostSettings(), func(ok bool) {
		done = true
		success = ok
	}))
	h.pumpUntil(t, func() bool { return done })

	assert.False(t, success)
	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, 0, h.client.RoomCount(), "the half-created room is deleted again")
}

func TestController_StartAndEndSession(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "host", "mission-1", hostSettings())

	// Illegal before Pending would be Creating; here the session is Pending.
	assert.False(t, h.controller.EndSession("mission-1"), "end is illegal from Pending")

	assert.True(t, h.controller.StartSession("mission-1"))
	assert.Equal(t, StateInProgress, sess.State)
	assert.False(t, h.controller.StartSession("mission-1"), "start is illegal from InProgress")

	assert.True(t, h.controller.EndSession("mission-1"))
	assert.Equal(t, StateEnded, sess.State)
	assert.False(t, h.controller.EndSession("mission-1"))

	// A finished match can be restarted from Ended.
	assert.True(t, h.controller.StartSession("mission-1"))
	assert.Equal(t, StateInProgress, sess.State)

	assert.False(t, h.controller.StartSession("unknown"))
	assert.False(t, h.controller.EndSession("unknown"))
}

func TestController_UpdateSession(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "host", "mission-1", hostSettings())

	updated := hostSettings()
	updated.Attributes[0].Value = "ranked"

	var done, success bool
	require.True(t, h.controller.UpdateSession("mission-1", updated, func(ok bool) {
		done = true
		success = ok
	}))
	h.pumpUntil(t, func() bool { return done })

	assert.True(t, success)
	assert.Equal(t, "ranked", sess.Settings.Attributes[0].Value)
}

func TestController_UpdateSessionPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "host", "mission-1", hostSettings())
	h.client.FailNext("SetRoomData", backend.NewError(backend.CodeInternal, "boom"))

	fired := 0
	var success bool
	require.True(t, h.controller.UpdateSession("mission-1", hostSettings(), func(ok bool) {
		fired++
		success = ok
	}))
	h.pumpUntil(t, func() bool { return fired > 0 })

	assert.Equal(t, 1, fired, "the delegate fires once for both puts")
	assert.False(t, success)
}

func TestController_UpdateSessionRejectsStandalone(t *testing.T) {
	h := newHarness(t)

	var fired bool
	assert.False(t, h.controller.UpdateSession("missing", Settings{}, func(success bool) {
		fired = true
		assert.False(t, success)
	}))
	assert.True(t, fired)
}

func TestController_GetSessionSettingsMergesBackendAttributes(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "host", "mission-1", hostSettings())

	// Another member updated the room behind our back.
	handle, err := h.client.CreateContext(context.Background(), "other")
	require.NoError(t, err)
	require.NoError(t, h.client.SetRoomAttributes(context.Background(), handle, sess.Address,
		map[string]string{"mode": "ranked", "region": "eu"}))

	var done, success bool
	require.True(t, h.controller.GetSessionSettings("mission-1", func(ok bool) {
		done = true
		success = ok
	}))
	h.pumpUntil(t, func() bool { return done })

	assert.True(t, success)
	got := sess.Settings.Advertised()
	assert.Equal(t, "ranked", got["mode"])
	assert.Equal(t, "eu", got["region"])
}

func TestController_DestroySessionDeletesHostedRoom(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "host", "mission-1", hostSettings())

	var done, success bool
	require.True(t, h.controller.DestroySession("mission-1", func(ok bool) {
		done = true
		success = ok
	}))
	h.pumpUntil(t, func() bool { return done })

	assert.True(t, success)
	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, 0, h.client.RoomCount(), "hosting without migration deletes the room")
	assert.Contains(t, h.talkers.unregistered, "mission-1")
	assert.True(t, h.events.destroys["mission-1"])
}

func TestController_DestroySessionHostMigrationLeavesRoom(t *testing.T) {
	h := newHarness(t)
	settings := hostSettings()
	settings.HostMigration = true
	h.createSession(t, "host", "mission-1", settings)

	var done bool
	require.True(t, h.controller.DestroySession("mission-1", func(bool) { done = true }))
	h.pumpUntil(t, func() bool { return done })

	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, 1, h.client.RoomCount(), "migrating hosts leave the room standing")
}

func TestController_DestroySessionCoalescesConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "host", "mission-1", hostSettings())

	outcomes := make([]bool, 0, 2)
	require.True(t, h.controller.DestroySession("mission-1", func(ok bool) {
		outcomes = append(outcomes, ok)
	}))
	// Second destroy while the first is in flight: no second network op,
	// the delegate queues behind the first.
	require.True(t, h.controller.DestroySession("mission-1", func(ok bool) {
		outcomes = append(outcomes, ok)
	}))

	h.pumpUntil(t, func() bool { return len(outcomes) == 2 })
	assert.Equal(t, []bool{true, true}, outcomes)
	assert.Equal(t, 0, h.registry.Count())
}

func TestController_DestroySessionAbsent(t *testing.T) {
	h := newHarness(t)

	var fired bool
	assert.False(t, h.controller.DestroySession("ghost", func(success bool) {
		fired = true
		assert.False(t, success)
	}))
	assert.True(t, fired)
	assert.False(t, h.events.destroys["ghost"])
}

func TestController_DestroyStandaloneSessionSkipsBackend(t *testing.T) {
	h := newHarness(t)
	sess, err := h.registry.AddNamed("local-only", Settings{})
	require.NoError(t, err)
	sess.State = StatePending
	sess.LocalOwnerID = "host"

	var done, success bool
	require.True(t, h.controller.DestroySession("local-only", func(ok bool) {
		done = true
		success = ok
	}))
	h.pumpUntil(t, func() bool { return done })
	assert.True(t, success)
	assert.Equal(t, 0, h.registry.Count())
}

func TestController_JoinSession(t *testing.T) {
	h := newHarness(t)
	room := h.client.Seed(backend.RoomInfo{
		OwnerID:          "remote-host",
		OpenPublicSlots:  3,
		TotalPublicSlots: 4,
		Attributes:       map[string]string{"name": "mission-9", "mode": "coop"},
	})

	var result JoinResult
	var done bool
	require.True(t, h.controller.JoinSession("player", "mission-9", room, func(res JoinResult) {
		done = true
		result = res
	}))
	h.pumpUntil(t, func() bool { return done })

	require.Equal(t, JoinSuccess, result)
	sess, ok := h.registry.Find("mission-9")
	require.True(t, ok)
	assert.Equal(t, StatePending, sess.State)
	assert.False(t, sess.IsHosting)
	assert.Equal(t, "remote-host", sess.OwningUserID)
	assert.Equal(t, "player", sess.LocalOwnerID)
	assert.Equal(t, 2, sess.OpenPublicSlots, "join consumes a slot")
	assert.Equal(t, []string{"player"}, h.talkers.registered["mission-9"])
	assert.Equal(t, JoinSuccess, h.events.joins["mission-9"])
}

func TestController_JoinSessionFull(t *testing.T) {
	h := newHarness(t)
	room := h.client.Seed(backend.RoomInfo{
		OpenPublicSlots:  0,
		TotalPublicSlots: 4,
	})

	var result JoinResult
	var done bool
	require.True(t, h.controller.JoinSession("player", "mission-9", room, func(res JoinResult) {
		done = true
		result = res
	}))
	h.pumpUntil(t, func() bool { return done })

	assert.Equal(t, JoinSessionIsFull, result)
	assert.Equal(t, 0, h.registry.Count(), "failed joins leave no session behind")
}

func TestController_JoinSessionVanishedRoom(t *testing.T) {
	h := newHarness(t)
	room := h.client.Seed(backend.RoomInfo{OpenPublicSlots: 2, TotalPublicSlots: 4})
	require.NoError(t, h.client.DeleteRoom(context.Background(), "", room.Address))

	var result JoinResult
	var done bool
	require.True(t, h.controller.JoinSession("player", "mission-9", room, func(res JoinResult) {
		done = true
		result = res
	}))
	h.pumpUntil(t, func() bool { return done })
	assert.Equal(t, JoinSessionDoesNotExist, result)
}

func TestController_JoinSessionAlreadyPresent(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "host", "mission-1", hostSettings())

	var result JoinResult
	assert.False(t, h.controller.JoinSession("player", "mission-1", backend.RoomInfo{}, func(res JoinResult) {
		result = res
	}))
	assert.Equal(t, JoinAlreadyInSession, result)
}

func TestController_GuestDestroyLeavesRoom(t *testing.T) {
	h := newHarness(t)
	room := h.client.Seed(backend.RoomInfo{OpenPublicSlots: 3, TotalPublicSlots: 4})

	var joined bool
	require.True(t, h.controller.JoinSession("player", "mission-9", room, func(res JoinResult) {
		joined = res == JoinSuccess
	}))
	h.pumpUntil(t, func() bool { return joined })

	var done bool
	require.True(t, h.controller.DestroySession("mission-9", func(bool) { done = true }))
	h.pumpUntil(t, func() bool { return done })

	assert.Equal(t, 1, h.client.RoomCount(), "guests leave, the room persists")
}

func TestController_SendSessionInvite(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "host", "mission-1", hostSettings())

	var done, success bool
	require.True(t, h.controller.SendSessionInvite("mission-1", "host", []string{"friend-1", "friend-2"}, func(ok bool) {
		done = true
		success = ok
	}))
	h.pumpUntil(t, func() bool { return done })

	assert.True(t, success)
	assert.True(t, h.events.invites["mission-1"])
}

func TestController_SendSessionInviteRejectsStandalone(t *testing.T) {
	h := newHarness(t)
	sess, err := h.registry.AddNamed("local-only", Settings{})
	require.NoError(t, err)
	sess.State = StatePending

	var fired bool
	assert.False(t, h.controller.SendSessionInvite("local-only", "host", []string{"x"}, func(success bool) {
		fired = true
		assert.False(t, success)
	}))
	assert.True(t, fired)
}
