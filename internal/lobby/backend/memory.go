package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultPing is the round-trip time reported for rooms without a configured sample.
const defaultPing = 35 * time.Millisecond

var _ Client = (*Memory)(nil)

type memRoom struct {
	info    RoomInfo
	data    []byte
	members map[string]bool
}

// Memory is an in-memory Client used by lobbyd and the test suite. It keeps a
// seeded room catalog, tracks contexts and room membership, and supports
// one-shot fault injection per method. All methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	world    WorldInfo
	latency  time.Duration
	contexts map[ContextHandle]string
	rooms    map[string]*memRoom
	pings    map[string]time.Duration
	faults   map[string]error
	nextRoom int
}

// NewMemory creates an empty in-memory backend for the given world partition.
// latency is an artificial delay applied to every call; 0 disables it.
func NewMemory(world WorldInfo, latency time.Duration) *Memory {
	return &Memory{
		world:    world,
		latency:  latency,
		contexts: make(map[ContextHandle]string),
		rooms:    make(map[string]*memRoom),
		pings:    make(map[string]time.Duration),
		faults:   make(map[string]error),
	}
}

// FailNext makes the next call of the named method return err.
//
// Precondition: method must be a Client method name, e.g. "CreateRoom".
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = err
}

// SetPing configures the round-trip time reported for addr.
func (m *Memory) SetPing(addr RoomAddress, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings[addr.String()] = rtt
}

// Seed adds a room directly to the catalog, assigning a session ID and
// address if the seed carries none.
//
// Postcondition: Returns the room as it will be reported by searches.
func (m *Memory) Seed(info RoomInfo) RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.SessionID == "" {
		info.SessionID = uuid.New().String()
	}
	if info.Address.IsZero() {
		m.nextRoom++
		info.Address = RoomAddress{
			WorldID: m.world.WorldID,
			LobbyID: m.world.LobbyID,
			RoomID:  fmt.Sprintf("room-%04d", m.nextRoom),
		}
	}
	if info.Attributes == nil {
		info.Attributes = make(map[string]string)
	}
	m.rooms[info.Address.RoomID] = &memRoom{info: info, members: make(map[string]bool)}
	return info
}

// RoomCount returns the number of rooms currently hosted.
func (m *Memory) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (m *Memory) sleep(ctx context.Context) error {
	if m.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fault pops the injected error for method, if any.
func (m *Memory) fault(method string) error {
	if err, ok := m.faults[method]; ok {
		delete(m.faults, method)
		return err
	}
	return nil
}

func (m *Memory) checkContext(handle ContextHandle) error {
	if _, ok := m.contexts[handle]; !ok {
		return NewError(CodeContextInvalid, fmt.Sprintf("unknown context %q", handle))
	}
	return nil
}

// CreateContext establishes a connection context for userID.
func (m *Memory) CreateContext(ctx context.Context, userID string) (ContextHandle, error) {
	if err := m.sleep(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CreateContext"); err != nil {
		return "", err
	}
	h := ContextHandle(uuid.New().String())
	m.contexts[h] = userID
	return h, nil
}

// DestroyContext tears down a connection context. Unknown handles are a no-op.
func (m *Memory) DestroyContext(ctx context.Context, handle ContextHandle) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("DestroyContext"); err != nil {
		return err
	}
	delete(m.contexts, handle)
	return nil
}

// DiscoverWorld reports the world/lobby partition for the given context.
func (m *Memory) DiscoverWorld(ctx context.Context, handle ContextHandle) (WorldInfo, error) {
	if err := m.sleep(ctx); err != nil {
		return WorldInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("DiscoverWorld"); err != nil {
		return WorldInfo{}, err
	}
	if err := m.checkContext(handle); err != nil {
		return WorldInfo{}, err
	}
	return m.world, nil
}

// CreateRoom creates a room owned by req.OwnerID and joins the owner to it.
func (m *Memory) CreateRoom(ctx context.Context, handle ContextHandle, world WorldInfo, req CreateRoomRequest) (RoomInfo, error) {
	if err := m.sleep(ctx); err != nil {
		return RoomInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CreateRoom"); err != nil {
		return RoomInfo{}, err
	}
	if err := m.checkContext(handle); err != nil {
		return RoomInfo{}, err
	}

	m.nextRoom++
	info := RoomInfo{
		SessionID: uuid.New().String(),
		Address: RoomAddress{
			WorldID: world.WorldID,
			LobbyID: world.LobbyID,
			RoomID:  fmt.Sprintf("room-%04d", m.nextRoom),
		},
		OwnerID:           req.OwnerID,
		OpenPublicSlots:   req.PublicSlots - 1,
		OpenPrivateSlots:  req.PrivateSlots,
		TotalPublicSlots:  req.PublicSlots,
		TotalPrivateSlots: req.PrivateSlots,
		Attributes:        map[string]string{},
	}
	room := &memRoom{info: info, members: map[string]bool{req.OwnerID: true}}
	m.rooms[info.Address.RoomID] = room
	return info, nil
}

// DeleteRoom removes a room entirely.
func (m *Memory) DeleteRoom(ctx context.Context, handle ContextHandle, addr RoomAddress) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("DeleteRoom"); err != nil {
		return err
	}
	if _, ok := m.rooms[addr.RoomID]; !ok {
		return NewError(CodeRoomNotFound, fmt.Sprintf("no room at %s", addr))
	}
	delete(m.rooms, addr.RoomID)
	return nil
}

// JoinRoom adds userID to the room at addr, consuming one open public slot.
func (m *Memory) JoinRoom(ctx context.Context, handle ContextHandle, userID string, addr RoomAddress) (RoomInfo, error) {
	if err := m.sleep(ctx); err != nil {
		return RoomInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("JoinRoom"); err != nil {
		return RoomInfo{}, err
	}
	if err := m.checkContext(handle); err != nil {
		return RoomInfo{}, err
	}
	room, ok := m.rooms[addr.RoomID]
	if !ok {
		return RoomInfo{}, NewError(CodeRoomNotFound, fmt.Sprintf("no room at %s", addr))
	}
	if room.members[userID] {
		return RoomInfo{}, NewError(CodeAlreadyMember, fmt.Sprintf("%s already in room %s", userID, addr))
	}
	if room.info.OpenPublicSlots < 1 {
		return RoomInfo{}, NewError(CodeRoomFull, fmt.Sprintf("room %s is full", addr))
	}
	room.members[userID] = true
	room.info.OpenPublicSlots--
	return room.info, nil
}

// LeaveRoom removes userID from the room at addr, freeing one public slot.
func (m *Memory) LeaveRoom(ctx context.Context, handle ContextHandle, userID string, addr RoomAddress) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("LeaveRoom"); err != nil {
		return err
	}
	room, ok := m.rooms[addr.RoomID]
	if !ok {
		return NewError(CodeRoomNotFound, fmt.Sprintf("no room at %s", addr))
	}
	if room.members[userID] {
		delete(room.members, userID)
		if room.info.OpenPublicSlots < room.info.TotalPublicSlots {
			room.info.OpenPublicSlots++
		}
	}
	return nil
}

// SearchRooms lists rooms whose attributes contain every query attribute.
func (m *Memory) SearchRooms(ctx context.Context, handle ContextHandle, world WorldInfo, q SearchQuery) (RoomList, error) {
	if err := m.sleep(ctx); err != nil {
		return RoomList{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("SearchRooms"); err != nil {
		return RoomList{}, err
	}
	if err := m.checkContext(handle); err != nil {
		return RoomList{}, err
	}

	var list RoomList
	var tail *RoomListNode
	for _, room := range m.rooms {
		if q.MaxResults > 0 && list.ReportedCount >= q.MaxResults {
			break
		}
		if !matchesQuery(room.info, q) {
			continue
		}
		node := &RoomListNode{Info: room.info}
		if tail == nil {
			list.Head = node
		} else {
			tail.Next = node
		}
		tail = node
		list.ReportedCount++
	}
	return list, nil
}

func matchesQuery(info RoomInfo, q SearchQuery) bool {
	for k, want := range q.Attributes {
		if got, ok := info.Attributes[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// PingRoom reports the configured round-trip time for addr.
func (m *Memory) PingRoom(ctx context.Context, addr RoomAddress) (time.Duration, error) {
	if err := m.sleep(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("PingRoom"); err != nil {
		return 0, err
	}
	if rtt, ok := m.pings[addr.String()]; ok {
		return rtt, nil
	}
	return defaultPing, nil
}

// GetRoomAttributes returns a copy of the room's advertised attributes.
func (m *Memory) GetRoomAttributes(ctx context.Context, handle ContextHandle, addr RoomAddress) (map[string]string, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("GetRoomAttributes"); err != nil {
		return nil, err
	}
	room, ok := m.rooms[addr.RoomID]
	if !ok {
		return nil, NewError(CodeRoomNotFound, fmt.Sprintf("no room at %s", addr))
	}
	attrs := make(map[string]string, len(room.info.Attributes))
	for k, v := range room.info.Attributes {
		attrs[k] = v
	}
	return attrs, nil
}

// SetRoomAttributes replaces the room's advertised attributes.
func (m *Memory) SetRoomAttributes(ctx context.Context, handle ContextHandle, addr RoomAddress, attrs map[string]string) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("SetRoomAttributes"); err != nil {
		return err
	}
	room, ok := m.rooms[addr.RoomID]
	if !ok {
		return NewError(CodeRoomNotFound, fmt.Sprintf("no room at %s", addr))
	}
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	room.info.Attributes = copied
	return nil
}

// SetRoomData replaces the room's opaque custom data blob.
func (m *Memory) SetRoomData(ctx context.Context, handle ContextHandle, addr RoomAddress, data []byte) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("SetRoomData"); err != nil {
		return err
	}
	room, ok := m.rooms[addr.RoomID]
	if !ok {
		return NewError(CodeRoomNotFound, fmt.Sprintf("no room at %s", addr))
	}
	room.data = append([]byte(nil), data...)
	return nil
}

// SendInvite delivers invites to the given users. The in-memory backend only
// validates the room; delivery is assumed.
func (m *Memory) SendInvite(ctx context.Context, handle ContextHandle, addr RoomAddress, fromUserID string, toUserIDs []string) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("SendInvite"); err != nil {
		return err
	}
	if err := m.checkContext(handle); err != nil {
		return err
	}
	if _, ok := m.rooms[addr.RoomID]; !ok {
		return NewError(CodeRoomNotFound, fmt.Sprintf("no room at %s", addr))
	}
	return nil
}
