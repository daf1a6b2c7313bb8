// Package session holds the authoritative in-memory registry of multiplayer
// sessions and the lifecycle controller that drives their state machine
// through asynchronous backend operations.
package session

import (
	"sort"
	"strings"

	"github.com/cory-johannsen/lobby/internal/lobby/backend"
)

// State is the lifecycle state of one session.
type State int

const (
	StateCreating State = iota
	StatePending
	StateInProgress
	StateEnded
	StateDestroying
)

// String returns a human-readable name for the session state.
func (s State) String() string {
	switch s {
	case StateCreating:
		return "Creating"
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateEnded:
		return "Ended"
	case StateDestroying:
		return "Destroying"
	default:
		return "Unknown"
	}
}

// Attribute is one advertised or private session attribute. Order matters:
// settings keep attributes in insertion order.
type Attribute struct {
	Key        string
	Value      string
	Advertised bool
}

// Settings describes the shape of a session as requested by its creator.
type Settings struct {
	// PublicSlots is the number of publicly joinable slots.
	PublicSlots int
	// PrivateSlots is the number of invite-only slots.
	PrivateSlots int
	// HostMigration, when true, makes the host leave rather than delete the
	// backend room on teardown so ownership can transfer to another member.
	HostMigration bool
	// Attributes are the session's attributes, in insertion order.
	Attributes []Attribute
}

// Advertised returns the advertised attributes as a map for the backend.
func (s Settings) Advertised() map[string]string {
	out := make(map[string]string)
	for _, a := range s.Attributes {
		if a.Advertised {
			out[a.Key] = a.Value
		}
	}
	return out
}

// Data encodes the non-advertised attributes as the session's opaque custom
// data blob, one "key=value" pair per line in attribute order.
func (s Settings) Data() []byte {
	var b strings.Builder
	for _, a := range s.Attributes {
		if a.Advertised {
			continue
		}
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Merge applies refreshed advertised attribute values, updating existing
// attributes in place and appending unknown keys in sorted order.
func (s *Settings) Merge(attrs map[string]string) {
	seen := make(map[string]bool, len(s.Attributes))
	for i := range s.Attributes {
		if v, ok := attrs[s.Attributes[i].Key]; ok {
			s.Attributes[i].Value = v
			s.Attributes[i].Advertised = true
		}
		seen[s.Attributes[i].Key] = true
	}
	var added []string
	for k := range attrs {
		if !seen[k] {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	for _, k := range added {
		s.Attributes = append(s.Attributes, Attribute{Key: k, Value: attrs[k], Advertised: true})
	}
}

// SettingsFromRoom builds Settings that mirror a room reported by a search,
// used when registering a joined session locally.
func SettingsFromRoom(info backend.RoomInfo) Settings {
	s := Settings{
		PublicSlots:  info.TotalPublicSlots,
		PrivateSlots: info.TotalPrivateSlots,
	}
	keys := make([]string, 0, len(info.Attributes))
	for k := range info.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Attributes = append(s.Attributes, Attribute{Key: k, Value: info.Attributes[k], Advertised: true})
	}
	return s
}

// Session is one multiplayer room/session as known to this client instance.
// Sessions are owned exclusively by the Registry; callers hold stable
// references and must only mutate them from the owning goroutine.
type Session struct {
	// Name is the unique local key for this session.
	Name string
	// State is the current lifecycle state.
	State State
	// IsHosting reports whether this client created the backend room.
	IsHosting bool
	// OwningUserID is the user that owns the backend room.
	OwningUserID string
	// LocalOwnerID is the local user the session's operations run as.
	LocalOwnerID string
	// SessionID is the opaque identifier issued by the backend on create/join.
	SessionID string
	// OpenPublicSlots and OpenPrivateSlots mirror the backend's last report.
	OpenPublicSlots  int
	OpenPrivateSlots int
	// Settings is the requested shape of the session.
	Settings Settings
	// Address locates the backend room; the zero value means standalone.
	Address backend.RoomAddress
}
