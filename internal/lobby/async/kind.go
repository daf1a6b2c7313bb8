package async

// Kind identifies what a queued operation does. It is carried on the
// completion record for logging and metrics.
type Kind int

const (
	KindCreateSession Kind = iota
	KindDestroySession
	KindJoinSession
	KindLeaveSession
	KindSearchRooms
	KindPingCandidate
	KindGetSessionAttrs
	KindPutSessionAttrs
	KindSendInvite
	KindCreateContext
	KindDestroyContext
	KindDiscoverWorld
	KindWatch
)

// String returns a human-readable name for the operation kind.
func (k Kind) String() string {
	switch k {
	case KindCreateSession:
		return "create_session"
	case KindDestroySession:
		return "destroy_session"
	case KindJoinSession:
		return "join_session"
	case KindLeaveSession:
		return "leave_session"
	case KindSearchRooms:
		return "search_rooms"
	case KindPingCandidate:
		return "ping_candidate"
	case KindGetSessionAttrs:
		return "get_session_attrs"
	case KindPutSessionAttrs:
		return "put_session_attrs"
	case KindSendInvite:
		return "send_invite"
	case KindCreateContext:
		return "create_context"
	case KindDestroyContext:
		return "destroy_context"
	case KindDiscoverWorld:
		return "discover_world"
	case KindWatch:
		return "watch"
	default:
		return "unknown"
	}
}
