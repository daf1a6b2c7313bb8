package session

import "github.com/cory-johannsen/lobby/internal/lobby/backend"

// JoinResult is the closed result enum reported for join attempts. Raw
// backend failure codes never cross this boundary; anything unmapped becomes
// JoinUnknownError.
type JoinResult int

const (
	JoinSuccess JoinResult = iota
	JoinSessionIsFull
	JoinSessionDoesNotExist
	JoinAlreadyInSession
	JoinCouldNotRetrieveAddress
	JoinUnknownError
)

// String returns a human-readable name for the join result.
func (r JoinResult) String() string {
	switch r {
	case JoinSuccess:
		return "Success"
	case JoinSessionIsFull:
		return "SessionIsFull"
	case JoinSessionDoesNotExist:
		return "SessionDoesNotExist"
	case JoinAlreadyInSession:
		return "AlreadyInSession"
	case JoinCouldNotRetrieveAddress:
		return "CouldNotRetrieveAddress"
	case JoinUnknownError:
		return "UnknownError"
	default:
		return "Unknown"
	}
}

// joinResultFromError maps a backend failure to the closed result enum.
func joinResultFromError(err error) JoinResult {
	if err == nil {
		return JoinSuccess
	}
	code, ok := backend.CodeOf(err)
	if !ok {
		return JoinUnknownError
	}
	switch code {
	case backend.CodeRoomFull:
		return JoinSessionIsFull
	case backend.CodeRoomNotFound:
		return JoinSessionDoesNotExist
	case backend.CodeAlreadyMember:
		return JoinAlreadyInSession
	case backend.CodeAddressUnavailable:
		return JoinCouldNotRetrieveAddress
	default:
		return JoinUnknownError
	}
}
