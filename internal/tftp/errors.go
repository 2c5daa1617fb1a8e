package tftp

import "fmt"

// Wire error codes, per RFC 1350 §5 and the negotiation errata of RFC 2347.
const (
	ErrCodeUndefined           uint16 = 0
	ErrCodeFileNotFound        uint16 = 1
	ErrCodeAccessViolation     uint16 = 2
	ErrCodeDiskFull            uint16 = 3
	ErrCodeIllegalOperation    uint16 = 4
	ErrCodeUnknownTransferID   uint16 = 5
	ErrCodeFileAlreadyExists   uint16 = 6
	ErrCodeOptionNegotiation   uint16 = 8
)

// ErrorKind is the local, non-wire taxonomy of reasons a session can fail.
// Only a subset maps to an outgoing ERROR packet; timeouts never do.
type ErrorKind int

const (
	KindNoAck ErrorKind = iota
	KindNoData
	KindRemoteError
	KindProtocolViolation
	KindUnknownTID
	KindShutdown
	KindFileNotFound
	KindAccessViolation
	KindDiskFull
	KindFileAlreadyExists
	KindOptionNegotiation
	KindIllegalOperation
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoAck:
		return "NoAck"
	case KindNoData:
		return "NoData"
	case KindRemoteError:
		return "RemoteError"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindUnknownTID:
		return "UnknownTID"
	case KindShutdown:
		return "Shutdown"
	case KindFileNotFound:
		return "FileNotFound"
	case KindAccessViolation:
		return "AccessViolation"
	case KindDiskFull:
		return "DiskFull"
	case KindFileAlreadyExists:
		return "FileAlreadyExists"
	case KindOptionNegotiation:
		return "OptionNegotiation"
	case KindIllegalOperation:
		return "IllegalOperation"
	default:
		return "Unknown"
	}
}

// WireCode maps a local ErrorKind to the RFC 1350 error code to place on the
// wire, when the kind is one that is ever sent to a peer at all.
func (k ErrorKind) WireCode() uint16 {
	switch k {
	case KindFileNotFound:
		return ErrCodeFileNotFound
	case KindAccessViolation:
		return ErrCodeAccessViolation
	case KindDiskFull:
		return ErrCodeDiskFull
	case KindIllegalOperation:
		return ErrCodeIllegalOperation
	case KindUnknownTID:
		return ErrCodeUnknownTransferID
	case KindFileAlreadyExists:
		return ErrCodeFileAlreadyExists
	case KindOptionNegotiation:
		return ErrCodeOptionNegotiation
	case KindShutdown:
		return ErrCodeUndefined
	default:
		return ErrCodeUndefined
	}
}

// SessionError is the terminal failure reason attached to a session that did
// not reach Done. It wraps an optional underlying cause (a local I/O error,
// or the remote peer's own ErrorPacket contents).
type SessionError struct {
	Kind    ErrorKind
	Message string
	Cause   error

	// RemoteCode/RemoteMessage are populated only when Kind == KindRemoteError,
	// carrying the wire fields of the ERROR packet the peer sent us.
	RemoteCode    uint16
	RemoteMessage string
}

func (e *SessionError) Error() string {
	if e.Kind == KindRemoteError {
		return fmt.Sprintf("tftp: peer sent ERROR %d: %s", e.RemoteCode, e.RemoteMessage)
	}
	if e.Message != "" {
		return fmt.Sprintf("tftp: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("tftp: %s", e.Kind)
}

func (e *SessionError) Unwrap() error { return e.Cause }

// NewSessionError builds a SessionError from a kind, a message and an
// optional underlying cause.
func NewSessionError(kind ErrorKind, message string, cause error) *SessionError {
	return &SessionError{Kind: kind, Message: message, Cause: cause}
}
