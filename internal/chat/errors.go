package chat

import (
	"errors"
)

const (
	MsgEmptyQuestion     = "Please enter a question"
	MsgResponseFailed    = "Error getting response"
	MsgConnectionFailure = "Failed to connect to backend"
)

// ErrBusy is returned by Submit while another submission is in flight.
var ErrBusy = errors.New("chat: a question is already being answered")

type Kind int

const (
	KindValidation Kind = iota + 1
	KindSemantic
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSemantic:
		return "semantic"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is what Submit returns after recording a failure in LastError.
// Message is exactly the text stored in LastError.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// classify turns an endpoint error into the user-visible failure.
func classify(err error) *Error {
	var semantic *SemanticError
	if errors.As(err, &semantic) {
		return &Error{Kind: KindSemantic, Message: firstNonEmpty(semantic.Message, MsgResponseFailed), Err: err}
	}

	var transport *TransportError
	if errors.As(err, &transport) {
		return &Error{
			Kind:    KindTransport,
			Message: firstNonEmpty(transport.PayloadMessage, transport.Detail, MsgConnectionFailure),
			Err:     err,
		}
	}

	return &Error{Kind: KindTransport, Message: MsgConnectionFailure, Err: err}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
