package chat

import (
	"context"
	"fmt"
)

// Endpoint resolves one question to one complete answer.
//
// Implementations report a response that arrived but declined to answer
// with *SemanticError, and anything that prevented a usable response
// with *TransportError. Any other error is treated as a transport failure.
type Endpoint interface {
	Ask(ctx context.Context, question string) (string, error)
}

// EndpointFunc adapts a function to the Endpoint interface.
type EndpointFunc func(ctx context.Context, question string) (string, error)

func (f EndpointFunc) Ask(ctx context.Context, question string) (string, error) {
	return f(ctx, question)
}

// SemanticError is returned when the endpoint responded successfully but its
// payload says it could not answer.
type SemanticError struct {
	Message string
}

func (e *SemanticError) Error() string {
	if e.Message == "" {
		return "endpoint reported failure"
	}
	return "endpoint reported failure: " + e.Message
}

// TransportError is returned when no usable response was received.
//
// PayloadMessage is the message field of an error body, when the endpoint
// sent one. Detail is a user-presentable description of the failure. Err
// keeps the underlying cause for logs.
type TransportError struct {
	StatusCode     int
	PayloadMessage string
	Detail         string
	Err            error
}

func (e *TransportError) Error() string {
	switch {
	case e.PayloadMessage != "":
		return fmt.Sprintf("transport failure (status %d): %s", e.StatusCode, e.PayloadMessage)
	case e.Detail != "":
		return "transport failure: " + e.Detail
	case e.Err != nil:
		return "transport failure: " + e.Err.Error()
	default:
		return "transport failure"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }
