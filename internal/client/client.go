// Package client talks to the answering backend over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"graphrag.dev/graph-chat/internal/chat"
)

const (
	chatPath = "/api/chat"

	StatusSuccess = "success"
	StatusError   = "error"

	// Error bodies larger than this are not worth decoding for a message.
	maxErrorBody = 64 << 10
)

// ChatRequest is the body posted to the chat endpoint.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the envelope the backend answers with, on success and on
// failure alike.
type ChatResponse struct {
	Status  string `json:"status"`
	Answer  string `json:"answer,omitempty"`
	Message string `json:"message,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for baseURL. Requests time out after timeout; zero
// means no client-side timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Transport: &LoggingTransport{Base: http.DefaultTransport},
		Timeout:   timeout,
	})
}

func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

var _ chat.Endpoint = (*Client)(nil)

// Ask posts one question and returns the answer. Exactly one request is made.
func (c *Client) Ask(ctx context.Context, question string) (string, error) {
	body, err := json.Marshal(ChatRequest{Message: question})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return "", &chat.TransportError{Detail: "invalid backend address", Err: errors.Wrap(err, "failed to build chat request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// No response at all; the cause is for logs only.
		return "", &chat.TransportError{Err: errors.Wrap(err, "chat request failed")}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}

	var envelope ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", &chat.TransportError{
			StatusCode: resp.StatusCode,
			Detail:     "malformed response from backend",
			Err:        errors.Wrap(err, "failed to decode chat response"),
		}
	}

	if envelope.Status != StatusSuccess {
		return "", &chat.SemanticError{Message: envelope.Message}
	}
	return envelope.Answer, nil
}

// statusError builds the transport error for a non-2xx response, picking up
// the envelope's message field when the body carries one.
func statusError(resp *http.Response) error {
	te := &chat.TransportError{
		StatusCode: resp.StatusCode,
		Detail:     fmt.Sprintf("request failed with status code %d", resp.StatusCode),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		te.Err = errors.Wrap(err, "failed to read error response")
		return te
	}

	var envelope ChatResponse
	if json.Unmarshal(raw, &envelope) == nil {
		te.PayloadMessage = envelope.Message
	}
	te.Err = errors.Errorf("backend returned %s", resp.Status)
	return te
}
