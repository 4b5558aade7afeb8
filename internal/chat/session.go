// Package chat holds the client side of a question/answer conversation: the
// draft being typed, the answered turns, and the single in-flight submission.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Status int

const (
	StatusIdle Status = iota
	StatusSubmitting
)

func (s Status) String() string {
	if s == StatusSubmitting {
		return "submitting"
	}
	return "idle"
}

// Turn is one answered question. Turns are never edited after creation.
type Turn struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// State is a point-in-time copy of a session. Version increases by one with
// every mutation, so a larger Version is always the newer state.
type State struct {
	Version   uint64
	Draft     string
	History   []Turn
	Status    Status
	LastError string
}

func (st State) CanSubmit() bool {
	return st.Status == StatusIdle && strings.TrimSpace(st.Draft) != ""
}

func (st State) IsEmpty() bool {
	return len(st.History) == 0
}

type Option func(*Session)

// WithIDGenerator replaces the uuid-based turn id generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Session) { s.newID = gen }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the state machine behind the chat view.
//
// The mutex only protects fields; it is never held while the endpoint is
// being called, so Clear and UpdateDraft stay responsive during a request.
type Session struct {
	endpoint Endpoint
	newID    func() string
	now      func() time.Time

	mu        sync.Mutex
	draft     string
	history   []Turn
	status    Status
	lastError string
	version   uint64

	observers      map[int]func(State)
	nextObserverID int
}

func NewSession(endpoint Endpoint, opts ...Option) *Session {
	s := &Session{
		endpoint:  endpoint,
		newID:     uuid.NewString,
		now:       time.Now,
		observers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn to be called after every mutation with the snapshot
// taken as part of that mutation. Calls happen outside the session lock, on
// the goroutine that caused the mutation, so concurrent mutations may deliver
// out of order; compare State.Version to drop stale snapshots.
func (s *Session) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObserverID
	s.nextObserverID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) CanSubmit() bool { return s.Snapshot().CanSubmit() }

func (s *Session) IsEmpty() bool { return s.Snapshot().IsEmpty() }

func (s *Session) UpdateDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.lastError = ""
	s.unlockAndNotify()
}

// Clear drops history, draft and error. A request already in flight is not
// cancelled; its outcome is applied to the cleared state when it resolves.
func (s *Session) Clear() {
	s.mu.Lock()
	s.history = nil
	s.draft = ""
	s.lastError = ""
	s.unlockAndNotify()
}

// Submit sends the trimmed draft to the endpoint and records the outcome.
//
// Every failure is recorded in LastError; the returned error is a *Error
// describing it, or ErrBusy when another submission is still running (in
// which case nothing is changed). On success the new turn is returned.
func (s *Session) Submit(ctx context.Context) (Turn, error) {
	s.mu.Lock()
	query := strings.TrimSpace(s.draft)
	if query == "" {
		s.lastError = MsgEmptyQuestion
		s.unlockAndNotify()
		return Turn{}, &Error{Kind: KindValidation, Message: MsgEmptyQuestion}
	}
	if s.status == StatusSubmitting {
		s.mu.Unlock()
		return Turn{}, ErrBusy
	}
	s.status = StatusSubmitting
	s.lastError = ""
	s.unlockAndNotify()

	settled := false
	defer func() {
		// Only reached without settling if the endpoint panicked.
		if !settled {
			s.mu.Lock()
			s.status = StatusIdle
			s.unlockAndNotify()
		}
	}()

	log.Debug().Str("component", "chat").Str("query", query).Msg("submitting question")
	answer, err := s.endpoint.Ask(ctx, query)

	var (
		turn    Turn
		failure *Error
	)

	s.mu.Lock()
	if err == nil {
		turn = Turn{ID: s.newID(), Query: query, Answer: answer, CreatedAt: s.now()}
		s.history = append(s.history, turn)
		s.draft = ""
	} else {
		failure = classify(err)
		s.lastError = failure.Message
	}
	s.status = StatusIdle
	settled = true
	s.unlockAndNotify()

	if failure != nil {
		log.Warn().Err(err).Str("component", "chat").Stringer("kind", failure.Kind).Msg("question not answered")
		return Turn{}, failure
	}
	return turn, nil
}

func (s *Session) snapshotLocked() State {
	history := make([]Turn, len(s.history))
	copy(history, s.history)
	return State{
		Version:   s.version,
		Draft:     s.draft,
		History:   history,
		Status:    s.status,
		LastError: s.lastError,
	}
}

// unlockAndNotify records a mutation made under s.mu: it bumps the version,
// captures the snapshot and observer list while still holding the lock, then
// releases it and calls the observers.
func (s *Session) unlockAndNotify() {
	s.version++
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	st := s.snapshotLocked()
	fns := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// IsBusy reports whether err is the re-entrant submission rejection.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
