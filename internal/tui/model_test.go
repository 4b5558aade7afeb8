package tui

import (
	"context"
	"sync/atomic"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag.dev/graph-chat/internal/chat"
)

func newModel(t *testing.T, endpoint chat.Endpoint) (Model, *chat.Session) {
	t.Helper()
	session := chat.NewSession(endpoint)
	m := New(context.Background(), session, WithGlamourStyle("notty"))
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	return m, session
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func updateCmd(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func typeText(t *testing.T, m Model, text string) Model {
	return update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

func TestViewBeforeResize(t *testing.T) {
	m := New(context.Background(), chat.NewSession(nil))
	assert.Equal(t, "Initializing...", m.View())
}

func TestEmptyHistoryShowsPlaceholder(t *testing.T) {
	m, _ := newModel(t, nil)
	assert.Contains(t, m.View(), emptyPlaceholder)
}

func TestTypingUpdatesDraft(t *testing.T) {
	m, session := newModel(t, nil)
	m = typeText(t, m, "Which servers")
	assert.Equal(t, "Which servers", session.Snapshot().Draft)
	assert.True(t, m.state.CanSubmit())
}

func TestEnterOnBlankDraftDoesNothing(t *testing.T) {
	var calls atomic.Int32
	m, session := newModel(t, chat.EndpointFunc(func(ctx context.Context, q string) (string, error) {
		calls.Add(1)
		return "", nil
	}))
	m = typeText(t, m, "   ")

	_, cmd := updateCmd(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Zero(t, calls.Load())
	assert.Empty(t, session.Snapshot().LastError)
}

func TestSubmitShowsAnswer(t *testing.T) {
	m, session := newModel(t, chat.EndpointFunc(func(ctx context.Context, q string) (string, error) {
		return "Server 1 and Server 3", nil
	}))
	m = typeText(t, m, "Which servers run Ubuntu 22.04?")

	m, cmd := updateCmd(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, m.pending)

	// A second enter before the first submission is back is swallowed.
	_, again := updateCmd(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, again)

	done, ok := cmd().(submitDoneMsg)
	require.True(t, ok)
	require.NoError(t, done.err)
	m = update(t, m, done)

	assert.False(t, m.pending)
	assert.Empty(t, m.input.Value())
	view := m.View()
	assert.Contains(t, view, "You: Which servers run Ubuntu 22.04?")
	assert.Contains(t, view, "Server 1 and Server 3")
	assert.NotContains(t, view, emptyPlaceholder)
	assert.Len(t, session.Snapshot().History, 1)
}

func TestSubmitFailureShowsError(t *testing.T) {
	m, _ := newModel(t, chat.EndpointFunc(func(ctx context.Context, q string) (string, error) {
		return "", &chat.SemanticError{}
	}))
	m = typeText(t, m, "hello")

	m, cmd := updateCmd(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	m = update(t, m, cmd())

	assert.Contains(t, m.View(), chat.MsgResponseFailed)
	assert.Equal(t, "hello", m.input.Value())

	// Editing the draft clears the error.
	m = typeText(t, m, "!")
	assert.NotContains(t, m.View(), chat.MsgResponseFailed)
}

func TestSubmittingShowsSpinner(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m, _ := newModel(t, chat.EndpointFunc(func(ctx context.Context, q string) (string, error) {
		close(started)
		<-release
		return "done", nil
	}))
	m = typeText(t, m, "slow question")

	m, cmd := updateCmd(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)

	result := make(chan tea.Msg, 1)
	go func() { result <- cmd() }()
	<-started

	m = update(t, m, stateChangedMsg{})
	assert.Equal(t, chat.StatusSubmitting, m.state.Status)
	assert.Contains(t, m.View(), "Thinking...")

	close(release)
	m = update(t, m, <-result)
	assert.Equal(t, chat.StatusIdle, m.state.Status)
	assert.NotContains(t, m.View(), "Thinking...")
}

func TestClearKey(t *testing.T) {
	m, session := newModel(t, chat.EndpointFunc(func(ctx context.Context, q string) (string, error) {
		return "an answer", nil
	}))
	m = typeText(t, m, "q")
	m, cmd := updateCmd(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m = update(t, m, cmd())
	m = typeText(t, m, "draft")
	require.False(t, session.IsEmpty())

	m = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	assert.True(t, session.IsEmpty())
	assert.Empty(t, m.input.Value())
	assert.Contains(t, m.View(), emptyPlaceholder)
}

func TestQuitKeys(t *testing.T) {
	m, _ := newModel(t, nil)
	for _, key := range []tea.KeyType{tea.KeyCtrlC, tea.KeyEsc} {
		_, cmd := updateCmd(t, m, tea.KeyMsg{Type: key})
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
	}
}
