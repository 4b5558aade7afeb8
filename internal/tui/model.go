// Package tui is the terminal chat view. It owns no conversation state of its
// own: everything it shows comes from a chat.Session snapshot.
package tui

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"

	"graphrag.dev/graph-chat/internal/chat"
)

const (
	headerHeight = 2
	footerHeight = 4
)

// stateChangedMsg tells the model to re-read the session. It carries no
// state so that out-of-order delivery can never show a stale snapshot.
type stateChangedMsg struct{}

type submitDoneMsg struct {
	turn chat.Turn
	err  error
}

type Option func(*Model)

// WithGlamourStyle picks a glamour standard style instead of auto-detecting
// one from the terminal.
func WithGlamourStyle(style string) Option {
	return func(m *Model) { m.glamourStyle = style }
}

type Model struct {
	ctx     context.Context
	session *chat.Session

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	glamourStyle string
	state        chat.State
	pending      bool
	width        int
	height       int
	ready        bool
}

func New(ctx context.Context, session *chat.Session, opts ...Option) Model {
	ti := textinput.New()
	ti.Placeholder = "Type your question..."
	ti.Prompt = "> "
	ti.CharLimit = 2000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	m := Model{
		ctx:     ctx,
		session: session,
		input:   ti,
		spinner: sp,
		state:   session.Snapshot(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Run starts the program and bridges session notifications into it until the
// user quits or ctx is done.
func Run(ctx context.Context, session *chat.Session, opts ...tea.ProgramOption) error {
	p := tea.NewProgram(New(ctx, session), append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)...)

	// Notifications can fire from inside Update, which must not block on Send.
	unsubscribe := session.Subscribe(func(chat.State) {
		go p.Send(stateChangedMsg{})
	})
	defer unsubscribe()

	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			m.refresh()
			if m.pending || !m.state.CanSubmit() {
				return m, nil
			}
			m.pending = true
			return m, m.submit()

		case tea.KeyCtrlL:
			m.session.Clear()
			m.refresh()
			return m, nil
		}

		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		if after := m.input.Value(); after != before {
			m.session.UpdateDraft(after)
			m.refresh()
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case stateChangedMsg:
		m.refresh()

	case submitDoneMsg:
		m.pending = false
		if msg.err != nil && !chat.IsBusy(msg.err) {
			log.Debug().Err(msg.err).Msg("submission failed")
		}
		m.refresh()

	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) submit() tea.Cmd {
	ctx, session := m.ctx, m.session
	return func() tea.Msg {
		turn, err := session.Submit(ctx)
		return submitDoneMsg{turn: turn, err: err}
	}
}

// refresh pulls a fresh snapshot and syncs the widgets to it.
func (m *Model) refresh() {
	m.state = m.session.Snapshot()
	if m.input.Value() != m.state.Draft {
		m.input.SetValue(m.state.Draft)
		m.input.CursorEnd()
	}
	if m.ready {
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
	}
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	vpHeight := max(height-headerHeight-footerHeight, 1)
	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}
	m.input.Width = max(width-4, 10)

	styleOpt := glamour.WithAutoStyle()
	if m.glamourStyle != "" {
		styleOpt = glamour.WithStandardStyle(m.glamourStyle)
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(max(width-4, 20)))
	if err != nil {
		log.Warn().Err(err).Msg("markdown renderer unavailable, showing plain answers")
		r = nil
	}
	m.renderer = r

	m.refresh()
}
