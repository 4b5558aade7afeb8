package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"graphrag.dev/graph-chat/internal/chat"
)

const emptyPlaceholder = "Ask a question about your infrastructure"

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	questionStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	placeholderStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("246"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	helpStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	spinnerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
)

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Infrastructure Chat"))
	b.WriteString("\n\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	switch {
	case m.state.Status == chat.StatusSubmitting:
		b.WriteString(m.spinner.View() + " Thinking...")
	case m.state.LastError != "":
		b.WriteString(errorStyle.Render(m.state.LastError))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter: ask • ctrl+l: clear • esc: quit"))
	return b.String()
}

func (m Model) renderHistory() string {
	if m.state.IsEmpty() {
		return placeholderStyle.Render(emptyPlaceholder)
	}

	var b strings.Builder
	for i, turn := range m.state.History {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(questionStyle.Render("You: " + turn.Query))
		b.WriteString("\n")
		b.WriteString(m.renderAnswer(turn.Answer))
	}
	return b.String()
}

func (m Model) renderAnswer(answer string) string {
	if m.renderer == nil {
		return answer + "\n"
	}
	out, err := m.renderer.Render(answer)
	if err != nil {
		return answer + "\n"
	}
	return out
}
