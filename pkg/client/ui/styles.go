package ui

import "github.com/charmbracelet/lipgloss"

var (
	nickStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")). // red, like the first client
			Bold(true)

	ownNickStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	actionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("7")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)
)
