package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#FFC107")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")
	colorBlue      = lipgloss.Color("#007BFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	// Status bar segments
	styleStatusBar = lipgloss.NewStyle().
			Height(1).
			Foreground(colorWhite)

	styleStatusAccount = lipgloss.NewStyle().
				Foreground(colorWhite).
				Background(colorBlue).
				Padding(0, 1).
				Bold(true)

	styleStatusPhase = lipgloss.NewStyle().
				Foreground(colorWhite).
				Background(colorPurple).
				Padding(0, 1)

	styleStatusOK = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorGreen).
			Padding(0, 1)

	styleStatusFailed = lipgloss.NewStyle().
				Foreground(colorWhite).
				Background(colorRed).
				Padding(0, 1)

	styleStatusCanceled = lipgloss.NewStyle().
				Foreground(colorWhite).
				Background(colorYellow).
				Padding(0, 1)

	styleViewport = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	styleLog = lipgloss.NewStyle().
			Foreground(colorLightGray)

	styleHelp = lipgloss.NewStyle().
			Foreground(colorGray)
)
