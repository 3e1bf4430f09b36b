package utils

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// MessageType defines the type of message box to render.
type MessageType int

const (
	// InfoMessage represents an informational message.
	InfoMessage MessageType = iota
	// SuccessMessage represents a success message.
	SuccessMessage
	// WarningMessage represents a warning message.
	WarningMessage
	// ErrorMessage represents an error message.
	ErrorMessage
)

var palette = map[MessageType]struct {
	color  lipgloss.Color
	prefix string
}{
	InfoMessage:    {lipgloss.Color("86"), "i"},
	SuccessMessage: {lipgloss.Color("42"), "+"},
	WarningMessage: {lipgloss.Color("178"), "!"},
	ErrorMessage:   {lipgloss.Color("196"), "x"},
}

// Box is a builder for creating formatted message boxes.
type Box struct {
	messageType MessageType
	title       string
	content     []string
	width       int
}

// NewBox creates a new message box with a specific type.
func NewBox(messageType MessageType, title string) *Box {
	return &Box{
		messageType: messageType,
		title:       title,
		width:       getTerminalWidth() - 8,
	}
}

// WithWidth overrides the terminal-derived maximum width
func (b *Box) WithWidth(width int) *Box {
	b.width = width
	return b
}

// AddLine adds a line of text to the message box content.
func (b *Box) AddLine(text string) *Box {
	b.content = append(b.content, text)
	return b
}

// AddBullet adds a bulleted line to the message box content.
func (b *Box) AddBullet(text string) *Box {
	b.content = append(b.content, "- "+text)
	return b
}

// AddKeyValue adds an aligned "key: value" line
func (b *Box) AddKeyValue(key, value string) *Box {
	b.content = append(b.content, key+": "+value)
	return b
}

// Render builds and returns the formatted message box as a string.
func (b *Box) Render() string {
	p, ok := palette[b.messageType]
	if !ok {
		p = palette[InfoMessage]
	}

	accent := lipgloss.NewStyle().Foreground(p.color)
	heading := accent.Bold(true).Render(p.prefix + " " + b.title)
	body := strings.Join(append([]string{heading}, b.content...), "\n")

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(p.color).
		Padding(0, 1)
	if b.width > 10 {
		style = style.MaxWidth(b.width)
	}
	return style.Render(body)
}

// Info renders an informational box
func Info(title string, lines ...string) string {
	return render(InfoMessage, title, lines)
}

// Success renders a success box
func Success(title string, lines ...string) string {
	return render(SuccessMessage, title, lines)
}

// Warning renders a warning box
func Warning(title string, lines ...string) string {
	return render(WarningMessage, title, lines)
}

// Error renders an error box
func Error(title string, lines ...string) string {
	return render(ErrorMessage, title, lines)
}

func render(messageType MessageType, title string, lines []string) string {
	box := NewBox(messageType, title)
	for _, line := range lines {
		box.AddLine(line)
	}
	return box.Render()
}

// getTerminalWidth returns the terminal width or defaults to 80 if unable to detect.
func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
