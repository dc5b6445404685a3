package status

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kyson-dev/akon/internal/state"
)

// ============================================================================
// 状态渲染
// ============================================================================

// 颜色定义 - 使用柔和色调
var (
	colorGreen   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#50FA7B"}) // 深绿/柔和绿
	colorYellow  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B08800", Dark: "#F1FA8C"}) // 深黄/柔和黄
	colorRed     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C00000", Dark: "#FF6E6E"}) // 深红/柔和红
	colorCyan    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#005F87", Dark: "#8BE9FD"}) // 深青/柔和青
	colorMagenta = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8700AF", Dark: "#BD93F9"}) // 深紫/柔和紫
	colorWhite   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#F8F8F2"}) // 深黑/暖白
	colorDim     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#888888", Dark: "#6272A4"}) // 浅灰/灰紫
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = colorDim.Width(14)
	cmdStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
)

// View is everything Render needs besides the state itself.
type View struct {
	Now time.Time
	// ProcessAlive is false when a Connected state points at a dead client.
	ProcessAlive bool
}

// Stale reports whether s claims a tunnel whose client is gone.
func (v View) Stale(s state.ConnectionState) bool {
	return s.Kind == state.KindConnected && !v.ProcessAlive
}

// Render draws s for the terminal.
func Render(s state.ConnectionState, v View) string {
	if v.Now.IsZero() {
		v.Now = time.Now()
	}

	var lines []string
	switch s.Kind {
	case state.KindConnected:
		if v.Stale(s) {
			lines = renderStale(s)
		} else {
			lines = renderConnected(s, v.Now)
		}
	case state.KindReconnecting:
		lines = renderReconnecting(s, v.Now)
	case state.KindConnecting, state.KindDisconnecting:
		lines = []string{header(colorCyan, s.String()+"...")}
	case state.KindError:
		lines = renderError(s)
	default:
		lines = []string{header(colorRed, "Not connected")}
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func header(style lipgloss.Style, text string) string {
	return style.Render("●") + " " + titleStyle.Inherit(style).Render("Status: "+text)
}

func field(label, value string, style lipgloss.Style) string {
	return "  " + labelStyle.Render(label) + style.Render(value)
}

func renderConnected(s state.ConnectionState, now time.Time) []string {
	lines := []string{header(colorGreen, "Connected")}
	md := s.Metadata
	if md == nil {
		return lines
	}
	lines = append(lines,
		field("IP address:", md.Address, colorCyan.Bold(true)),
		field("Device:", md.Interface, colorCyan),
	)
	if md.PID > 0 {
		lines = append(lines, field("Process ID:", strconv.Itoa(md.PID), colorYellow))
	}
	if md.SessionID != "" {
		lines = append(lines, field("Session:", md.SessionID, colorDim))
	}
	if !md.StartedAt.IsZero() {
		lines = append(lines,
			field("Duration:", FormatDuration(now.Sub(md.StartedAt)), colorMagenta),
			field("Connected at:", md.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"), colorDim),
		)
	}
	return lines
}

func renderStale(s state.ConnectionState) []string {
	lines := []string{
		header(colorYellow, "Stale connection state"),
		"  " + colorYellow.Render("⚠") + " " + colorDim.Render("Process no longer running"),
	}
	if s.Metadata != nil && s.Metadata.Address != "" {
		lines = append(lines, field("Last known IP:", s.Metadata.Address, colorCyan))
	}
	return append(lines, "", colorDim.Render("Run ")+cmdStyle.Render("akon disconnect")+colorDim.Render(" to clean up the stale state"))
}

func renderReconnecting(s state.ConnectionState, now time.Time) []string {
	lines := []string{header(colorYellow, s.String())}
	if s.NextRetryAt != nil {
		next := s.NextRetryAt.Local().Format("15:04:05")
		if wait := s.NextRetryAt.Sub(now); wait > 0 {
			next = fmt.Sprintf("in %s (%s)", FormatDuration(wait), next)
		} else {
			next = "now (waiting for network)"
		}
		lines = append(lines, field("Next retry:", next, colorWhite))
	}
	return lines
}

func renderError(s state.ConnectionState) []string {
	return []string{
		header(colorRed, "Error"),
		field("Reason:", s.Message, colorRed),
		"",
		colorYellow.Render("💡") + " " + titleStyle.Render("Suggestions:"),
		suggestion("akon cleanup", "terminate orphaned tunnel processes"),
		suggestion("akon reset", "clear the retry counter"),
		suggestion("akon connect", "start a new connection"),
	}
}

func suggestion(cmd, what string) string {
	return "   " + colorCyan.Render("•") + " Run " + cmdStyle.Render(cmd) + colorDim.Render(" to "+what)
}

// FormatDuration keeps only the largest unit, e.g. "3 hours".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}
	switch {
	case d >= 24*time.Hour:
		return unit(int64(d/(24*time.Hour)), "day")
	case d >= time.Hour:
		return unit(int64(d/time.Hour), "hour")
	case d >= time.Minute:
		return unit(int64(d/time.Minute), "minute")
	default:
		return unit(int64(d/time.Second), "second")
	}
}
