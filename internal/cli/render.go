package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/taskflow/internal/domain"
)

var (
	botStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	errorStyle = botStyle.BorderForeground(lipgloss.Color("160"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	keyStyle   = lipgloss.NewStyle().Bold(true)

	buttonStyles = map[string]lipgloss.Style{
		domain.StylePrimary:   lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("27")).Padding(0, 1),
		domain.StyleSecondary: lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Background(lipgloss.Color("238")).Padding(0, 1),
		domain.StyleDanger:    lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("160")).Padding(0, 1),
	}
)

const progressWidth = 20

func renderResponse(resp domain.FlowResponse) string {
	var parts []string

	box := botStyle
	if resp.Error != nil {
		box = errorStyle
	}
	parts = append(parts, box.Render(resp.Content))

	if len(resp.Actions) > 0 {
		buttons := make([]string, 0, len(resp.Actions)*2)
		for i, a := range resp.Actions {
			style, ok := buttonStyles[a.Style]
			if !ok {
				style = buttonStyles[domain.StyleSecondary]
			}
			if i > 0 {
				buttons = append(buttons, " ")
			}
			buttons = append(buttons, style.Render(fmt.Sprintf("%d %s", i+1, a.Label)))
		}
		parts = append(parts, lipgloss.JoinHorizontal(lipgloss.Top, buttons...))
	}

	if p := resp.Progress; p != nil {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("%s %3d%% %s", bar(p.Percent), p.Percent, p.Message)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func bar(percent int) string {
	filled := min(max(percent*progressWidth/100, 0), progressWidth)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", progressWidth-filled) + "]"
}

func renderSnapshot(s domain.PreferenceSnapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Preferences of "+s.TenantID) + "\n")
	fmt.Fprintf(&b, "%s %d\n", keyStyle.Render("completed tasks:"), s.TotalCompletedTasks)
	fmt.Fprintf(&b, "%s %t\n", keyStyle.Render("skip recommendations:"), s.SkipRecommendations)
	fmt.Fprintf(&b, "%s %t\n", keyStyle.Render("auto approve:"), s.AutoApprove)
	for _, cat := range slices.Sorted(maps.Keys(s.Histories)) {
		fmt.Fprintf(&b, "%s", keyStyle.Render(cat+":"))
		for _, vc := range s.Histories[cat] {
			mark := ""
			if s.Preferred[cat] == vc.Value {
				mark = "*"
			}
			fmt.Fprintf(&b, " %s%s=%d", vc.Value, mark, vc.Count)
		}
		b.WriteString("\n")
	}
	return b.String()
}
