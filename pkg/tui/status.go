package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/tankapi/pkg/protocol"
	"github.com/ormasoftchile/tankapi/pkg/stage"
)

// StageState is how one stage appears in the list.
type StageState string

const (
	StatePending StageState = "pending"
	StateCurrent StageState = "current"
	StatePassed  StageState = "passed"
	StateFailed  StageState = "failed"
)

// StageStates classifies every stage for st. Stages with a recorded failure
// are failed; stages before the current one passed.
func StageStates(st protocol.Status) map[stage.Stage]StageState {
	failed := map[string]bool{}
	for _, f := range st.Failures {
		failed[f.Stage] = true
	}
	current, err := stage.Index(stage.Stage(st.CurrentStage))
	if err != nil {
		current = -1
	}

	states := make(map[stage.Stage]StageState, len(stage.Order))
	for i, s := range stage.Order {
		switch {
		case failed[string(s)]:
			states[s] = StateFailed
		case i < current:
			states[s] = StatePassed
		case i == current && st.Status.Terminal():
			states[s] = StatePassed
		case i == current:
			states[s] = StateCurrent
		default:
			states[s] = StatePending
		}
	}
	return states
}

func badge(v protocol.StatusValue) string {
	switch v {
	case protocol.StatusSuccess:
		return badgeSuccess.Render(string(v))
	case protocol.StatusFailed:
		return badgeFailed.Render(string(v))
	default:
		return badgeRunning.Render(string(v))
	}
}

// RenderStatus draws st as a header, the stage list and the failures.
func RenderStatus(st protocol.Status) string {
	var b strings.Builder

	title := "tankapi"
	if st.Session != "" {
		title += " session " + st.Session
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, headerStyle.Render(title), " ", badge(st.Status)))
	b.WriteString("\n\n")

	states := StageStates(st)
	var lines []string
	for _, s := range stage.Order {
		var line string
		switch states[s] {
		case StateFailed:
			line = stageFailed.Render(GlyphFailed + " " + string(s))
		case StatePassed:
			line = stagePassed.Render(GlyphPassed + " " + string(s))
		case StateCurrent:
			line = stageCurrent.Render(GlyphCurrent + " " + string(s))
		default:
			line = stagePending.Render(GlyphPending + " " + string(s))
		}
		if string(s) == st.Break && !st.Status.Terminal() && s != stage.Finish {
			line += " " + breakStyle.Render(GlyphBreak+" break")
		}
		lines = append(lines, line)
	}
	b.WriteString(panelBorder.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")

	if st.Retcode != nil {
		fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("retcode:"), *st.Retcode)
	}
	if st.Reason != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("reason:"), st.Reason)
	}
	if len(st.Failures) > 0 {
		b.WriteString(labelStyle.Render("failures:"))
		b.WriteString("\n")
		for _, f := range st.Failures {
			fmt.Fprintf(&b, "  %s %s\n", errorStyle.Render(f.Stage+":"), firstLine(f.Reason))
		}
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
