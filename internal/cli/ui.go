package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/stream"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(banner))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// printEvent renders one panel event as a human readable line.
func printEvent(w io.Writer, e stream.Event) {
	prefix := color.HiBlackString("#%-3d", e.Sequence)
	switch p := e.Payload.(type) {
	case stream.Started:
		fmt.Fprintf(w, "%s %s\n", prefix, color.GreenString("panel started"))
	case stream.RoundStarted:
		fmt.Fprintf(w, "%s %s\n", prefix, color.CyanString("round %d", p.Round))
	case stream.ExpertSpeaking:
		if p.Failed() {
			fmt.Fprintf(w, "%s   %s %s\n", prefix, color.YellowString("%s:", p.ExpertID), color.RedString("[%s] %s", p.Failure.Kind, p.Failure.Message))
			return
		}
		conf := ""
		if p.Confidence != nil {
			conf = color.HiBlackString(" (confidence %.2f)", *p.Confidence)
		}
		fmt.Fprintf(w, "%s   %s %s%s\n", prefix, color.YellowString("%s:", p.ExpertID), oneLine(p.Text), conf)
	case stream.RoundComplete:
		fmt.Fprintf(w, "%s %s\n", prefix, color.CyanString("round %d %s", p.Round, p.Status))
	case stream.Consensus:
		fmt.Fprintf(w, "%s %s\n", prefix, consensusLine(p.ConsensusSnapshot))
	case stream.Complete:
		fmt.Fprintf(w, "%s %s\n", prefix, color.GreenString("panel complete"))
	case stream.Error:
		fmt.Fprintf(w, "%s %s\n", prefix, color.RedString("panel errored: %s", p.Message))
	case stream.Paused:
		fmt.Fprintf(w, "%s %s\n", prefix, color.YellowString("panel paused"))
	case stream.Resumed:
		fmt.Fprintf(w, "%s %s\n", prefix, color.GreenString("panel resumed"))
	case stream.Cancelled:
		fmt.Fprintf(w, "%s %s\n", prefix, color.RedString("panel cancelled"))
	default:
		fmt.Fprintf(w, "%s %s\n", prefix, e.Type)
	}
}

func consensusLine(s panel.ConsensusSnapshot) string {
	line := color.MagentaString("consensus %.0f%% after round %d (%d responses)", s.Level*100, s.Round, s.ResponseCount)
	var b strings.Builder
	b.WriteString(line)
	for _, p := range s.AgreementPoints {
		b.WriteString("\n       + " + oneLine(p))
	}
	for _, p := range s.DisagreementPoints {
		b.WriteString("\n       - " + oneLine(p))
	}
	return b.String()
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 240 {
		s = s[:237] + "..."
	}
	return s
}
