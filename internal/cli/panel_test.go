package cli

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"

	"github.com/KafClaw/KafPanel/internal/panel"
	"github.com/KafClaw/KafPanel/internal/stream"
)

func panelIDFrom(t *testing.T, out string) string {
	t.Helper()
	first, _, _ := strings.Cut(out, "\n")
	rest, ok := strings.CutPrefix(first, "Panel ")
	if !ok {
		t.Fatalf("no panel header in output: %q", out)
	}
	id, _, ok := strings.Cut(rest, ":")
	if !ok {
		t.Fatalf("malformed panel header %q", first)
	}
	return id
}

func decodeFrames(t *testing.T, out string) []stream.Event {
	t.Helper()
	var events []stream.Event
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e stream.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func TestPanelRunDryRunCompletes(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "panel", "run", "--dry-run", "--memory", "--rounds", "1", "Should we migrate billing?")
	if err != nil {
		t.Fatalf("panel run failed: %v\n%s", err, out)
	}
	for _, want := range []string{"3 expert(s), parallel mode", "panel started", "round 1", "architect:", "finance:", "consensus", "panel complete"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPanelRunJSONFrames(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "panel", "run", "--dry-run", "--memory", "--json", "--rounds", "1", "-e", "architect", "-e", "sre", "Ship it?")
	if err != nil {
		t.Fatalf("panel run failed: %v\n%s", err, out)
	}
	events := decodeFrames(t, out)
	if len(events) != 7 {
		t.Fatalf("expected 7 events for two experts and one round, got %d", len(events))
	}
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			t.Fatalf("event %d has sequence %d", i, e.Sequence)
		}
	}
	if events[0].Type != stream.TypeStarted || events[len(events)-1].Type != stream.TypeComplete {
		t.Fatalf("unexpected first/last types %s/%s", events[0].Type, events[len(events)-1].Type)
	}
}

func TestPanelRunUnknownExpertErrors(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "panel", "run", "--dry-run", "--memory", "-e", "architect", "-e", "ghost", "Anything?")
	if err == nil {
		t.Fatalf("expected error for unknown expert, output:\n%s", out)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("error should name the unknown expert: %v", err)
	}
	if !strings.Contains(out, "panel errored") {
		t.Fatalf("expected error event in output:\n%s", out)
	}
}

func TestPanelReplayListAndViewFromStore(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "panel", "run", "--dry-run", "--rounds", "1", "--title", "billing", "-e", "architect", "-e", "sre", "Migrate billing?")
	if err != nil {
		t.Fatalf("panel run failed: %v\n%s", err, out)
	}
	id := panelIDFrom(t, out)

	replay, err := runRootCommand(t, "panel", "replay", id, "--after", "2", "--json")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	events := decodeFrames(t, replay)
	if len(events) != 5 || events[0].Sequence != 3 {
		t.Fatalf("expected events 3..7, got %d starting at %v", len(events), events)
	}

	list, err := runRootCommand(t, "panel", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(list, id) || !strings.Contains(list, "billing") {
		t.Fatalf("list output missing panel:\n%s", list)
	}
	list, err = runRootCommand(t, "panel", "list", "--status", "running")
	if err != nil {
		t.Fatalf("list running failed: %v", err)
	}
	if strings.Contains(list, id) {
		t.Fatalf("completed panel listed as running:\n%s", list)
	}

	raw, err := runRootCommand(t, "panel", "view", id)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	var view stream.View
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		t.Fatalf("decode view: %v\n%s", err, raw)
	}
	if view.Status != panel.StatusCompleted || view.LastSequence != 7 || len(view.Rounds) != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestPanelReplayUnknownPanel(t *testing.T) {
	isolate(t)
	if _, err := runRootCommand(t, "panel", "replay", "nope"); err == nil {
		t.Fatal("expected error for unknown panel")
	}
}

func TestExpertsCommands(t *testing.T) {
	home := isolate(t)
	out, err := runRootCommand(t, "experts")
	if err != nil {
		t.Fatalf("experts failed: %v", err)
	}
	for _, id := range []string{"architect", "sre", "finance"} {
		if !strings.Contains(out, id) {
			t.Errorf("experts output missing %s:\n%s", id, out)
		}
	}

	out, err = runRootCommand(t, "experts", "init")
	if err != nil {
		t.Fatalf("experts init failed: %v", err)
	}
	if !strings.Contains(out, home) {
		t.Fatalf("init should report the catalog path, got %q", out)
	}
	if _, err := runRootCommand(t, "experts", "init"); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
	if _, err := runRootCommand(t, "experts", "init", "--force"); err != nil {
		t.Fatalf("init --force failed: %v", err)
	}
}

func TestStatusCommand(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Config:  not found", "Experts: 3", "Mirror:  disabled", "completed 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}
