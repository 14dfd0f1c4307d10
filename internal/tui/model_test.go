package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fetchmux/internal/worker"
)

type fakeSource struct {
	progress []worker.Progress
	results  []worker.Result
	stats    worker.Stats
}

func (f *fakeSource) Progress() []worker.Progress { return f.progress }
func (f *fakeSource) Stats() worker.Stats         { return f.stats }
func (f *fakeSource) Results() []worker.Result    { return f.results }

func TestModelProgress(t *testing.T) {
	src := &fakeSource{
		progress: []worker.Progress{{Job: "big.iso", Expected: 2048, Received: 1024}},
		results:  []worker.Result{{Job: "small.txt", Bytes: 12, Duration: time.Millisecond}},
		stats:    worker.Stats{Active: 1, Completed: 1, Bytes: 1036},
	}
	m := NewModel(src, 2)

	next, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected another tick while downloads run")
	}
	m = next.(Model)
	if m.Finished() {
		t.Fatal("model finished early")
	}

	view := m.View()
	for _, want := range []string{"big.iso", "small.txt", "1.0 KiB / 2.0 KiB", CheckMark} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	src.progress = nil
	src.results = append(src.results, worker.Result{Job: "big.iso", Error: "Timeout was reached"})
	src.stats = worker.Stats{Completed: 1, Failed: 1}

	next, _ = m.Update(tickMsg(time.Now()))
	m = next.(Model)
	if !m.Finished() || m.Canceled() {
		t.Fatalf("finished=%v canceled=%v", m.Finished(), m.Canceled())
	}
	if view := m.View(); !strings.Contains(view, "Timeout was reached") {
		t.Errorf("view missing failure:\n%s", view)
	}
}

func TestModelCancel(t *testing.T) {
	m := NewModel(&fakeSource{stats: worker.Stats{Queued: 3}}, 3)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if !next.(Model).Canceled() {
		t.Error("q did not cancel")
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KiB",
		1536:            "1.5 KiB",
		5 * 1024 * 1024: "5.0 MiB",
		3 << 30:         "3.0 GiB",
	}
	for n, want := range cases {
		if got := FormatBytes(n); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", n, got, want)
		}
	}
}
