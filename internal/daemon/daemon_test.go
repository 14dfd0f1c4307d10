package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fetchmux/internal/config"
	"github.com/fetchmux/internal/worker"
)

func TestDaemonCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload for " + r.URL.Path))
	}))
	defer srv.Close()

	runtimeDir, err := os.MkdirTemp("", "fmx")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(runtimeDir)
	outDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Runner.OutputDir = outDir
	cfg.Runner.PumpInterval = 5 * time.Millisecond
	cfg.Runner.ShutdownTimeout = time.Second
	cfg.Jobs = []config.Job{{URL: srv.URL + "/first.txt"}}

	d, err := New(cfg, runtimeDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	if _, err := os.Stat(filepath.Join(runtimeDir, PidFile)); err != nil {
		t.Errorf("pid file: %v", err)
	}

	cmd, err := NewCommand(CmdFetch, config.Job{URL: srv.URL + "/second.txt"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := Send(d.SocketPath(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("fetch: %s", resp.Message)
	}

	var status Status
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := Send(d.SocketPath(), Command{Type: CmdStatus})
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(resp.Data, &status); err != nil {
			t.Fatal(err)
		}
		if status.Stats.Completed+status.Stats.Failed == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !status.Running || status.Stats.Completed != 2 {
		t.Fatalf("status = %+v", status)
	}

	resp, err = Send(d.SocketPath(), Command{Type: CmdResults})
	if err != nil {
		t.Fatal(err)
	}
	var results []worker.Result
	if err := json.Unmarshal(resp.Data, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}

	for _, name := range []string{"first.txt", "second.txt"} {
		data, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "payload for /"+name {
			t.Errorf("%s = %q", name, data)
		}
	}

	resp, err = Send(d.SocketPath(), Command{Type: "bogus"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || !strings.Contains(resp.Message, "Unknown command") {
		t.Errorf("bogus = %+v", resp)
	}

	if _, err := Send(d.SocketPath(), Command{Type: CmdStop}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-d.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if _, err := os.Stat(d.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
	logData, err := os.ReadFile(filepath.Join(runtimeDir, LogFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logData), "daemon stopped") {
		t.Errorf("log missing shutdown line:\n%s", logData)
	}
}
