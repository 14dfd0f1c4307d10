package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fetchmux/internal/config"
	"github.com/fetchmux/internal/health"
	"github.com/fetchmux/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var payload = bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hello.txt", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "hello.txt", time.Time{}, strings.NewReader("hello world"))
	})
	mux.HandleFunc("/big.bin", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "big.bin", time.Time{}, bytes.NewReader(payload))
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write([]byte(r.FormValue("name")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRunner(t *testing.T, queue int) (*Runner, string) {
	t.Helper()

	cfg := transfer.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	mgr, err := transfer.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Close)

	dir := t.TempDir()
	r := NewRunner(mgr, config.Runner{
		PumpInterval: 5 * time.Millisecond,
		QueueSize:    queue,
		OutputDir:    dir,
	}, "", health.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	return r, dir
}

func run(t *testing.T, r *Runner, jobs ...config.Job) []Result {
	t.Helper()
	for _, job := range jobs {
		if err := r.Submit(job); err != nil {
			t.Fatalf("Submit(%s): %v", job.URL, err)
		}
	}
	r.Start(context.Background())
	defer r.Stop()

	if !r.Drain(10 * time.Second) {
		t.Fatal("runner did not go idle")
	}
	return r.Results()
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRunnerBufferAndStream(t *testing.T) {
	srv := newServer(t)
	r, dir := newRunner(t, 8)

	results := run(t, r,
		config.Job{URL: srv.URL + "/hello.txt"},
		config.Job{URL: srv.URL + "/big.bin", Output: "buffered.bin"},
		config.Job{URL: srv.URL + "/big.bin", Output: "streamed.bin", Mode: config.ModeStream},
	)

	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for _, res := range results {
		if !res.OK() || res.Status != http.StatusOK {
			t.Errorf("%s: %+v", res.Job, res)
		}
	}

	if got := readFile(t, filepath.Join(dir, "hello.txt")); string(got) != "hello world" {
		t.Errorf("hello.txt = %q", got)
	}
	for _, name := range []string{"buffered.bin", "streamed.bin"} {
		if got := readFile(t, filepath.Join(dir, name)); !bytes.Equal(got, payload) {
			t.Errorf("%s: got %d bytes, want %d", name, len(got), len(payload))
		}
	}

	s := r.Stats()
	if s.Submitted != 3 || s.Completed != 3 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
	if s.Bytes != int64(2*len(payload)+len("hello world")) {
		t.Errorf("bytes = %d", s.Bytes)
	}
	if snap := r.Summary(); snap.Count != 3 {
		t.Errorf("summary = %+v", snap)
	}
}

func TestRunnerResume(t *testing.T) {
	srv := newServer(t)
	r, dir := newRunner(t, 4)

	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello "), 0o644); err != nil {
		t.Fatal(err)
	}

	results := run(t, r, config.Job{URL: srv.URL + "/hello.txt", Resume: true})
	if len(results) != 1 || !results[0].OK() {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Status != http.StatusPartialContent {
		t.Errorf("status = %d", results[0].Status)
	}
	if got := readFile(t, filepath.Join(dir, "hello.txt")); string(got) != "hello world" {
		t.Errorf("hello.txt = %q", got)
	}
}

func TestRunnerPostForm(t *testing.T) {
	srv := newServer(t)
	r, dir := newRunner(t, 4)

	results := run(t, r, config.Job{
		URL:    srv.URL + "/echo",
		Output: "echo.txt",
		Form:   map[string]string{"name": "fetchmux"},
	})
	if len(results) != 1 || !results[0].OK() {
		t.Fatalf("results = %+v", results)
	}
	if got := readFile(t, filepath.Join(dir, "echo.txt")); string(got) != "fetchmux" {
		t.Errorf("echo.txt = %q", got)
	}
}

func TestRunnerFailures(t *testing.T) {
	srv := newServer(t)
	r, dir := newRunner(t, 4)

	var notified []Result
	r.OnResult(func(res Result) { notified = append(notified, res) })

	results := run(t, r,
		config.Job{URL: srv.URL + "/missing", Output: "missing"},
		config.Job{URL: "http://127.0.0.1:1/refused", Output: "refused"},
	)

	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	byJob := map[string]Result{}
	for _, res := range results {
		byJob[res.Job] = res
	}

	if res := byJob["missing"]; res.OK() || res.Status != http.StatusNotFound {
		t.Errorf("missing = %+v", res)
	}
	if res := byJob["refused"]; res.OK() || res.Status != transfer.CodeCouldntConnect.Status() {
		t.Errorf("refused = %+v", res)
	}

	for _, name := range []string{"missing", "refused"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s: output left behind (err=%v)", name, err)
		}
	}

	if s := r.Stats(); s.Failed != 2 {
		t.Errorf("stats = %+v", s)
	}
	if len(notified) != 2 {
		t.Errorf("notified %d times", len(notified))
	}
}

func TestRunnerSubmit(t *testing.T) {
	r, _ := newRunner(t, 1)

	if err := r.Submit(config.Job{URL: "not a url"}); err == nil {
		t.Error("expected validation error")
	}
	if err := r.Submit(config.Job{URL: "http://example.com/a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(config.Job{URL: "http://example.com/b"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second submit = %v, want ErrQueueFull", err)
	}

	s := r.Stats()
	if s.Submitted != 1 || s.Dropped != 1 || s.Queued != 1 {
		t.Errorf("stats = %+v", s)
	}
	if r.Idle() {
		t.Error("runner with a queued job reported idle")
	}
}
