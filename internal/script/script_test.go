package script

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fetchmux/pkg/transfer"
	"go.uber.org/zap"
)

func newRuntime(t *testing.T) (*Runtime, *bytes.Buffer, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/greet":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("hello " + r.Header.Get("X-Name")))
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := transfer.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	mgr, err := transfer.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Close)

	var out bytes.Buffer
	return New(mgr, &out, zap.NewNop()), &out, srv
}

func TestJavaScriptFetch(t *testing.T) {
	rt, out, srv := newRuntime(t)

	src := `
var r = fetch(base + "/greet", {headers: {"X-Name": "js"}});
print(r.status, r.body, r.content_type);
var p = fetch(base + "/echo", {body: "a=" + urlencode("b c")});
print(p.body);
var m = fetch(base + "/missing");
print(m.status);
`
	if err := rt.RunJavaScript(context.Background(), "test.js", "var base = "+quote(srv.URL)+";"+src); err != nil {
		t.Fatal(err)
	}

	want := "200 hello js text/plain\na=b%20c\n404\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestStarlarkFetch(t *testing.T) {
	rt, out, srv := newRuntime(t)

	src := `
r = fetch(base + "/greet", headers = {"X-Name": "star"})
print(r.status, r.body)
e = fetch("http://127.0.0.1:1/")
print(e.status < 0, e.error)
print(urldecode("a%20b"))
`
	if err := rt.RunStarlark(context.Background(), "test.star", "base = "+quote(srv.URL)+"\n"+src); err != nil {
		t.Fatal(err)
	}

	want := "200 hello star\nTrue Couldn't connect to server\na b\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestScriptErrors(t *testing.T) {
	rt, _, _ := newRuntime(t)
	ctx := context.Background()

	if err := rt.RunJavaScript(ctx, "bad.js", "throw new Error('boom')"); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("js error = %v", err)
	}
	if err := rt.RunStarlark(ctx, "bad.star", "fail('boom')"); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("starlark error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "script.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := rt.RunFile(ctx, path); err == nil {
		t.Error("expected unknown script type error")
	}
}

func TestScriptCancel(t *testing.T) {
	rt, _, _ := newRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rt.RunJavaScript(ctx, "loop.js", "for (;;) {}"); err == nil {
		t.Error("expected interrupted script")
	}
}

func TestRunFile(t *testing.T) {
	rt, out, srv := newRuntime(t)

	path := filepath.Join(t.TempDir(), "fetch.star")
	src := "print(fetch(" + quote(srv.URL+"/greet") + ").status)\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := rt.RunFile(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if out.String() != "200\n" {
		t.Errorf("output = %q", out.String())
	}
}

func quote(s string) string {
	return `"` + s + `"`
}

func TestFetchSetupErrors(t *testing.T) {
	rt, _, srv := newRuntime(t)
	ctx := context.Background()

	resp, err := rt.fetcher.Fetch(ctx, Request{URL: "not a url"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != transfer.CodeURLMalformat.Status() || resp.Error == "" {
		t.Errorf("malformed url = %+v", resp)
	}

	resp, err = rt.fetcher.Fetch(ctx, Request{URL: srv.URL + "/greet", Timeout: -time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, transfer.ErrInvalidArgument.Error()) {
		t.Errorf("negative timeout = %+v", resp)
	}

	closed, err := transfer.New(transfer.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	closed.Close()
	resp, err = NewFetcher(closed).Fetch(ctx, Request{URL: srv.URL + "/greet"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != transfer.CodeFailedInit.Status() {
		t.Errorf("closed manager = %+v", resp)
	}
}
