package script

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/fetchmux/pkg/transfer"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

// Runtime executes JavaScript and Starlark scripts that can call fetch.
// Both languages get the same builtins:
//
//	fetch(url, {headers, body, timeout}) -> {status, body, content_type, url, error}
//	urlencode(s) / urldecode(s)
//	print(...)
type Runtime struct {
	fetcher *Fetcher
	out     io.Writer
	log     *zap.Logger
}

// New creates a Runtime fetching through mgr and printing to out.
func New(mgr *transfer.Manager, out io.Writer, log *zap.Logger) *Runtime {
	return &Runtime{
		fetcher: NewFetcher(mgr),
		out:     out,
		log:     log.With(zap.String("component", "script")),
	}
}

// RunFile runs the script at path, picking the language by extension:
// .js for JavaScript, .star or .py for Starlark.
func (r *Runtime) RunFile(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".js":
		return r.RunJavaScript(ctx, path, string(src))
	case ".star", ".py", ".bzl":
		return r.RunStarlark(ctx, path, string(src))
	}
	return fmt.Errorf("unknown script type %q", filepath.Ext(path))
}

func (r *Runtime) fetch(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := r.fetcher.Fetch(ctx, req)
	r.log.Debug("script fetch",
		zap.String("url", req.URL),
		zap.Int("status", resp.Status),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, err
}

// RunJavaScript evaluates src with goja.
func (r *Runtime) RunJavaScript(ctx context.Context, name, src string) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		req := Request{URL: call.Argument(0).String()}
		if opts, ok := call.Argument(1).Export().(map[string]any); ok {
			if headers, ok := opts["headers"].(map[string]any); ok {
				req.Headers = make(map[string]string, len(headers))
				for k, v := range headers {
					req.Headers[k] = fmt.Sprint(v)
				}
			}
			if body, ok := opts["body"].(string); ok {
				req.Body = body
			}
			if timeout, ok := opts["timeout"].(string); ok {
				d, err := time.ParseDuration(timeout)
				if err != nil {
					panic(vm.NewTypeError("fetch: invalid timeout %q", timeout))
				}
				req.Timeout = d
			}
		}

		resp, err := r.fetch(ctx, req)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(resp)
	})
	vm.Set("urlencode", transfer.URLEncode)
	vm.Set("urldecode", transfer.URLDecode)
	vm.Set("print", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.String()
		}
		fmt.Fprintln(r.out, args...)
		return goja.Undefined()
	})

	if _, err := vm.RunScript(name, src); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}

// RunStarlark executes src as a Starlark module.
func (r *Runtime) RunStarlark(ctx context.Context, name, src string) error {
	thread := &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(r.out, msg) },
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	fetch := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			url     string
			headers *starlark.Dict
			body    string
			timeout string
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"url", &url, "headers?", &headers, "body?", &body, "timeout?", &timeout); err != nil {
			return nil, err
		}

		req := Request{URL: url, Body: body}
		if headers != nil {
			req.Headers = make(map[string]string, headers.Len())
			for _, item := range headers.Items() {
				k, ok := starlark.AsString(item[0])
				if !ok {
					return nil, fmt.Errorf("%s: header names must be strings, got %s", b.Name(), item[0].Type())
				}
				v, ok := starlark.AsString(item[1])
				if !ok {
					v = item[1].String()
				}
				req.Headers[k] = v
			}
		}
		if timeout != "" {
			d, err := time.ParseDuration(timeout)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid timeout %q", b.Name(), timeout)
			}
			req.Timeout = d
		}

		resp, err := r.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"status":       starlark.MakeInt(resp.Status),
			"body":         starlark.String(resp.Body),
			"content_type": starlark.String(resp.ContentType),
			"url":          starlark.String(resp.URL),
			"error":        starlark.String(resp.Error),
		}), nil
	}

	urlencode := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		return starlark.String(transfer.URLEncode(s)), nil
	}
	urldecode := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		out, err := transfer.URLDecode(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.String(out), nil
	}

	predeclared := starlark.StringDict{
		"fetch":     starlark.NewBuiltin("fetch", fetch),
		"urlencode": starlark.NewBuiltin("urlencode", urlencode),
		"urldecode": starlark.NewBuiltin("urldecode", urldecode),
	}

	opts := &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
	}
	if _, err := starlark.ExecFileOptions(opts, thread, name, src, predeclared); err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return fmt.Errorf("script %s: %s", name, evalErr.Backtrace())
		}
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}
