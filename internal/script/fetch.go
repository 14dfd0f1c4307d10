package script

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/fetchmux/pkg/protocol"
	"github.com/fetchmux/pkg/transfer"
)

// maxBody caps the body a script fetch keeps in memory.
const maxBody = 64 << 20

// pollInterval bounds how long one fetch waits for engine events.
const pollInterval = 20 * time.Millisecond

// Request is one scripted fetch.
type Request struct {
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// Response is what a script sees. Status is the HTTP code or the negative
// transfer error status.
type Response struct {
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Error       string `json:"error"`
}

// Fetcher performs blocking fetches by pumping a transfer.Manager until the
// request finishes.
type Fetcher struct {
	mgr *transfer.Manager
}

// NewFetcher creates a Fetcher over mgr.
func NewFetcher(mgr *transfer.Manager) *Fetcher {
	return &Fetcher{mgr: mgr}
}

// Fetch runs req to completion. Transfer failures are reported in the
// Response; the error is only set when ctx ends first.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	m := f.mgr

	h, err := m.Create("", "%s", req.URL)
	if err != nil {
		return failed(err), nil
	}
	defer m.Delete(h)

	for k, v := range req.Headers {
		if err := m.Header(h, k, "%s", v); err != nil {
			return Response{Error: err.Error()}, nil
		}
	}
	if req.Body != "" {
		if err := m.SetPostFields(h, []byte(req.Body)); err != nil {
			return Response{Error: err.Error()}, nil
		}
	}
	if req.Timeout != 0 {
		if err := m.SetTimeout(h, req.Timeout); err != nil {
			return Response{Error: err.Error()}, nil
		}
	}
	if err := m.Start(h); err != nil {
		return failed(err), nil
	}

	var body bytes.Buffer
	buf := make([]byte, protocol.BufferSize)
	drain := func() error {
		for {
			n := m.Read(h, buf)
			if n == 0 {
				return nil
			}
			if body.Len()+n > maxBody {
				return fmt.Errorf("response body exceeds %d bytes", maxBody)
			}
			body.Write(buf[:n])
		}
	}

	done := m.Done(h)
	for {
		m.Perform()
		if err := drain(); err != nil {
			return Response{Status: transfer.CodeWriteError.Status(), Error: err.Error()}, nil
		}

		select {
		case <-done:
			if err := drain(); err != nil {
				return Response{Status: transfer.CodeWriteError.Status(), Error: err.Error()}, nil
			}
			return f.response(h, body.String()), nil
		default:
		}

		if err := m.Wait(ctx, pollInterval); err != nil {
			return Response{}, err
		}
	}
}

// failed reports a request that never reached the network.
func failed(err error) Response {
	return Response{Status: transfer.CodeOf(err).Status(), Error: err.Error()}
}

func (f *Fetcher) response(h transfer.Handle, body string) Response {
	m := f.mgr

	resp := Response{
		Status: m.GetStatus(h),
		Body:   body,
		URL:    m.GetEffectiveURL(h),
	}
	resp.ContentType, _ = m.GetContentType(h)
	if resp.Status < 0 {
		resp.Error = transfer.ErrorString(resp.Status)
	}
	return resp
}
