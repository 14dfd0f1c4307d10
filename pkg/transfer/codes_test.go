package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/fetchmux/pkg/protocol"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "No error"},
		{0, "No error"},
		{CodeOperationTimedOut.Status(), "Timeout was reached"},
		{-7, "Couldn't connect to server"},
		{-9999, "Unknown error"},
	}
	for _, tt := range tests {
		if got := ErrorString(tt.status); got != tt.want {
			t.Errorf("ErrorString(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	refused := &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{
		Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}}

	tests := []struct {
		name      string
		err       error
		connected bool
		want      Code
	}{
		{"nil", nil, false, CodeOK},
		{"bad url", fmt.Errorf("%w: %q", ErrInvalidURL, "x"), false, CodeURLMalformat},
		{"closed", ErrEngineUnavailable, false, CodeFailedInit},
		{"form", fmt.Errorf("%w: boom", errPostSetup), false, CodeHTTPPostError},
		{"interface", fmt.Errorf("%w %q: boom", protocol.ErrInterface, "eth9"), false, CodeInterfaceFailed},
		{"redirects", fmt.Errorf("get: %w", protocol.ErrTooManyRedirects), false, CodeTooManyRedirects},
		{"range", errRangeIgnored, true, CodeRangeError},
		{"callback", errCallbackRange, true, CodeWriteError},
		{"canceled", context.Canceled, true, CodeAbortedByCallback},
		{"deadline", context.DeadlineExceeded, false, CodeOperationTimedOut},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}, false, CodeCouldntResolveHost},
		{"refused", refused, false, CodeCouldntConnect},
		{"partial", io.ErrUnexpectedEOF, true, CodePartialFile},
		{"scheme", &url.Error{Op: "Get", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)}, false, CodeUnsupportedProtocol},
		{"nothing", io.EOF, false, CodeGotNothing},
		{"recv", errors.New("boom"), true, CodeRecvError},
		{"connect", errors.New("boom"), false, CodeCouldntConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err, tt.connected); got != tt.want {
				t.Errorf("classify = %d (%s), want %d (%s)", got, got, tt.want, tt.want)
			}
		})
	}
}
