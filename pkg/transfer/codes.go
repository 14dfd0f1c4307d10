package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/fetchmux/pkg/protocol"
)

// Code identifies a transfer failure class. A request in error reports its
// status as the negated Code.
type Code int

const (
	CodeOK                     Code = 0
	CodeUnsupportedProtocol    Code = 1
	CodeFailedInit             Code = 2
	CodeURLMalformat           Code = 3
	CodeCouldntResolveProxy    Code = 5
	CodeCouldntResolveHost     Code = 6
	CodeCouldntConnect         Code = 7
	CodePartialFile            Code = 18
	CodeHTTPReturnedError      Code = 22
	CodeWriteError             Code = 23
	CodeReadError              Code = 26
	CodeOperationTimedOut      Code = 28
	CodeRangeError             Code = 33
	CodeHTTPPostError          Code = 34
	CodeSSLConnectError        Code = 35
	CodeAbortedByCallback      Code = 42
	CodeInterfaceFailed        Code = 45
	CodeTooManyRedirects       Code = 47
	CodeGotNothing             Code = 52
	CodeRecvError              Code = 56
	CodePeerFailedVerification Code = 60
)

var codeText = map[Code]string{
	CodeOK:                     "No error",
	CodeUnsupportedProtocol:    "Unsupported protocol",
	CodeFailedInit:             "Failed initialization",
	CodeURLMalformat:           "URL using bad/illegal format or missing URL",
	CodeCouldntResolveProxy:    "Couldn't resolve proxy name",
	CodeCouldntResolveHost:     "Couldn't resolve host name",
	CodeCouldntConnect:         "Couldn't connect to server",
	CodePartialFile:            "Transferred a partial file",
	CodeHTTPReturnedError:      "HTTP response code said error",
	CodeWriteError:             "Failed writing received data to disk/application",
	CodeReadError:              "Failed to open/read local data from file/application",
	CodeOperationTimedOut:      "Timeout was reached",
	CodeRangeError:             "Requested range was not delivered by the server",
	CodeHTTPPostError:          "Internal problem setting up the POST",
	CodeSSLConnectError:        "SSL connect error",
	CodeAbortedByCallback:      "Operation was aborted by an application callback",
	CodeInterfaceFailed:        "Failed binding local connection end",
	CodeTooManyRedirects:       "Number of redirects hit maximum amount",
	CodeGotNothing:             "Server returned nothing (no headers, no data)",
	CodeRecvError:              "Failure when receiving data from the peer",
	CodePeerFailedVerification: "SSL peer certificate or SSH remote key was not OK",
}

// String returns the human readable message for c.
func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return "Unknown error"
}

// Status returns the negative request status carrying c.
func (c Code) Status() int {
	return -int(c)
}

// ErrorString returns the message for a negative request status. Non-negative
// statuses (HTTP response codes) report "No error".
func ErrorString(status int) string {
	if status >= 0 {
		return CodeOK.String()
	}
	return Code(-status).String()
}

// CodeOf classifies an error returned by Create or Start.
func CodeOf(err error) Code {
	return classify(err, false)
}

// classify maps a transport error to a Code. connected reports whether a
// response had already been received when err occurred.
func classify(err error, connected bool) Code {
	var (
		dnsErr     *net.DNSError
		opErr      *net.OpError
		urlErr     *url.Error
		unknownCA  x509.UnknownAuthorityError
		invalidCrt x509.CertificateInvalidError
		hostErr    x509.HostnameError
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		netErr     net.Error
	)

	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidURL):
		return CodeURLMalformat
	case errors.Is(err, ErrEngineUnavailable):
		return CodeFailedInit
	case errors.Is(err, errPostSetup):
		return CodeHTTPPostError
	case errors.Is(err, protocol.ErrInterface):
		return CodeInterfaceFailed
	case errors.Is(err, protocol.ErrTooManyRedirects):
		return CodeTooManyRedirects
	case errors.Is(err, errRangeIgnored):
		return CodeRangeError
	case errors.Is(err, errCallbackRange):
		return CodeWriteError
	case errors.Is(err, context.Canceled):
		return CodeAbortedByCallback
	case errors.Is(err, context.DeadlineExceeded):
		return CodeOperationTimedOut
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeOperationTimedOut
	case errors.As(err, &dnsErr):
		if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
			return CodeCouldntResolveProxy
		}
		return CodeCouldntResolveHost
	case errors.As(err, &unknownCA), errors.As(err, &invalidCrt), errors.As(err, &hostErr):
		return CodePeerFailedVerification
	case errors.As(err, &recordErr), errors.As(err, &alertErr):
		return CodeSSLConnectError
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeCouldntConnect
	case errors.Is(err, io.ErrUnexpectedEOF):
		return CodePartialFile
	case errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme"):
		return CodeUnsupportedProtocol
	case !connected && errors.Is(err, io.EOF):
		return CodeGotNothing
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return CodeCouldntConnect
	}

	if connected {
		return CodeRecvError
	}
	return CodeCouldntConnect
}
