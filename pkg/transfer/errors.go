package transfer

import "errors"

// Sentinel errors for request configuration.
var (
	ErrInvalidHandle     = errors.New("invalid transfer handle")
	ErrAlreadyStarted    = errors.New("transfer already started")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidURL        = errors.New("invalid url")
	ErrEngineUnavailable = errors.New("transfer engine unavailable")
)

var (
	errRangeIgnored  = errors.New("server ignored byte range request")
	errCallbackRange = errors.New("read callback returned more bytes than offered")
	errPostSetup     = errors.New("failed to encode form")
)
