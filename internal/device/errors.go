package device

import "errors"

var (
	// ErrTransport timeout, refused connection or non-2xx answer while polling
	ErrTransport = errors.New("device transport failure")
	// ErrMalformedPayload nothing usable could be salvaged from the payload
	ErrMalformedPayload = errors.New("malformed device payload")
	// ErrInvalidSecret admin secret rejected
	ErrInvalidSecret = errors.New("invalid admin secret")
	// ErrUnreachable a control request did not reach the device
	ErrUnreachable = errors.New("device unreachable")
	// ErrUnknownSocket no socket with the given id
	ErrUnknownSocket = errors.New("unknown socket")
	// ErrInvalidConfig config patch carries values that can't be applied
	ErrInvalidConfig = errors.New("invalid config")
)
