package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrDeviceOffline means no connection is registered for the target
	// device, or the registered one died before the write completed.
	ErrDeviceOffline = errors.New("device offline")

	// ErrSuperseded marks a connection evicted by a newer one for the same
	// device.
	ErrSuperseded = errors.New("connection superseded")

	// ErrPolicyDenied is returned when a ban or disable blocks a connection.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrCommandTimeout means no acknowledgment arrived before the deadline.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrMalformedAck means a reply frame could not be correlated to a
	// pending command.
	ErrMalformedAck = errors.New("malformed ack")

	// ErrQueueOverflow means a peer outbound queue was full and a frame was
	// dropped.
	ErrQueueOverflow = errors.New("queue overflow")

	// ErrCommandNotFound means the command id is unknown or was purged.
	ErrCommandNotFound = errors.New("command not found")

	// ErrBatchNotFound means the batch id is unknown or was purged.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrEndpointNotFound means the endpoint id does not exist.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidMode is returned for an unknown forwarding mode or a custom
	// header that does not match the mode.
	ErrInvalidMode = errors.New("invalid forwarding mode")
)

// Code returns the stable machine-readable code for a taxonomy error, or ""
// when err is not one of them.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrDeviceOffline):
		return "DEVICE_OFFLINE"
	case errors.Is(err, ErrSuperseded):
		return "SUPERSEDED"
	case errors.Is(err, ErrPolicyDenied):
		return "POLICY_DENIED"
	case errors.Is(err, ErrCommandTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrMalformedAck):
		return "MALFORMED_ACK"
	case errors.Is(err, ErrQueueOverflow):
		return "QUEUE_OVERFLOW"
	default:
		return ""
	}
}

// RelayError wraps an underlying error with endpoint/device context.
type RelayError struct {
	EndpointID string
	DeviceID   string
	Op         string
	Err        error
}

func (e *RelayError) Error() string {
	switch {
	case e.EndpointID != "" && e.DeviceID != "":
		return fmt.Sprintf("endpoint %s device %s: %s: %v", e.EndpointID, e.DeviceID, e.Op, e.Err)
	case e.EndpointID != "":
		return fmt.Sprintf("endpoint %s: %s: %v", e.EndpointID, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
