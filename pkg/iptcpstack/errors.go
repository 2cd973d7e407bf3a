package iptcpstack

import "github.com/pkg/errors"

var (
	// ErrMalformed is returned by OnSegment when a segment carries flags or
	// sequence numbers that do not fit the state it was matched against.
	ErrMalformed = errors.New("malformed segment")

	// ErrConnectionRefused is returned when the listen backlog is full.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrHandshakeTimeout is delivered through accept when no final ACK
	// arrived after every SYN-ACK retry.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	ErrListenerClosed = errors.New("listener is closed")
	ErrPortInUse      = errors.New("port already in use")
)

func malformed(details string) error {
	return errors.Wrap(ErrMalformed, details)
}
