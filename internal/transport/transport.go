// Package transport provides byte-level links to a companion radio.
// Every link delivers whole inbound frame payloads on a channel and
// accepts whole outbound payloads; framing details stay inside the
// link. Links are single-shot: once the device side drops, the frame
// channel closes and the caller builds a fresh link to reconnect.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send on a link that is not open.
var ErrNotConnected = errors.New("transport: not connected")

// frameBuffer is the depth of a link's inbound frame channel. A full
// buffer drops the oldest-pending frame rather than blocking the reader.
const frameBuffer = 64

// Link is a connection to the companion radio.
type Link interface {
	// Connect opens the link. It blocks until the link is usable or ctx
	// is done.
	Connect(ctx context.Context) error

	// Disconnect closes the link. Safe to call more than once.
	Disconnect() error

	// Send writes one command payload to the device.
	Send(payload []byte) error

	// Frames delivers inbound frame payloads. The channel closes when
	// the link drops.
	Frames() <-chan []byte

	// IsConnected reports whether the link is currently open.
	IsConnected() bool
}
