// Package stream implements a price source fed by a WebSocket price stream.
package stream

import "errors"

var (
	// ErrNotConnected indicates that the client is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrNoPrice indicates no update has been received for the symbol yet.
	ErrNoPrice = errors.New("no streamed price for symbol")
)
