package model

import "errors"

var (
	// ErrMissingCode is returned when a request does not carry a link code.
	ErrMissingCode = errors.New("missing link code")

	// ErrNoSession is returned when no session exists for a link code.
	ErrNoSession = errors.New("session not found")

	// ErrNoPlugin is returned when a session has no plugin channel bound.
	ErrNoPlugin = errors.New("plugin not connected for this code")

	// ErrChannelNotOpen is returned when the bound plugin channel cannot accept writes.
	ErrChannelNotOpen = errors.New("plugin connection not open")

	// ErrProtocol is returned for malformed frames on a plugin channel.
	ErrProtocol = errors.New("protocol error")

	// ErrBindConflict is returned when another process won the relay port.
	ErrBindConflict = errors.New("relay port already bound")
)
