package network

import "errors"

var (
	// ErrNotFound is returned for an unknown or deregistered device or gateway
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRegistered is returned when registering a device address twice
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrInvalidUplink is returned for frames that are not data uplinks of the addressed device
	ErrInvalidUplink = errors.New("invalid uplink")
	// ErrNoFeasibleWindow is returned when no gateway can send the reply in a receive window
	ErrNoFeasibleWindow = errors.New("no feasible receive window")
	// ErrInvalidWindow is returned for a receive window other than 1 or 2
	ErrInvalidWindow = errors.New("invalid receive window")
)
