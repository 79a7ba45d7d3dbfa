package relay

import "errors"

var (
	// ErrRegistrationTimeout is returned by Serve when no valid register
	// frame arrived within the registration window.
	ErrRegistrationTimeout = errors.New("relay: registration timeout")
	// ErrNotRunning is returned by Serve before Start or after Stop.
	ErrNotRunning = errors.New("relay: engine is not running")

	errConnClosed      = errors.New("relay: connection closed")
	errSendBufferFull  = errors.New("relay: send buffer full")
	errNoTarget        = errors.New("message must target exactly one recipient or group")
	errSenderMismatch  = errors.New("senderId does not match the registered user")
	errNotGroupMember  = errors.New("sender is not registered in that group")
	errRegisterFirst   = errors.New("register before sending messages")
	errAlreadyRegister = errors.New("connection is already registered")
)
