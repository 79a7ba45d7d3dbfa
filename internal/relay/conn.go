package relay

import "time"

// Conn is the transport side of one client connection.
type Conn interface {
	ID() string
	RemoteAddr() string
	// ReadFrame blocks until the next inbound frame arrives or the
	// connection fails.
	ReadFrame() ([]byte, error)
	// SetReadDeadline bounds the next reads. The zero time restores the
	// transport's idle deadline.
	SetReadDeadline(t time.Time) error
	// Send queues frame for writing and never blocks. It reports false when
	// the frame could not be queued.
	Send(frame []byte) bool
	// Done is closed once the connection is closed.
	Done() <-chan struct{}
	Close()
}

// Registration identifies the user behind a connection.
type Registration struct {
	UserID   string
	UserName string
	GroupIDs []string
}
