// Package server holds small helpers shared by the client and hub logic.
package server

import (
	"errors"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// isExpectedCloseError reports errors that only mean the connection was
// already closed by us or by the peer.
func isExpectedCloseError(err error) bool {
	return err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
