// Package server is the WebSocket transport of the relay.
//
// It upgrades HTTP requests, runs the read and write pumps of every client,
// applies origin checks and per-connection rate limits, and hands each
// connection to the relay engine. HTTP routes for health, metrics and group
// history live here as well.
package server
