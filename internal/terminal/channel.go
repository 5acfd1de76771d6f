// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import (
	"errors"
	"time"
)

// Sentinel errors.
var (
	// ErrSessionClosed is returned once the remote shell has gone away.
	ErrSessionClosed = errors.New("terminal session closed")

	// ErrSendTimeout is returned when a write does not complete in time.
	ErrSendTimeout = errors.New("terminal send timed out")
)

// Channel is an interactive, prompt-driven byte stream.
type Channel interface {
	// Send writes data to the remote side.
	Send(data string) error

	// Recv returns up to max buffered bytes without blocking. Once the stream
	// has ended and the buffer is drained it returns ErrSessionClosed.
	Recv(max int) ([]byte, error)

	// RecvReady reports whether Recv has something to return: buffered data
	// or the end-of-stream error.
	RecvReady() bool

	// Interrupt sends Ctrl+C.
	Interrupt() error

	// SetTimeout bounds each Send.
	SetTimeout(d time.Duration)

	// Close tears the channel down.
	Close() error
}

// interruptByte is ETX, what a terminal sends for Ctrl+C.
const interruptByte = "\x03"
