// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// Exit statuses. Every capability failure kind has its own status;
// anything else (bad flags, bad config, I/O on the auxiliary channel)
// exits with ExitFailure.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitUsage         = 2
	ExitEndpoint      = 10
	ExitMessage       = 11
	ExitDuplication   = 12
	ExitMemoryObject  = 13
	ExitRemoteMapping = 14
)

// ErrUsage marks errors caused by the command line rather than by the
// rendezvous itself.
var ErrUsage = errors.New("usage error")

// ExitCode returns the exit status for err. A nil err is success.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch capability.KindOf(err) {
	case capability.ErrEndpoint:
		return ExitEndpoint
	case capability.ErrMessageTransfer:
		return ExitMessage
	case capability.ErrDuplication:
		return ExitDuplication
	case capability.ErrMemoryObject:
		return ExitMemoryObject
	case capability.ErrRemoteMapping:
		return ExitRemoteMapping
	}
	if errors.Is(err, ErrUsage) {
		return ExitUsage
	}
	return ExitFailure
}

// Fatal writes "error: err" to stderr and exits with ExitCode(err).
// Use it in main() for errors from run() where the structured logger
// may not be initialized.
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

func report(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %v\n", err)
	return ExitCode(err)
}
