// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package main

import (
	"context"
	"fmt"
)

func openUnixBackend(*scenario) (*backend, error) {
	return nil, fmt.Errorf("the unix kernel backend is only available on linux")
}

func runInheritedReplica(context.Context, *scenario) (bool, error) {
	return false, nil
}
