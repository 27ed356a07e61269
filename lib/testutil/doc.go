// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireBlocked] are the only places where tests
// touch the wall clock: one bounds how long a test waits for a result
// that must arrive, the other checks that a result has not arrived yet.
// Protocol deadlines themselves always run on a fake clock.
//
// [RequireErrorIs] checks error kinds through errors.Is with a message
// that prints the whole chain, which is what you want when a capability
// error wraps both a kind and a cause.
//
// [UniqueID] generates distinct names for services registered in a
// shared directory.
package testutil
