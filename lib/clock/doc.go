// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used for receive
// deadlines.
//
// Every blocking capability receive in this module is bounded by a
// deadline armed through a Clock. Production wiring passes Real(); tests
// pass Fake() and decide exactly when a deadline expires:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go originator.Originate(ctx, duplicator)
//	fake.WaitForTimers(1)       // the receive has armed its deadline
//	fake.Advance(time.Minute)   // and now it expires
//
// WaitForTimers removes the race between a goroutine registering a
// deadline and the test advancing time, so timeout tests never depend
// on wall-clock sleeps.
package clock
