// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of
// calling time.Now, time.After, time.NewTicker, or time.Sleep
// directly. In production, Real() provides the standard library
// behavior. In tests, Fake() provides a deterministic clock that
// advances only when Advance is called.
//
// This matters here because the engine is full of deadlines that are
// painful to test against real time: invitation expiry, sync retry
// backoff with a cumulative budget, and the periodic pull loop. With a
// FakeClock, a test expires a one-hour invitation in a microsecond and
// exhausts a retry budget without sleeping.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Engine struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	engine := New(..., c)
//	c.WaitForTimers(1) // wait for the loop to register its ticker
//	c.Advance(time.Minute)
package clock
