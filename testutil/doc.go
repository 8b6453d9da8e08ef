/*
Package testutil provides shared helpers for the SDK's tests.

# Overview

Tests across the module use these helpers instead of hand-rolling sinks,
transports and polling loops. The package depends only on types so any
package can import it from its tests.

# Helpers

  - Context: TestContext / TestContextWithTimeout / CancelledContext, with
    cleanup registered on the test
  - Waiting: WaitFor / RequireEventually poll a condition until it holds
  - RecordingSink: an in-memory span sink that records every enqueued span
  - FakeTransport: a scripted batch transport that records submissions and
    can fail, block or panic on demand
  - Data: MustJSON / MustParseJSON

# Subpackages

  - testutil/fixtures: ready-made spans, requests and usage values

# Example

	sink := testutil.NewRecordingSink()
	in := instrument.New(sink, zaptest.NewLogger(t))
	...
	require.Len(t, sink.Spans(), 1)
*/
package testutil
