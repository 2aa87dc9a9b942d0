/*
Package resilience provides a circuit breaker for operations against
hardware that may stop responding.

# Overview

The loader hands every start through a breaker. After repeated hand-off
timeouts the breaker opens and starts fail immediately instead of each one
waiting out its full timeout; after Timeout a single trial start is let
through (half-open) and its outcome decides whether the breaker closes again.

# Usage

	breaker := resilience.New("handoff", resilience.Settings{
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsFailure: func(err error) bool {
			return errors.Is(err, fault.ErrTimeout)
		},
	})

	err := breaker.Execute(func() error {
		return handoff(ctx)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
