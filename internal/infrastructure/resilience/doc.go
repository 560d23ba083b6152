/*
Package resilience provides circuit breaker implementation for graceful degradation.

# Overview

This package implements the circuit breaker pattern that gates reconnection
attempts on the multiplexed transport. Repeated failures within a sliding
window open the circuit; further attempts fail fast until a recovery timeout
elapses, at which point a single probe is admitted.

# Features

- Three-state circuit breaker (Closed, Open, Half-Open)
- Sliding failure window: only recent failures count toward the threshold
- Manual attempt lifecycle (Allow/RecordAttempt/RecordSuccess/RecordFailure)
  for callers whose attempts span asynchronous work
- Execute wrapper for plain request/response callers
- State change callbacks for monitoring
- Thread-safe operations

# Usage

	// Create a circuit breaker
	breaker := resilience.New("mux", resilience.Settings{
		MaxRequests:      1,
		FailureThreshold: 2,
		FailureWindow:    10 * time.Second,
		Timeout:          30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	// Gate an asynchronous attempt
	if breaker.Allow() {
		breaker.RecordAttempt()
		if err := dial(); err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	// Or wrap request/response work
	result, err := breaker.Execute(func() (interface{}, error) {
		return client.Call()
	})

# States

- Closed: Normal operation, attempts pass through
- Open: Attempts rejected immediately until the recovery timeout elapses
- Half-Open: Testing recovery, at most MaxRequests probes allowed

# Pattern

The circuit breaker transitions between states based on windowed failures:

	Closed --[threshold failures in window]-> Open --[timeout]-> Half-Open --[success]-> Closed
	                                           ^                      |
	                                           +------[failure]-------+
*/
package resilience
