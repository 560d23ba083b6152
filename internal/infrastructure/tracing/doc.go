/*
Package tracing provides lightweight request tracing.

# Overview

Requests arrive through a fronting gateway that may already carry a trace
identity; this package continues that trace across the session API and
starts fresh ones otherwise. It follows OpenTelemetry concepts with a
minimal implementation: spans are structured log lines, not exports to a
collector.

# Features

  - Trace context propagation via X-Trace-ID / X-Span-ID headers
  - Span creation with parent-child relationships
  - Gin middleware for automatic per-route instrumentation
  - Buffered asynchronous span collection (1000 spans, drop on overflow)

# Usage

	tracer := tracing.New("termdeck", logger)

	// HTTP middleware
	router.Use(tracing.HTTPMiddleware(tracer))

	// Manual span creation
	span, ctx := tracer.StartSpan(ctx, "suspend-project")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

	span.SetTag("project_id", projectID)
*/
package tracing
