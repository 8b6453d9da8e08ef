/*
Package types holds the telemetry data model shared by every asymetry package.

It has no dependencies on other packages in this module so that producers
(instrumentation wrappers, tracing helpers, the agent processor) and consumers
(the span queue, the batch exporter, transports) can share one vocabulary
without import cycles.

# Core types

  - Span        : one timed unit of work with ordered attributes and events
  - LLMRequest  : the provider call recorded inside an LLM span
  - TokenUsage  : token counts, flagged exact or estimated
  - SpanContext : the unit handed to the span queue
  - Error       : structured error carried by failed requests

A SpanContext must not be mutated after it has been enqueued.
*/
package types
