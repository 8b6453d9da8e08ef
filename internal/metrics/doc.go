/*
Package metrics exposes SDK health and LLM usage as Prometheus metrics.

# Overview

A Collector registers its metrics on a caller-supplied registerer so
several SDK handles can coexist in one process. Queue and exporter counters
are read lazily through CounterFunc/GaugeFunc from their Stats snapshots;
LLM metrics are recorded per exported span.

# Metrics

  - queue: length, capacity, enqueued and overflow-dropped totals
  - exporter: exported, failed, shutdown-dropped, batches and attempts
  - LLM: requests by provider/model/status, latency and time to first
    token histograms, tokens by type (input/output) and exactness
*/
package metrics
