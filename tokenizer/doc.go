// Package tokenizer counts tokens for spans whose provider did not report
// usage. The default Estimator is a deterministic chars-per-token heuristic;
// tiktoken-backed counters can be registered per model. Counts produced here
// are always estimates.
package tokenizer
