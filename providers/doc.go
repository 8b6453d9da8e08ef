// Package providers holds the pieces shared by the provider adapters: the
// Server-Sent Events reader and HTTP error mapping.
//
// Each sub-package (openai, anthropic) is the single place that knows its
// provider's wire format. Adapters translate wire chunks into stream.Event
// values and responses into instrument.Result; nothing else in the SDK
// inspects provider payloads.
package providers
