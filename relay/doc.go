// Package relay delivers outbound mail to external recipients by MX
// resolution, grouping recipients by destination domain and trying
// each candidate host in ascending priority order until one accepts
// the message end-to-end.
//
// Agent.Deliver is synchronous and best-effort for a single send
// attempt; Queue and Worker add an optional on-disk retry path for
// callers that want deliveries to survive a transient MX failure or a
// process restart.
package relay
