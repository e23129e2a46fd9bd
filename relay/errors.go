package relay

import "errors"

var (
	// ErrNoMXCandidates means the recipient domain has no MX records
	// and no fallback A/AAAA record could be used in their place.
	ErrNoMXCandidates = errors.New("relay: no MX candidates for domain")

	// ErrAllMXFailed means every MX candidate, tried in priority
	// order, refused or failed the delivery attempt.
	ErrAllMXFailed = errors.New("relay: all MX candidates failed")

	// ErrQueueClosed is returned by Queue methods after Close.
	ErrQueueClosed = errors.New("relay: queue is closed")

	// ErrRetriesExhausted marks a queue entry that hit MaxRetries
	// without a successful delivery; it is removed from the queue.
	ErrRetriesExhausted = errors.New("relay: retries exhausted")
)
