package relay

import (
	"context"
	"time"
)

// Worker drains a Queue on a timer, handing each due Entry to an
// Agent and rescheduling or removing it based on the outcome. It
// mirrors conn.AcceptLoop's Run/Shutdown lifecycle so the combined
// entrypoint can manage it the same way it manages the accept loops.
type Worker struct {
	agent  *Agent
	queue  *Queue
	config Config

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker returns a Worker over queue, delivering through agent.
func NewWorker(agent *Agent, queue *Queue, config Config) *Worker {
	config.applyDefaults()
	return &Worker{agent: agent, queue: queue, config: config}
}

// Run polls the queue every pollInterval until ctx is cancelled or
// Shutdown is called. It blocks; callers run it in its own goroutine.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	defer close(w.done)

	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	due, err := w.queue.Due(time.Now())
	if err != nil {
		w.config.Logger.Error("relay queue scan failed", "error", err)
		return
	}

	for _, entry := range due {
		results := w.agent.Deliver(ctx, entry.Sender, entry.Recipients, entry.Content)
		remaining := remainingRecipients(entry.Recipients, results)

		if len(remaining) == 0 {
			if err := w.queue.Remove(entry); err != nil {
				w.config.Logger.Error("relay queue remove failed", "id", entry.ID, "error", err)
			}
			continue
		}

		entry.Recipients = remaining
		if err := w.queue.Reschedule(entry, w.config.RetryInterval, w.config.MaxRetries); err != nil {
			w.config.Logger.Warn("relay entry dropped", "id", entry.ID, "error", err, "remaining", remaining)
		}
	}
}

// remainingRecipients returns the recipients that still need delivery
// after a Deliver pass: those whose domain failed outright, or whose
// individual RCPT TO/DATA outcome didn't mark them Delivered.
func remainingRecipients(original []string, results []Result) []string {
	delivered := make(map[string]bool, len(original))
	for _, r := range results {
		for _, rr := range r.Recipients {
			if rr.Delivered {
				delivered[rr.Recipient] = true
			}
		}
	}

	var remaining []string
	for _, rcpt := range original {
		if !delivered[rcpt] {
			remaining = append(remaining, rcpt)
		}
	}
	return remaining
}

// Shutdown stops the drain loop and waits for the in-flight drainOnce
// to finish or ctx to expire, whichever comes first.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
