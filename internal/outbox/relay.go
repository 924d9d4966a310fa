package outbox

import (
	"context"
	"time"

	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/metrics"
	"github.com/novasocial/messaging/internal/repository"
	"github.com/novasocial/messaging/pkg/log"
)

// BatchPublisher sends a claimed batch to the broker and reports per-event
// outcomes.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, events []domain.OutboxEvent) repository.BatchResult
}

// Relay drains the outbox: claim a batch under row locks, publish, record
// outcomes, sleep, repeat. Publish failures back off exponentially; rows past
// the retry budget are dead-lettered by the repository and skipped here.
type Relay struct {
	repo      repository.OutboxRepository
	publisher BatchPublisher

	batchSize    int
	maxRetries   int
	pollInterval time.Duration
}

func NewRelay(repo repository.OutboxRepository, publisher BatchPublisher, batchSize, maxRetries int, pollInterval time.Duration) *Relay {
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		pollInterval: pollInterval,
	}
}

const (
	relayMaxBackoff = 5 * time.Minute

	// drainTimeout bounds one claim-and-publish cycle. It is the shutdown
	// budget: a cycle in flight when ctx is cancelled runs to completion
	// under this deadline instead of aborting mid-batch.
	drainTimeout = 30 * time.Second
)

// Backoff returns the delay before the nth consecutive failed cycle: 1s, 2s,
// 4s, doubling up to five minutes.
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := time.Second
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= relayMaxBackoff {
			return relayMaxBackoff
		}
	}
	return d
}

// Run drains until ctx is cancelled. On cancellation the in-flight batch
// finishes before returning, so claimed rows are never abandoned mid-publish.
func (r *Relay) Run(ctx context.Context) error {
	logger := log.WithComponent("outbox")
	failures := 0

	for {
		published, err := r.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := Backoff(failures)
			logger.Error().Err(err).Int("failures", failures).Dur("backoff", delay).Msg("relay cycle failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		if published > 0 {
			// A full batch probably means backlog; drain without sleeping.
			if published >= r.batchSize {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *Relay) cycle(ctx context.Context) (int, error) {
	// Detached from cancellation: aborting a claimed batch mid-publish would
	// roll back the outcome updates and inflate retry counts on every
	// shutdown. The loop in Run observes ctx after the cycle returns.
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	published, err := r.repo.ClaimAndProcess(cycleCtx, r.batchSize, r.maxRetries, func(events []domain.OutboxEvent) repository.BatchResult {
		result := r.publisher.PublishBatch(cycleCtx, events)
		metrics.OutboxPublished.Add(float64(len(result.Published)))
		metrics.OutboxFailed.Add(float64(len(result.Failed)))
		for id, reason := range result.Failed {
			log.WithComponent("outbox").Warn().
				Str("event_id", id.String()).
				Str("reason", reason).
				Msg("event publish failed")
		}
		return result
	})
	if err != nil {
		return 0, err
	}

	if pending, oldestAge, statsErr := r.repo.PendingStats(cycleCtx); statsErr == nil {
		metrics.OutboxPending.Set(float64(pending))
		metrics.OutboxOldestAgeSeconds.Set(float64(oldestAge))
	}
	return published, nil
}
