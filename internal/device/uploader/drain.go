package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zteffi86/permia/internal/device/queue"
	"github.com/zteffi86/permia/pkg/platform/sentinel"
)

// Store is the slice of the queue the drainer needs.
type Store interface {
	NextPending(ctx context.Context, now time.Time, limit int) ([]*queue.Item, error)
	MarkUploading(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, serverHash, storageURI string) error
	MarkFailed(ctx context.Context, id int64, cause string, retryAt time.Time, permanent bool) error
}

// Sender performs one upload attempt.
type Sender interface {
	Upload(ctx context.Context, item *queue.Item) (*Result, error)
}

// Drainer pushes pending items to the server. Items for one application are
// sent serially in capture order; distinct applications drain in parallel up
// to the concurrency limit.
type Drainer struct {
	store       Store
	sender      Sender
	backoff     queue.Backoff
	concurrency int
	batchSize   int
	logger      *slog.Logger
}

func NewDrainer(store Store, sender Sender, backoff queue.Backoff, concurrency int, logger *slog.Logger) *Drainer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Drainer{
		store:       store,
		sender:      sender,
		backoff:     backoff,
		concurrency: concurrency,
		batchSize:   64,
		logger:      logger,
	}
}

// Run drains on the given interval until the context is canceled.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("drain pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce processes everything currently due and reports how many items
// completed.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	items, err := d.store.NextPending(ctx, time.Now(), d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending items: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	// Group by application, preserving capture order within each group.
	groups := make(map[string][]*queue.Item)
	var order []string
	for _, item := range items {
		if _, seen := groups[item.ApplicationID]; !seen {
			order = append(order, item.ApplicationID)
		}
		groups[item.ApplicationID] = append(groups[item.ApplicationID], item)
	}

	completed := make(chan int, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, appID := range order {
		group := groups[appID]
		g.Go(func() error {
			n, err := d.drainApplication(gctx, group)
			completed <- n
			return err
		})
	}
	err = g.Wait()
	close(completed)

	total := 0
	for n := range completed {
		total += n
	}
	return total, err
}

// drainApplication sends one application's items in order. A retryable
// failure stops the group: later items wait so ordering survives outages.
func (d *Drainer) drainApplication(ctx context.Context, items []*queue.Item) (int, error) {
	completed := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		switch err := d.store.MarkUploading(ctx, item.ID); {
		case errors.Is(err, sentinel.ErrInvalidState):
			// Claimed elsewhere or already terminal.
			continue
		case err != nil:
			return completed, err
		}

		res, err := d.sender.Upload(ctx, item)
		if err != nil {
			// The attempt never produced a response; release back for
			// retry and stop the group.
			retryAt := time.Now().Add(d.backoff.Delay(item.Attempts + 1))
			if markErr := d.store.MarkFailed(ctx, item.ID, err.Error(), retryAt, false); markErr != nil {
				return completed, markErr
			}
			return completed, nil
		}

		switch res.Outcome {
		case OutcomeCompleted:
			if err := d.store.MarkCompleted(ctx, item.ID, res.ServerHash, res.StorageURI); err != nil {
				return completed, err
			}
			completed++
			d.logger.Info("evidence uploaded",
				"evidence_id", item.EvidenceID,
				"application_id", item.ApplicationID,
				"detail", res.Detail,
			)
		case OutcomePermanent:
			if err := d.store.MarkFailed(ctx, item.ID, res.Detail, time.Time{}, true); err != nil {
				return completed, err
			}
			d.logger.Warn("evidence permanently rejected",
				"evidence_id", item.EvidenceID,
				"detail", res.Detail,
			)
			// A rejection is specific to this item; the rest of the
			// application's items still go.
		case OutcomeRetry:
			attempts := item.Attempts + 1
			permanent := d.backoff.Exhausted(attempts)
			delay := d.backoff.Delay(attempts)
			// A server-directed wait (throttling) overrides a shorter
			// local backoff.
			if res.RetryAfter > delay {
				delay = res.RetryAfter
			}
			retryAt := time.Now().Add(delay)
			if err := d.store.MarkFailed(ctx, item.ID, res.Detail, retryAt, permanent); err != nil {
				return completed, err
			}
			d.logger.Warn("evidence upload failed, will retry",
				"evidence_id", item.EvidenceID,
				"attempts", attempts,
				"permanent", permanent,
				"detail", res.Detail,
			)
			// Preserve order: nothing later in this application moves
			// until this item resolves.
			return completed, nil
		}
	}
	return completed, nil
}
