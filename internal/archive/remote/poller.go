package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/agkyra/archivesync/internal/periodic"
)

const pollInterval = 20 * time.Second

// Poller is the background "updated since" listing loop described in
// spec.md §4.2.b, built on internal/periodic the way the syncer's decide
// loop is.
type Poller struct {
	client *Client
	logger *slog.Logger
	worker *periodic.Worker
}

func newPoller(c *Client, logger *slog.Logger) *Poller {
	p := &Poller{client: c, logger: logger}
	p.worker = periodic.New(pollInterval, p.tick, logger)

	return p
}

// Start begins polling. changes is unused directly — the poller deposits
// candidate names into the client's own candidate set, which
// ListCandidateFiles drains — but Start still accepts it to satisfy
// archive.Notifier's shared contract with the local notifier, which does
// push names onto the channel.
func (p *Poller) Start(ctx context.Context, _ chan<- string) error {
	p.worker.Start(ctx)
	return nil
}

// Stop stops the poller and returns the remaining time budget.
func (p *Poller) Stop(timeout float64) float64 {
	remaining := p.worker.Stop(time.Duration(timeout * float64(time.Second)))
	return remaining.Seconds()
}

func (p *Poller) tick(ctx context.Context) {
	since := p.client.lastSeenMark()

	entries, err := p.client.listContainer(ctx, since)
	if err != nil {
		p.logger.Warn("remote poller: listing container failed", slog.String("error", err.Error()))
		return
	}

	var max time.Time

	for _, e := range entries {
		p.client.addCandidate(e.Name)

		if t, err := time.Parse(time.RFC3339, e.LastModified); err == nil && t.After(max) {
			max = t
		}
	}

	if deleted, err := p.client.deletedSince(ctx, entries); err == nil {
		for _, name := range deleted {
			p.client.addCandidate(name)
		}
	}

	if !max.IsZero() {
		p.client.advanceLastSeen(max)
	}
}
