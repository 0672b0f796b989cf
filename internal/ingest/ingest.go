package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// Source lists the posts the orchestrator may need to turn into review tasks.
// A transient listing failure means "no events this tick", never a crash.
type Source interface {
	ListReminderEvents(ctx context.Context) ([]domain.ReminderEvent, error)
}

// Result summarizes one ingestion pass
type Result struct {
	Created    []int64 // ids of newly created tasks
	Skipped    int     // events without a reminder marker or a resolvable PR
	Duplicates int     // events that already have a task
}

// Pipeline converts reminder events into pending review tasks. Ingestion is
// idempotent: an event whose post already has a task is left untouched, so
// the pipeline is safe to run on every poll tick.
type Pipeline struct {
	source Source
	store  *taskstore.Store
	logger *log.Logger
}

// New creates an ingestion pipeline
func New(source Source, store *taskstore.Store, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{source: source, store: store, logger: logger}
}

// Ingest fetches events and creates at most one task per event
func (p *Pipeline) Ingest(ctx context.Context) (Result, error) {
	var res Result

	events, err := p.source.ListReminderEvents(ctx)
	if err != nil {
		return res, err
	}

	for _, event := range events {
		if !event.HasReminder {
			res.Skipped++
			continue
		}
		pr, ok := domain.ExtractPullRequestRef(event.Content)
		if !ok {
			// Unresolvable references are dropped, not retried
			res.Skipped++
			continue
		}

		task, err := p.store.Create(&domain.Task{
			SlackPostID:    event.PostID,
			SlackChannelID: event.ChannelID,
			SlackMessageTS: event.MessageTS,
			AuthorName:     event.AuthorName,
			PostContent:    event.Content,
			PR:             &pr,
		})
		if errors.Is(err, taskstore.ErrAlreadyExists) {
			res.Duplicates++
			continue
		}
		if err != nil {
			return res, err
		}
		res.Created = append(res.Created, task.ID)
	}

	return res, nil
}

// Run ingests immediately and then on a fixed interval until ctx is done.
// Source failures are logged and deferred to the next tick.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Posts already waiting at startup should not sit out a full interval
	p.ingestTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ingestTick(ctx)
		}
	}
}

func (p *Pipeline) ingestTick(ctx context.Context) {
	res, err := p.Ingest(ctx)
	if err != nil {
		p.logger.Printf("ingest: %v", err)
		return
	}
	if len(res.Created) > 0 {
		p.logger.Printf("ingest: created %d tasks (%d skipped, %d already known)",
			len(res.Created), res.Skipped, res.Duplicates)
	}
}
