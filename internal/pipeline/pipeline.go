package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"feedwatch/internal/config"
	"feedwatch/internal/dispatch"
	"feedwatch/internal/enrich"
	"feedwatch/internal/feed"
	"feedwatch/internal/models"
	"feedwatch/internal/store"
)

// Stats summarizes one run for logs and tests.
type Stats struct {
	Fetched        int
	Novel          int
	EnrichFailures int
	Stored         int
	StoreFailures  int
	IntentsEmitted int
}

// Pipeline executes one fetch, dedupe, enrich, persist, notify
// cycle per trigger. Sources, items, and subscribers are independent
// units of work: a failure in one never aborts its siblings.
type Pipeline struct {
	sources      []config.Source
	fetcher      *feed.Fetcher
	st           *store.Store
	enricher     *enrich.Enricher
	dispatcher   *dispatch.Dispatcher
	runTimeout   time.Duration
	reclaimAfter time.Duration
	workers      int
	log          *zap.SugaredLogger
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Sources    []config.Source
	Fetcher    *feed.Fetcher
	Store      *store.Store
	Enricher   *enrich.Enricher
	Dispatcher *dispatch.Dispatcher
	Run        config.RunConfig
	Logger     *zap.SugaredLogger
}

func New(deps Deps) *Pipeline {
	workers := deps.Run.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		sources:      deps.Sources,
		fetcher:      deps.Fetcher,
		st:           deps.Store,
		enricher:     deps.Enricher,
		dispatcher:   deps.Dispatcher,
		runTimeout:   deps.Run.Timeout(),
		reclaimAfter: deps.Run.ReclaimAfter(),
		workers:      workers,
		log:          deps.Logger,
	}
}

// Run performs a single pipeline execution. Exceeding the run budget
// abandons remaining work; everything committed so far stays committed.
func (p *Pipeline) Run(ctx context.Context, now time.Time) (Stats, error) {
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	items := p.fetcher.FetchAll(ctx, p.sources)

	var (
		mu        sync.Mutex
		stats     Stats
		processed []models.ProcessedUpdate
	)
	stats.Fetched = len(items)

	// The group is a bounded worker pool; per-item failures are counted,
	// not propagated, so one bad item cannot cancel its siblings.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			update, outcome := p.processItem(gctx, item, now)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeDuplicate, outcomeClaimFailed:
			case outcomeStoreFailed:
				stats.Novel++
				stats.StoreFailures++
			default:
				stats.Novel++
				stats.Stored++
				if outcome == outcomeDegraded {
					stats.EnrichFailures++
				}
				processed = append(processed, update)
			}
			return nil
		})
	}
	_ = g.Wait()

	intents, err := p.dispatcher.Dispatch(ctx, processed, now)
	if err != nil {
		p.log.Errorw("dispatch failed", "error", err)
	}
	stats.IntentsEmitted = len(intents)

	p.log.Infow("run complete",
		"fetched", stats.Fetched,
		"novel", stats.Novel,
		"stored", stats.Stored,
		"enrich_failures", stats.EnrichFailures,
		"store_failures", stats.StoreFailures,
		"intents", stats.IntentsEmitted)
	return stats, nil
}

type itemOutcome int

const (
	outcomeStored itemOutcome = iota
	outcomeDegraded
	outcomeDuplicate
	outcomeClaimFailed
	outcomeStoreFailed
)

// processItem claims, enriches, and persists one item. The ledger claim
// happens first so overlapping runs enrich each item at most once; the
// claim stays provisional until the store write lands.
func (p *Pipeline) processItem(ctx context.Context, item models.FeedItem, now time.Time) (models.ProcessedUpdate, itemOutcome) {
	novel, err := p.st.Claim(ctx, item.SourceID, item.ItemID, now, p.reclaimAfter)
	if err != nil {
		p.log.Errorw("ledger claim failed", "key", item.Key(), "error", err)
		return models.ProcessedUpdate{}, outcomeClaimFailed
	}
	if !novel {
		return models.ProcessedUpdate{}, outcomeDuplicate
	}

	res := p.enricher.Enrich(ctx, item)
	update := models.ProcessedUpdate{
		SourceID:    item.SourceID,
		ItemID:      item.ItemID,
		Title:       item.Title,
		Link:        item.Link,
		Topic:       item.Topic,
		Summary:     res.Summary,
		Tags:        res.Tags,
		RawBody:     item.RawBody,
		PublishedAt: item.PublishedAt,
		ProcessedAt: now,
	}

	if err := p.st.PutUpdate(ctx, update); err != nil {
		// The claim stays unstored, so the next run reclaims the item
		// once the reclaim window passes.
		p.log.Errorw("update store write failed, item will be reprocessed",
			"key", item.Key(), "error", err)
		return models.ProcessedUpdate{}, outcomeStoreFailed
	}
	if err := p.st.MarkStored(ctx, item.SourceID, item.ItemID); err != nil {
		p.log.Warnw("ledger commit mark failed", "key", item.Key(), "error", err)
	}

	if res.SummaryErr != nil {
		return update, outcomeDegraded
	}
	return update, outcomeStored
}

// RunLoop triggers a run immediately and then on every interval tick
// until the context is canceled. Scheduling beyond that is delegated to
// the host (cron, systemd timers).
func (p *Pipeline) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.Run(ctx, time.Now().UTC()); err != nil {
			p.log.Errorw("run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
