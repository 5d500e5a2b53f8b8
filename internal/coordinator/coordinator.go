// Package coordinator drives the tick loop: ingest observations, match
// alerts, process due escalations, and execute queued purchases.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ticketwatch/internal/config"
	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/escalation"
	"ticketwatch/internal/feed"
	"ticketwatch/internal/matcher"
	"ticketwatch/internal/models"
	"ticketwatch/internal/purchase"
	"ticketwatch/internal/queue"
	"ticketwatch/internal/store"
)

// Coordinator wires the pipeline together and owns the worker pools.
// Notification and purchase work run on separate pools so a flood of one
// cannot starve the other; purchases additionally get one pool per
// platform when configured.
type Coordinator struct {
	store        store.DataStore
	feed         feed.Feed
	matcher      *matcher.Matcher
	scheduler    *escalation.Scheduler
	queue        *queue.Queue
	orchestrator *purchase.Orchestrator
	cfg          config.CoordinatorConfig
	logger       zerolog.Logger
	now          func() time.Time

	notifyPool *workerPool

	mu            sync.Mutex
	purchasePools map[string]*workerPool
	started       bool
}

// New creates a coordinator.
func New(st store.DataStore, fd feed.Feed, m *matcher.Matcher, sched *escalation.Scheduler, q *queue.Queue, orch *purchase.Orchestrator, cfg config.CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:         st,
		feed:          fd,
		matcher:       m,
		scheduler:     sched,
		queue:         q,
		orchestrator:  orch,
		cfg:           cfg,
		logger:        logger.With().Str("component", "coordinator").Logger(),
		now:           time.Now,
		notifyPool:    newWorkerPool(cfg.NotifyWorkers),
		purchasePools: make(map[string]*workerPool),
	}
}

// Start brings the worker pools up.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.notifyPool.start()
}

// Stop drains and stops the worker pools.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	pools := make([]*workerPool, 0, len(c.purchasePools))
	for _, p := range c.purchasePools {
		pools = append(pools, p)
	}
	c.mu.Unlock()

	c.notifyPool.stop()
	for _, p := range pools {
		p.stop()
	}
}

// Run executes ticks on the configured interval until the context ends.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.cfg.TickInterval).Msg("coordinator running")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("coordinator stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.logger.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// RunOnce performs a single tick and waits for all spawned work to finish.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	c.Start()
	err := c.Tick(ctx)
	c.notifyPool.drain()
	c.mu.Lock()
	pools := make([]*workerPool, 0, len(c.purchasePools))
	for _, p := range c.purchasePools {
		pools = append(pools, p)
	}
	c.mu.Unlock()
	for _, p := range pools {
		p.drain()
	}
	c.Stop()
	return err
}

// Tick runs one pass of the pipeline: sweeps, ingestion and matching, due
// escalations, then purchase dequeues.
func (c *Coordinator) Tick(ctx context.Context) error {
	c.sweep(ctx)

	if err := c.ingest(ctx); err != nil {
		c.logger.Error().Err(err).Msg("ingestion failed")
	}

	if err := c.processEscalations(ctx); err != nil {
		c.logger.Error().Err(err).Msg("escalation processing failed")
	}

	if err := c.processPurchases(ctx); err != nil {
		c.logger.Error().Err(err).Msg("purchase processing failed")
	}

	return nil
}

// stuckClaimCeiling bounds how long an escalation may sit in dispatching
// before its claim is presumed lost to a crash. Far above any send
// timeout, so only dead workers are evicted.
const stuckClaimCeiling = 5 * time.Minute

// sweep runs the periodic maintenance passes.
func (c *Coordinator) sweep(ctx context.Context) {
	if expired, err := c.store.ExpireAlerts(ctx, c.now()); err != nil {
		c.logger.Error().Err(err).Msg("alert expiry sweep failed")
	} else if expired > 0 {
		c.logger.Info().Int64("count", expired).Msg("alerts expired")
	}

	if released, err := c.store.ReleaseStuckEscalations(ctx, c.now().Add(-stuckClaimCeiling), c.now()); err != nil {
		c.logger.Error().Err(err).Msg("stuck escalation release failed")
	} else if released > 0 {
		c.logger.Warn().Int64("count", released).Msg("stuck escalation claims released")
	}

	if _, err := c.queue.SweepExpired(ctx); err != nil {
		c.logger.Error().Err(err).Msg("queue expiry sweep failed")
	}

	if reaped, err := c.orchestrator.ReapStale(ctx); err != nil {
		c.logger.Error().Err(err).Msg("stale attempt reap failed")
	} else if reaped > 0 {
		c.logger.Warn().Int("count", reaped).Msg("stale purchase attempts reaped")
	}
}

// ingest polls the feed, persists observations, and turns matches into
// escalations and auto-purchase intents.
func (c *Coordinator) ingest(ctx context.Context) error {
	observations, err := c.feed.Poll(ctx)
	if err != nil {
		return err
	}
	if limit := c.cfg.ObservationLimit; limit > 0 && len(observations) > limit {
		observations = observations[:limit]
	}

	for _, obs := range observations {
		if err := c.store.SaveObservation(ctx, obs); err != nil {
			c.logger.Error().Err(err).Str("ticket_id", obs.TicketID).Msg("failed to save observation")
			continue
		}

		matches, err := c.matcher.Match(ctx, obs)
		if err != nil {
			c.logger.Error().Err(err).Str("ticket_id", obs.TicketID).Msg("matching failed")
			continue
		}

		for _, match := range matches {
			if _, err := c.scheduler.ScheduleFromMatch(ctx, match); err != nil {
				c.logger.Error().Err(err).Str("alert_id", match.Alert.ID).Msg("failed to schedule escalation")
			}
			if match.Alert.AutoPurchase {
				if _, err := c.queue.EnqueueFromMatch(ctx, match); err != nil {
					c.logger.Error().Err(err).Str("alert_id", match.Alert.ID).Msg("failed to enqueue auto-purchase")
				}
			}
		}
	}

	return nil
}

// processEscalations hands every due escalation to the notify pool.
func (c *Coordinator) processEscalations(ctx context.Context) error {
	due, err := c.store.DueEscalations(ctx, c.now(), c.cfg.DispatchBatch)
	if err != nil {
		return err
	}

	for i := range due {
		esc := due[i]
		submitted := c.notifyPool.submit(func() {
			if err := c.scheduler.Process(ctx, &esc); err != nil {
				c.logger.Error().Err(err).Str("escalation_id", esc.ID).Msg("escalation step failed")
			}
		})
		if !submitted {
			// Pool saturated; the escalation stays due for the next tick
			break
		}
	}

	return nil
}

// processPurchases claims eligible entries and hands each to its
// platform's pool.
func (c *Coordinator) processPurchases(ctx context.Context) error {
	limit := c.cfg.PurchaseBatch
	if limit <= 0 {
		limit = 20
	}

	for i := 0; i < limit; i++ {
		entry, err := c.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		e := entry
		submitted := c.platformPool(e.Platform).submit(func() {
			if err := c.orchestrator.Execute(ctx, e); err != nil {
				c.logger.Error().Err(err).Str("entry_id", e.ID).Msg("purchase execution failed")
			}
		})
		if !submitted {
			// Give the claim back so another tick can pick it up
			if err := c.store.RequeueEntry(ctx, e.ID, c.now()); err != nil && err != apperrors.ErrConflict {
				c.logger.Error().Err(err).Str("entry_id", e.ID).Msg("failed to requeue unclaimed entry")
			}
			return nil
		}
	}

	return nil
}

// platformPool returns the purchase pool for a platform, creating it with
// the per-platform worker count when configured.
func (c *Coordinator) platformPool(platform string) *workerPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.purchasePools[platform]; ok {
		return p
	}
	workers := c.cfg.PurchaseWorkers
	if override, ok := c.cfg.PlatformWorkers[platform]; ok && override > 0 {
		workers = override
	}
	p := newWorkerPool(workers)
	if c.started {
		p.start()
	}
	c.purchasePools[platform] = p
	return p
}

// EnqueueObservation pushes a single observation through ingestion outside
// the tick loop, used by the CLI.
func (c *Coordinator) EnqueueObservation(ctx context.Context, obs models.TicketObservation) error {
	if err := c.store.SaveObservation(ctx, obs); err != nil {
		return err
	}
	matches, err := c.matcher.Match(ctx, obs)
	if err != nil {
		return err
	}
	for _, match := range matches {
		if _, err := c.scheduler.ScheduleFromMatch(ctx, match); err != nil {
			return err
		}
		if match.Alert.AutoPurchase {
			if _, err := c.queue.EnqueueFromMatch(ctx, match); err != nil {
				return err
			}
		}
	}
	return nil
}
