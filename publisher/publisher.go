// Package publisher implements the scheduler daemon (component C4): a
// periodic loop that claims every due, unclaimed revision across a set of
// configured collections and pops it.
//
// Grounded on caesium/document.py's AsyncRevisionStackManager.run, and on
// the worker-pool lifecycle shape of eve's worker.Pool (start/stop over a
// ticker, one goroutine, logged-and-continued per-item failures).
package publisher

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/urbn/Caesium/caesiumid"
	"github.com/urbn/Caesium/core"
	"github.com/urbn/Caesium/revision"
	"github.com/urbn/Caesium/stack"
	"github.com/urbn/Caesium/store"
)

// Collection names a (target, revisions, previews) adapter triple the
// publisher should drain on every tick.
type Collection struct {
	Name      string
	Target    *store.Adapter
	Revisions *store.Adapter
	Previews  *store.Adapter
}

// Publisher periodically claims and pops every due revision across its
// configured collections (spec §4.4). Only one Publisher instance may run
// against a given revision collection at a time: claiming is an
// optimistic, non-atomic read-then-bulk-update and a second concurrent
// instance could double-claim.
type Publisher struct {
	collections []Collection
	interval    time.Duration
	now         stack.Clock

	lazyMigratedPublishedDefault bool

	stopCh chan struct{}
	doneCh chan struct{}
	mu     sync.Mutex
	active bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock overrides the publisher's notion of "now". Intended for tests.
func WithClock(now stack.Clock) Option {
	return func(p *Publisher) { p.now = now }
}

// WithLazyMigratedPublishedDefault propagates the scheduler's
// lazy_migrated_published_by_default setting into every Stack the
// publisher constructs.
func WithLazyMigratedPublishedDefault(v bool) Option {
	return func(p *Publisher) { p.lazyMigratedPublishedDefault = v }
}

// New returns a Publisher that drains collections every interval.
func New(collections []Collection, interval time.Duration, opts ...Option) *Publisher {
	p := &Publisher{
		collections: collections,
		interval:    interval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the publisher's tick loop in a background goroutine. It
// returns immediately; call Stop to shut the loop down.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop blocks until the current tick (if any) finishes and the loop exits.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Tick claims and pops every due revision across every configured
// collection once. Exported so callers (and tests) can drive a single pass
// without waiting on the ticker.
func (p *Publisher) Tick(ctx context.Context) {
	p.tick(ctx)
}

func (p *Publisher) tick(ctx context.Context) {
	now := p.now().Unix()

	for _, col := range p.collections {
		due, err := col.Revisions.Find(ctx, store.FindQuery{
			Filter: bson.M{
				"collection": col.Name,
				"processed":  false,
				"inProcess":  false,
				"toa":        bson.M{"$lt": now},
			},
			OrderBy:   "toa",
			Direction: store.Ascending,
		})
		if err != nil {
			core.Error("publisher: failed to scan due revisions",
				zap.String("collection", col.Name), zap.Error(err))
			continue
		}
		if len(due) == 0 {
			continue
		}

		masterIDs := make([]string, 0, len(due))
		seen := make(map[string]struct{}, len(due))
		for _, doc := range due {
			masterID, _ := doc["master_id"].(string)
			if masterID == "" {
				continue
			}
			if _, ok := seen[masterID]; ok {
				continue
			}
			seen[masterID] = struct{}{}
			masterIDs = append(masterIDs, masterID)
		}

		// Claim every due revision for these masters in one round trip so
		// a second publisher instance polling concurrently is less likely
		// to pop the same revision twice. This is optimistic, not a lock:
		// it is only safe under the single-publisher-instance precondition
		// documented on Publisher.
		if _, err := col.Revisions.BulkSet(ctx, bson.M{
			"collection": col.Name,
			"processed":  false,
			"master_id":  bson.M{"$in": masterIDs},
			"toa":        bson.M{"$lt": now},
		}, bson.M{"inProcess": true}); err != nil {
			core.Error("publisher: failed to claim due revisions",
				zap.String("collection", col.Name), zap.Error(err))
			continue
		}

		for _, masterID := range masterIDs {
			id, err := caesiumid.FromHex(masterID)
			if err != nil {
				core.Error("publisher: malformed master id in claimed revision",
					zap.String("collection", col.Name), zap.String("master_id", masterID), zap.Error(err))
				continue
			}

			s := stack.New(col.Name, id, col.Target, col.Revisions, col.Previews,
				stack.WithClock(p.now),
				stack.WithLazyMigratedPublishedDefault(p.lazyMigratedPublishedDefault))

			for {
				popped, err := s.Pop(ctx)
				if err != nil {
					core.Error("publisher: pop failed",
						zap.String("collection", col.Name), zap.String("master_id", masterID), zap.Error(err))
					break
				}
				if popped == nil {
					break
				}
				logPopped(col.Name, masterID, popped)
			}
		}
	}
}

func logPopped(collection, masterID string, rec *revision.Record) {
	core.Info("publisher: popped revision",
		zap.String("collection", collection),
		zap.String("master_id", masterID),
		zap.String("revision_id", rec.ID.Hex()),
		zap.String("action", string(rec.Action)))
}
