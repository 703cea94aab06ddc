/*
retention.go - Idempotency record retention

PURPOSE:
  Idempotency records have no expiry of their own. Deployments that want
  one run a RetentionSweeper, which periodically deletes records older than
  TTL. Movements are never touched.

  A purged key is forgotten: a retry with that key after the purge is
  treated as a new request.

CONFIGURATION:
  - TTL: Age after which records are purged (0 disables the sweeper)
  - Interval: How often to sweep (default: 1 hour)

USAGE:
  sweeper := NewRetentionSweeper(store, 7*24*time.Hour, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/warp/stock-engine/ledger"
	"go.uber.org/zap"
)

const DefaultRetentionInterval = time.Hour

// RetentionSweeper purges expired idempotency records in the background.
type RetentionSweeper struct {
	Store    ledger.Store
	TTL      time.Duration
	Interval time.Duration

	logger *zap.Logger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRetentionSweeper(store ledger.Store, ttl time.Duration, logger *zap.Logger) *RetentionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionSweeper{
		Store:    store,
		TTL:      ttl,
		Interval: DefaultRetentionInterval,
		logger:   logger,
		now:      time.Now,
	}
}

func (rs *RetentionSweeper) Enabled() bool {
	return rs.TTL > 0
}

// Start begins sweeping. It is a no-op when the sweeper is disabled or
// already running.
func (rs *RetentionSweeper) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled() {
		rs.logger.Info("retention sweeper disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	interval := rs.Interval
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	rs.ticker = time.NewTicker(interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.logger.Info("retention sweeper started",
		zap.Duration("ttl", rs.TTL),
		zap.Duration("interval", interval))
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (rs *RetentionSweeper) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.logger.Info("retention sweeper stopped")
}

func (rs *RetentionSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	rs.sweep()

	for {
		select {
		case <-ticker.C:
			rs.sweep()
		case <-stop:
			return
		}
	}
}

func (rs *RetentionSweeper) sweep() {
	if _, err := rs.RunNow(context.Background()); err != nil {
		rs.logger.Error("retention sweep failed", zap.Error(err))
	}
}

// RunNow purges once and returns the number of records removed.
func (rs *RetentionSweeper) RunNow(ctx context.Context) (int64, error) {
	if !rs.Enabled() {
		return 0, nil
	}
	cutoff := rs.now().Add(-rs.TTL)
	n, err := rs.Store.PurgeIdempotencyRecords(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		rs.logger.Info("purged idempotency records", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
