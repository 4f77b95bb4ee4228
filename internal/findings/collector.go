// internal/findings/collector.go
package findings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/config"
)

// Collector ingests findings from the hunt loop, batches them, and persists
// them to Postgres when a pool is configured. It also keeps every finding of
// the run in memory so the reporter can render the final report without a
// database round-trip.
type Collector struct {
	inputChan <-chan schemas.Finding
	// dbPool is used directly for efficient batch inserts (pgx.CopyFrom). A
	// nil pool disables persistence; collection still works.
	dbPool *pgxpool.Pool
	logger *zap.Logger
	cfg    config.FindingsConfig

	buffer []schemas.Finding
	all    []schemas.Finding
	mu     sync.Mutex
	wg     sync.WaitGroup

	flushSignal chan struct{}
	stopSignal  chan struct{}
}

// NewCollector initializes a collector reading from inputChan. dbPool may be
// nil when no database is configured.
func NewCollector(inputChan <-chan schemas.Finding, dbPool *pgxpool.Pool, logger *zap.Logger, cfg config.FindingsConfig) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}

	return &Collector{
		inputChan:   inputChan,
		dbPool:      dbPool,
		logger:      logger.Named("findings"),
		cfg:         cfg,
		buffer:      make([]schemas.Finding, 0, cfg.BatchSize),
		flushSignal: make(chan struct{}, 1),
		stopSignal:  make(chan struct{}),
	}
}

// Start runs the main collection loop until Stop is called or ctx is
// cancelled. Call it from its own goroutine.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	c.logger.Debug("Findings collector started",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("flush_interval", c.cfg.FlushInterval))

	for {
		select {
		case finding, ok := <-c.inputChan:
			if !ok {
				c.flush()
				return
			}
			c.ingest(finding)

		case <-ticker.C:
			c.flush()

		case <-c.flushSignal:
			c.flush()

		case <-ctx.Done():
			c.logger.Warn("Context cancelled, flushing remaining findings")
			c.drainChannel()
			c.flush()
			return

		case <-c.stopSignal:
			c.drainChannel()
			c.flush()
			return
		}
	}
}

// drainChannel consumes whatever is still queued on the input channel.
func (c *Collector) drainChannel() {
	for {
		select {
		case finding, ok := <-c.inputChan:
			if !ok {
				return
			}
			c.ingest(finding)
		default:
			return
		}
	}
}

// ingest buffers a finding and triggers a flush once the batch fills up.
func (c *Collector) ingest(finding schemas.Finding) {
	if finding.ObservedAt.IsZero() {
		finding.ObservedAt = time.Now().UTC()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, finding)
	c.all = append(c.all, finding)
	bufferLen := len(c.buffer)
	c.mu.Unlock()

	if bufferLen >= c.cfg.BatchSize {
		select {
		case c.flushSignal <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns a copy of every finding collected so far, in arrival order.
func (c *Collector) Snapshot() []schemas.Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schemas.Finding, len(c.all))
	copy(out, c.all)
	return out
}

// flush hands the current buffer to the persistence path.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	toPersist := make([]schemas.Finding, len(c.buffer))
	copy(toPersist, c.buffer)
	c.buffer = c.buffer[:0]
	c.mu.Unlock()

	c.wg.Add(1)
	go func(batch []schemas.Finding) {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.persistBatch(ctx, batch); err != nil {
			c.logger.Error("Failed to persist findings batch",
				zap.Error(err), zap.Int("batch_size", len(batch)))
		}
	}(toPersist)
}

// persistBatch inserts the batch with pgx.CopyFrom. Running without a
// database is a supported mode, not an error.
func (c *Collector) persistBatch(ctx context.Context, batch []schemas.Finding) error {
	if c.dbPool == nil {
		c.logger.Debug("No database pool configured, keeping findings in memory only",
			zap.Int("count", len(batch)))
		return nil
	}

	rows := make([][]interface{}, 0, len(batch))
	for _, f := range batch {
		if f.RunID == "" {
			// Findings must correlate to a run.
			c.logger.Warn("Finding missing run id, skipping persistence",
				zap.String("finding_id", f.ID), zap.String("module", f.Module))
			continue
		}

		evidence := f.Evidence
		if len(evidence) == 0 || string(evidence) == "null" {
			evidence = []byte("{}")
		}

		rows = append(rows, []interface{}{
			f.ID, f.RunID,
			f.Target, f.Module, f.VulnerabilityName,
			string(f.Severity), f.Description,
			string(evidence),
			f.Recommendation, f.CWE,
			f.Payload, f.Fingerprint,
			f.ObservedAt,
		})
	}

	if len(rows) == 0 {
		return nil
	}

	copyCount, err := c.dbPool.CopyFrom(
		ctx,
		pgx.Identifier{"findings"},
		[]string{"id", "run_id", "target", "module", "vulnerability", "severity", "description", "evidence", "recommendation", "cwe", "payload", "fingerprint", "observed_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy findings batch: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(rows), copyCount)
	}

	c.logger.Debug("Persisted findings batch", zap.Int("count", len(rows)))
	return nil
}

// Stop drains the input channel, flushes the buffer and waits for in-flight
// persistence to finish. Safe to call more than once.
func (c *Collector) Stop() {
	select {
	case <-c.stopSignal:
	default:
		close(c.stopSignal)
	}
	c.wg.Wait()
	c.logger.Debug("Findings collector stopped")
}
