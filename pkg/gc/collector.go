// Package gc removes datastore objects that no committed snapshot
// references.
//
// Objects become unreferenced when:
//   - A snapshot is forgotten (its chunks stay behind)
//   - A backup session ends without committing (its indexes, blobs and
//     chunks stay behind)
//   - A crash interrupts a commit between the object writes and the
//     catalog update
//
// Collection refuses to run while backup connections are open on the
// server, since their chunks are not yet referenced by any index.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/datastore"
)

// ErrBackupsActive is returned when a run is attempted while backup
// connections are open.
var ErrBackupsActive = errors.New("backup sessions in progress")

// Collector performs garbage collection on one datastore.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	server *datastore.Server
	config Config
	stopCh chan struct{}
	doneCh chan struct{}

	started atomic.Bool
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether periodic collection runs (default: false)
	Enabled bool

	// Interval is how often to run garbage collection (default: 24h)
	Interval time.Duration

	// BatchSize is how many objects to delete per batch (default: 1000)
	// S3 supports up to 1000 objects per DeleteObjects call
	BatchSize int

	// DryRun logs what would be deleted without deleting it
	DryRun bool
}

// NewCollector creates a collector for server. Call Start for periodic
// collection or RunNow for a single pass.
func NewCollector(server *datastore.Server, config Config) (*Collector, error) {
	if server == nil {
		return nil, fmt.Errorf("gc: server is required")
	}
	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}

	return &Collector{
		server: server,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins periodic collection in the background. It is a no-op when
// collection is disabled.
func (c *Collector) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled")
		close(c.doneCh)
		return
	}

	logger.Info("Starting garbage collector: interval=%s batch_size=%d dry_run=%v",
		c.config.Interval, c.config.BatchSize, c.config.DryRun)

	go c.worker()
}

// Stop stops the background worker and waits for a running pass to end.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		logger.Warn("Garbage collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one collection pass and blocks until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running garbage collection (manual trigger)...")
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			switch {
			case errors.Is(err, ErrBackupsActive):
				logger.Info("Garbage collection skipped: %v", err)
			case err != nil:
				logger.Error("Garbage collection failed: %v", err)
			default:
				logger.Info("Garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect performs a single pass:
//  1. Collect the digests referenced by committed snapshot indexes
//  2. List chunk objects and select the unreferenced ones
//  3. List snapshot objects whose snapshot was never committed
//  4. Batch delete the selection
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	if n := c.server.ActiveBackups(); n > 0 {
		return stats, fmt.Errorf("%w: %d open", ErrBackupsActive, n)
	}

	store := c.server.Store()

	logger.Info("GC: Phase 1 - Collecting referenced chunks...")
	referenced, err := c.server.ReferencedChunks(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to collect referenced chunks: %w", err)
	}
	stats.ReferencedCount = uint64(len(referenced))

	committed, err := c.server.CommittedSnapshotPrefixes(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list snapshots: %w", err)
	}

	logger.Info("GC: Phase 2 - Scanning chunk objects...")
	chunks, err := store.List(ctx, datastore.ChunkPrefix)
	if err != nil {
		return stats, fmt.Errorf("failed to list chunks: %w", err)
	}
	stats.ExistingCount = uint64(len(chunks))

	var orphaned []string
	for i, key := range chunks {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		d, ok := datastore.DigestFromKey(key)
		if !ok {
			logger.Warn("GC: ignoring unexpected object %s", key)
			continue
		}
		if _, live := referenced[d]; !live {
			orphaned = append(orphaned, key)
		}
	}
	stats.OrphanedCount = uint64(len(orphaned))

	logger.Info("GC: Phase 3 - Scanning snapshot objects...")
	objects, err := store.List(ctx, datastore.SnapshotPrefix)
	if err != nil {
		return stats, fmt.Errorf("failed to list snapshot objects: %w", err)
	}
	for _, key := range objects {
		prefix, ok := datastore.SnapshotPrefixOf(key)
		if !ok {
			continue
		}
		if _, live := committed[prefix]; !live {
			orphaned = append(orphaned, key)
			stats.StaleObjectCount++
		}
	}

	if len(orphaned) == 0 {
		logger.Info("GC: No orphaned objects found")
		return stats, nil
	}

	logger.Info("GC: Found %d orphaned chunks and %d stale snapshot objects",
		stats.OrphanedCount, stats.StaleObjectCount)

	if c.config.DryRun {
		logger.Info("GC: DRY RUN - Would delete %d objects:", len(orphaned))
		for i, key := range orphaned {
			if i < 10 {
				logger.Info("  - %s", key)
			}
		}
		if len(orphaned) > 10 {
			logger.Info("  ... and %d more", len(orphaned)-10)
		}
		return stats, nil
	}

	logger.Info("GC: Phase 4 - Deleting in batches of %d...", c.config.BatchSize)

	for i := 0; i < len(orphaned); i += c.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := min(i+c.config.BatchSize, len(orphaned))
		batch := orphaned[i:end]

		failures, err := store.DeleteBatch(ctx, batch)
		if err != nil {
			logger.Warn("GC: Batch delete failed: %v", err)
			stats.FailedCount += uint64(len(batch))
			continue
		}

		stats.DeletedCount += uint64(len(batch) - len(failures))
		stats.FailedCount += uint64(len(failures))

		for key, ferr := range failures {
			logger.Debug("GC: Failed to delete %s: %v", key, ferr)
		}
	}

	logger.Info("GC: Completed - deleted %d objects, %d failed, duration=%s",
		stats.DeletedCount, stats.FailedCount, time.Since(stats.StartTime))

	return stats, nil
}

// Stats contains statistics from a garbage collection run.
type Stats struct {
	StartTime        time.Time // When collection started
	EndTime          time.Time // When collection ended
	ReferencedCount  uint64    // Chunks referenced by committed snapshots
	ExistingCount    uint64    // Chunk objects in the store
	OrphanedCount    uint64    // Unreferenced chunk objects
	StaleObjectCount uint64    // Objects of uncommitted snapshots
	DeletedCount     uint64    // Objects successfully deleted
	FailedCount      uint64    // Objects that failed to delete
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("referenced=%d existing=%d orphaned=%d stale=%d deleted=%d failed=%d duration=%s",
		s.ReferencedCount, s.ExistingCount, s.OrphanedCount, s.StaleObjectCount,
		s.DeletedCount, s.FailedCount, s.Duration())
}
