package cache

import "github.com/VictoriaMetrics/metrics"

var (
	hitCounter      = metrics.GetOrCreateCounter("requestcache_hits_total")
	missCounter     = metrics.GetOrCreateCounter("requestcache_misses_total")
	joinCounter     = metrics.GetOrCreateCounter("requestcache_dedup_joins_total")
	retryCounter    = metrics.GetOrCreateCounter("requestcache_retries_total")
	failureCounter  = metrics.GetOrCreateCounter("requestcache_failures_total")
	dispatchSeconds = metrics.GetOrCreateHistogram("requestcache_dispatch_seconds")
)

// Stats is a point-in-time view of one Cache.
type Stats struct {
	EntryCount        int
	CompressedEntries int
	StoredBytes       int64
	PendingRequests   int
	Hits              uint64
	Misses            uint64
	DedupJoins        uint64
	Retries           uint64
	Dispatches        uint64
	CompressionRatio  float64
}

// Stats reports entry and traffic counters. Expired entries that have not
// been looked up yet are still counted.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	var totalOriginalSize, totalCompressedSize int64
	for _, entry := range c.entries {
		s.EntryCount++
		s.StoredBytes += int64(len(entry.Value))
		if entry.Compressed {
			s.CompressedEntries++
			totalOriginalSize += int64(entry.Size)
			totalCompressedSize += int64(len(entry.Value))
		}
	}
	if totalOriginalSize > 0 {
		s.CompressionRatio = float64(totalCompressedSize) / float64(totalOriginalSize)
	}
	s.PendingRequests = len(c.pending)
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.DedupJoins = c.joins.Load()
	s.Retries = c.retries.Load()
	s.Dispatches = c.dispatches.Load()
	return s
}
