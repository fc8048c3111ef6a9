package metrics

import (
	"time"

	"github.com/cuemby/ciforge/pkg/storage"
)

// Collector periodically samples the store and refreshes the gauge
// metrics that can't be kept current incrementally (job counts by
// status), following the teacher's collect-immediately-then-tick pattern.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats, err := c.store.Stats()
	if err != nil {
		return
	}
	for status, count := range stats.JobsByStatus {
		JobsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
