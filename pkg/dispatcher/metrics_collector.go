package dispatcher

import (
	"time"

	"github.com/necrocode/engine/pkg/metrics"
)

// MetricsCollector periodically snapshots Dispatcher-owned state into
// Prometheus gauges that the tick-driven code paths don't already update
// inline (queue wait-time distribution). Grounded on the teacher's
// pkg/metrics/collector.go Collector: a ticked Start/Stop goroutine
// calling a collect() pass.
type MetricsCollector struct {
	queue    *TaskQueue
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector returns a MetricsCollector sampling queue state every
// interval (the teacher defaults to 15s; dispatcher reuses that default
// when interval is zero).
func NewMetricsCollector(queue *TaskQueue, interval time.Duration) *MetricsCollector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{queue: queue, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the sampling loop.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
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

// Stop ends the sampling loop.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	metrics.QueueSize.Set(float64(c.queue.Len()))
	if age := c.queue.oldestWaitAge(time.Now()); age > 0 {
		metrics.TaskWaitDuration.Observe(age.Seconds())
	}
}
