package logging

import (
	"log/slog"
	"sync"
	"time"
)

// Aggregator batches high-frequency events and emits periodic summaries.
// Detection loops poll at 2-10 Hz; logging every poll would drown the log,
// so each (component, event) pair is counted and flushed on an interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	counts map[string]*eventCount

	done chan struct{}
	wg   sync.WaitGroup
}

type eventCount struct {
	component string
	event     string
	n         int64
	last      []slog.Attr // most recent call's fields, for context
}

// NewAggregator creates an aggregator flushing every intervalSecs seconds.
// A nil logger drops all recorded events.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		counts:   make(map[string]*eventCount),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop ends the flush goroutine and emits a final summary.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
	a.flush()
}

// Record increments the counter for an event.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := component + "\x00" + event
	ec, ok := a.counts[key]
	if !ok {
		ec = &eventCount{component: component, event: event}
		a.counts[key] = ec
	}
	ec.n++
	if len(fields) > 0 {
		ec.last = fields
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	counts := a.counts
	a.counts = make(map[string]*eventCount)
	a.mu.Unlock()

	if a.logger == nil || len(counts) == 0 {
		return
	}

	for _, ec := range counts {
		attrs := []any{
			slog.String("component", ec.component),
			slog.String("event", ec.event),
			slog.Int64("count", ec.n),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, f := range ec.last {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
