package trust

import (
	"context"
	"log"
	"sync"
	"time"
)

// DecayScheduler runs the periodic trust-decay sweep as a background
// goroutine, ticking at the configured interval. The loop runs one sweep
// as soon as it starts, before the first tick. If the coordinator was
// down for N missed intervals (detected by comparing the gap since the
// lastTickAt passed to Start against the interval), that first sweep
// applies DecayRate^N once instead of silently skipping the decay that
// should have happened while offline.
type DecayScheduler struct {
	mu       sync.Mutex
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
	logger   *log.Logger
}

func NewDecayScheduler(manager *Manager, interval time.Duration) *DecayScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DecayScheduler{
		manager:  manager,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[trust-decay] ", log.LstdFlags),
	}
}

// Start launches the sweep loop. lastTickAt, if non-zero, is used to
// compute missed intervals for the catch-up decay on the first sweep.
func (ds *DecayScheduler) Start(lastTickAt time.Time) {
	go ds.run(lastTickAt)
}

func (ds *DecayScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	select {
	case <-ds.stopCh:
		// already stopped
	default:
		close(ds.stopCh)
	}
}

func (ds *DecayScheduler) run(lastTickAt time.Time) {
	ticker := time.NewTicker(ds.interval)
	defer ticker.Stop()

	ds.logger.Printf("started (interval=%s)", ds.interval)

	missed := 1
	if !lastTickAt.IsZero() {
		if gap := time.Since(lastTickAt); gap > ds.interval {
			missed = int(gap / ds.interval)
		}
	}
	ds.sweep(missed)

	for {
		select {
		case <-ticker.C:
			ds.sweep(1)
		case <-ds.stopCh:
			ds.logger.Println("stopped")
			return
		}
	}
}

func (ds *DecayScheduler) sweep(missed int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ds.manager.ApplyDecayTick(ctx, time.Now(), ds.interval, missed); err != nil {
		ds.logger.Printf("decay sweep failed: %v", err)
		return
	}
	if missed > 1 {
		ds.logger.Printf("caught up %d missed decay interval(s)", missed)
	}
}
