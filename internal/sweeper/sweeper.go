// Package sweeper runs the coordinator's periodic maintenance loops:
// expiring stale pending IOCs and reaping clients that stopped
// heartbeating without a clean disconnect. Trust decay has its own
// scheduler (trust.DecayScheduler) since it only touches the trust
// store; these two loops touch the aggregator and the fabric.
package sweeper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocx/threatfabric/internal/aggregator"
	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/fabric"
)

// Sweeper owns the expire-sweep and heartbeat-reap background loops.
type Sweeper struct {
	mu     sync.Mutex
	agg    *aggregator.Aggregator
	fab    *fabric.Fabric
	cfg    config.ScheduleConfig
	hbCfg  time.Duration // heartbeat interval, for the 3x reap threshold
	stopCh chan struct{}
	logger *log.Logger
}

func New(agg *aggregator.Aggregator, fab *fabric.Fabric, cfg config.ScheduleConfig, heartbeatInterval time.Duration) *Sweeper {
	return &Sweeper{
		agg:    agg,
		fab:    fab,
		cfg:    cfg,
		hbCfg:  heartbeatInterval,
		stopCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[sweeper] ", log.LstdFlags),
	}
}

// Start launches the expire-sweep and heartbeat-reap loops as
// background goroutines.
func (s *Sweeper) Start() {
	go s.runExpireSweep()
	go s.runHeartbeatReap()
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Sweeper) runExpireSweep() {
	interval := time.Duration(s.cfg.ExpireSweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Printf("expire sweep started (interval=%s)", interval)
	for {
		select {
		case <-ticker.C:
			s.expireSweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) expireSweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	n, err := s.agg.ExpireSweep(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Printf("expire sweep failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("expired %d pending ioc(s) past ttl", n)
	}
}

func (s *Sweeper) runHeartbeatReap() {
	interval := time.Duration(s.cfg.HeartbeatReapIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Printf("heartbeat reap started (interval=%s)", interval)
	for {
		select {
		case <-ticker.C:
			s.heartbeatReapOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) heartbeatReapOnce() {
	maxAge := 3 * s.hbCfg
	if maxAge <= 0 {
		maxAge = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n := s.fab.ReapStaleClients(ctx, time.Now().UTC(), maxAge)
	if n > 0 {
		s.logger.Printf("reaped %d stale client(s)", n)
	}
}
