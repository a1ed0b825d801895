package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harbordb/kvengine/internal/metrics"
	"github.com/harbordb/kvengine/internal/model"
	"github.com/harbordb/kvengine/internal/util/workerpool"
	"github.com/harbordb/kvengine/internal/vbucket"
	"go.uber.org/zap"
)

// TimeoutConfig holds timeout sweeper configuration
type TimeoutConfig struct {
	SweepInterval time.Duration
	Workers       int
	QueueSize     int
}

// TimeoutService periodically sweeps every active vbucket's durability
// monitor, aborting prepares whose timeout has elapsed. Sweeps fan out
// over a bounded worker pool so one slow vbucket cannot stall the rest.
type TimeoutService struct {
	config  *TimeoutConfig
	vbMap   *vbucket.Map
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewTimeoutService creates the timeout sweeper.
func NewTimeoutService(cfg *TimeoutConfig, vbMap *vbucket.Map, m *metrics.Metrics, logger *zap.Logger) *TimeoutService {
	return &TimeoutService{
		config: cfg,
		vbMap:  vbMap,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "durability-timeout",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *TimeoutService) Start() {
	go s.run()
	s.logger.Info("Durability timeout sweeper started",
		zap.Duration("interval", s.config.SweepInterval))
}

func (s *TimeoutService) run() {
	defer close(s.doneChan)
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

// Sweep submits one timeout pass over every active vbucket.
func (s *TimeoutService) Sweep(asOf time.Time) {
	s.vbMap.ForEach(func(vb *vbucket.VBucket) {
		if vb.State() != model.VBucketStateActive {
			return
		}
		if vb.Monitor().NumTracked() == 0 {
			return
		}
		task := workerpool.Task{
			ID: fmt.Sprintf("timeout-vb-%d", vb.ID()),
			Fn: func(ctx context.Context) error {
				if aborted := vb.Monitor().ProcessTimeout(asOf); aborted > 0 {
					s.metrics.SyncWritesTimedOut.Add(float64(aborted))
					s.logger.Debug("Timed out sync writes",
						zap.Uint16("vb", vb.ID()),
						zap.Int("aborted", aborted))
				}
				return nil
			},
		}
		if err := s.pool.Submit(task); err != nil {
			s.logger.Warn("Timeout sweep task rejected",
				zap.Uint16("vb", vb.ID()),
				zap.Error(err))
		}
	})
}

// Stop halts the sweep loop and stops the worker pool; sweep tasks still
// queued at that point may not run.
func (s *TimeoutService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.doneChan
	s.pool.Stop()
	s.logger.Info("Durability timeout sweeper stopped")
}
