package scheduler

import (
	"context"
	"time"

	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Capturer takes one metrics snapshot.
type Capturer interface {
	Capture(ctx context.Context) (*models.SystemMetricsSnapshot, error)
}

type SnapshotScheduler struct {
	cron     *cron.Cron
	capturer Capturer
	cronExpr string
	timeout  time.Duration
}

// NewSnapshotScheduler runs capturer on a six-field (seconds first) cron
// expression.
func NewSnapshotScheduler(capturer Capturer, cronExpr string) *SnapshotScheduler {
	if cronExpr == "" {
		cronExpr = "0 0 * * * *"
	}
	return &SnapshotScheduler{
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		capturer: capturer,
		cronExpr: cronExpr,
		timeout:  5 * time.Minute,
	}
}

func (s *SnapshotScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cronExpr, s.captureSnapshot); err != nil {
		return err
	}

	s.cron.Start()
	logger.For("scheduler").WithFields(map[string]interface{}{
		"cron": s.cronExpr,
	}).Info("Metrics snapshot scheduler started")
	return nil
}

func (s *SnapshotScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.For("scheduler").Info("Metrics snapshot scheduler stopped")
}

func (s *SnapshotScheduler) captureSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.TriggerManualCapture(ctx); err != nil {
		logger.For("scheduler").WithError(err).Error("Scheduled metrics snapshot failed")
	}
}

// TriggerManualCapture takes a snapshot outside the schedule.
func (s *SnapshotScheduler) TriggerManualCapture(ctx context.Context) (*models.SystemMetricsSnapshot, error) {
	return s.capturer.Capture(ctx)
}
