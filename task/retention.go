package task

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/metering/event"
	"github.com/zllovesuki/metering/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type RetentionOptions struct {
	EventManager *event.Manager
	Retention    time.Duration
	Schedule     string // cron expression or descriptor, e.g. "@daily"
	Timeout      time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

// RetentionTask periodically purges lifecycle events older than the retention window
type RetentionTask struct {
	RetentionOptions
	cron *cron.Cron
}

func NewRetentionTask(option RetentionOptions) (*RetentionTask, error) {
	if option.EventManager == nil {
		return nil, fmt.Errorf("nil EventManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Retention < 24*time.Hour {
		return nil, fmt.Errorf("retention must be at least 24h")
	}
	if option.Schedule == "" {
		option.Schedule = "@daily"
	}
	if option.Timeout <= 0 {
		option.Timeout = time.Minute
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	t := &RetentionTask{
		RetentionOptions: option,
		cron:             cron.New(cron.WithLocation(time.UTC)),
	}
	if _, err := t.cron.AddFunc(option.Schedule, t.runOnce); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", option.Schedule, err)
	}
	return t, nil
}

// Purge removes every event received before now minus the retention window
func (t *RetentionTask) Purge(ctx context.Context) (int64, error) {
	cutoff := t.Clock().Add(-t.Retention)
	n, err := t.EventManager.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.EventsPurgedTotal.Add(float64(n))
	t.Logger.Info("Purged lifecycle events",
		zap.Int64("Count", n),
		zap.Time("Cutoff", cutoff),
	)
	return n, nil
}

func (t *RetentionTask) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()
	if _, err := t.Purge(ctx); err != nil {
		t.Logger.Error("Cannot purge lifecycle events",
			zap.Error(err),
		)
	}
}

// Run starts the scheduler and blocks until the context is cancelled
func (t *RetentionTask) Run(ctx context.Context) error {
	t.cron.Start()
	<-ctx.Done()
	<-t.cron.Stop().Done()
	return nil
}
