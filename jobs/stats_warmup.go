package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/communityfund/ngo-portal/internal/donations"
	jobmetrics "github.com/communityfund/ngo-portal/internal/jobs"
)

// StatsWarmer recomputes and caches donation stats.
type StatsWarmer interface {
	WarmStats(ctx context.Context) (donations.Stats, error)
}

// StatsWarmupJob pre-populates the donation stats cache.
type StatsWarmupJob struct {
	Stats   StatsWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Timeout time.Duration
}

// Handle processes TaskDonationStatsWarmup tasks.
func (j *StatsWarmupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Stats == nil {
		return errors.New("stats warmup: handler not configured")
	}
	tracker := j.metrics().Track(TaskDonationStatsWarmup)
	defer func() {
		err = tracker.End(err)
	}()

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	stats, err := j.Stats.WarmStats(ctx)
	if err != nil {
		j.logger().Error("warm donation stats", slog.Any("error", err))
		return err
	}
	j.logger().Info("warmed donation stats",
		slog.String("currency", stats.Currency),
		slog.Int("count", stats.Count),
		slog.Duration("duration", time.Since(started)))
	return nil
}

func (j *StatsWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDonationStatsWarmup))
	}
	return slog.Default().With(slog.String("job", TaskDonationStatsWarmup))
}

func (j *StatsWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
