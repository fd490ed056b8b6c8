// Package retention prunes aged time-series rows on a cron schedule.
// Readings, generation logs, and expected values accumulate quickly at
// sub-minute generation intervals; anomalies are the system of record and
// are never purged.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hydrotwin/hydrotwin/internal/infra/metrics"
)

// Purger deletes time-series rows older than a cutoff.
// Implemented by infra/sqlite.DB.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job runs the scheduled purge.
type Job struct {
	purger     Purger
	retainDays int
	schedule   string
	cron       *cron.Cron
	now        func() time.Time
}

// New creates a retention job keeping retainDays of time-series data.
// Schedule is a cron expression; empty means nightly.
func New(purger Purger, retainDays int, schedule string) *Job {
	if retainDays <= 0 {
		retainDays = 7
	}
	if schedule == "" {
		schedule = "30 3 * * *"
	}
	return &Job{
		purger:     purger,
		retainDays: retainDays,
		schedule:   schedule,
		now:        time.Now,
	}
}

// Start registers the schedule and launches the cron runner.
func (j *Job) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.runOnce); err != nil {
		return err
	}
	c.Start()
	j.cron = c
	log.Printf("[retention] scheduled %q, keeping %d days", j.schedule, j.retainDays)
	return nil
}

// Stop halts the cron runner and waits for an in-flight purge to finish.
func (j *Job) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.cron = nil
	}
}

func (j *Job) runOnce() {
	cutoff := j.now().AddDate(0, 0, -j.retainDays)
	removed, err := j.purger.PurgeBefore(context.Background(), cutoff)
	if err != nil {
		log.Printf("[retention] purge failed: %v", err)
		return
	}
	if removed > 0 {
		metrics.RetentionRowsPurged.Add(float64(removed))
		log.Printf("[retention] purged %d rows older than %s", removed, cutoff.Format(time.RFC3339))
	}
}
