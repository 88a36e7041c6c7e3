package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner fires registered jobs on cron schedules. Every firing passes through
// the Deduplicator first, so overlapping deployments never run the same
// bucket twice.
type Runner struct {
	c     *cron.Cron
	dedup *Deduplicator
}

func NewRunner(dedup *Deduplicator) *Runner {
	return &Runner{
		c:     cron.New(),
		dedup: dedup,
	}
}

// AddJob schedules a named job. The name doubles as the claim function name.
func (r *Runner) AddJob(name, spec string, job func(ctx context.Context) error) error {
	_, err := r.c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		duplicate, err := r.dedup.Claim(ctx, name, "")
		if err != nil {
			// At-most-once beats at-least-once here: skip the run when
			// the claim cannot be taken.
			log.Printf("scheduler: claim failed for job %s, skipping run: %v", name, err)
			return
		}
		if duplicate {
			log.Printf("scheduler: job %s already claimed for this bucket, skipping", name)
			return
		}

		if err := job(ctx); err != nil {
			log.Printf("scheduler: job %s failed: %v", name, err)
		}
	})

	return err
}

func (r *Runner) Start() {
	r.c.Start()
}

func (r *Runner) Stop() {
	r.c.Stop()
}
