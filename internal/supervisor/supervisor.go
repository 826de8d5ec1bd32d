// Package supervisor is the Restore & Supervisor component (spec component
// I): bounded-retry store bootstrap, boot-time restart of strategies left
// running before the last shutdown, and the periodic dead-task sweep that
// keeps persisted strategy status honest with the scheduler's live task set.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"futurestrader/internal/notify"
	"futurestrader/internal/scheduler"
	"futurestrader/internal/store"
)

// OpenStoreWithRetry opens the authoritative store with bounded retries, so
// a transient failure at boot (disk not yet mounted, container race) isn't
// fatal. It gives up and returns the last error after attempts tries.
func OpenStoreWithRetry(dbPath, cachePath string, attempts int, backoff time.Duration) (*store.Service, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		st, err := store.Open(dbPath, cachePath)
		if err == nil {
			return st, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", attempts).Msg("supervisor: store open failed, retrying")
		if i < attempts-1 {
			time.Sleep(backoff)
		}
	}
	return nil, fmt.Errorf("supervisor: store unavailable after %d attempts: %w", attempts, lastErr)
}

// Boot restarts every strategy persisted as "running" from a previous
// process lifetime, respecting the scheduler's concurrency cap. Strategies
// that can't be restarted (bad config, cap exceeded) are demoted to
// "stopped" rather than left claiming a status the process can't honor.
// Boot never fails the whole process — individual restart failures are
// collected and reported via the restart notification.
func Boot(ctx context.Context, st *store.Service, sched *scheduler.Scheduler, notifier notify.Sink) {
	running, err := st.ListRunningStrategies(ctx)
	if err != nil {
		notifier.ServerRestarted(0, []error{fmt.Errorf("list running strategies: %w", err)})
		return
	}

	var startupErrors []error
	restored := 0
	for _, si := range running {
		if err := sched.Start(ctx, si.ID); err != nil {
			startupErrors = append(startupErrors, fmt.Errorf("restart %s: %w", si.ID, err))
			if err2 := st.UpdateStrategyStatus(ctx, si.ID, "stopped"); err2 != nil {
				log.Warn().Err(err2).Str("strategy_id", si.ID).Msg("supervisor: failed to demote unrestartable strategy")
			}
			continue
		}
		restored++
	}

	notifier.ServerRestarted(restored, startupErrors)
}

// StartDeadTaskSweep runs the scheduler's dead-task reaper on a cron
// schedule, replacing a hand-rolled ticker goroutine with the same
// cron-driven periodic-task idiom used elsewhere in the runtime.
func StartDeadTaskSweep(ctx context.Context, sched *scheduler.Scheduler, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() { sched.ReapDeadTasks(ctx) })
	if err != nil {
		return nil, fmt.Errorf("supervisor: schedule dead task sweep: %w", err)
	}
	c.Start()
	return c, nil
}
