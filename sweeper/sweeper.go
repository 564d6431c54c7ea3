// Package sweeper runs periodic maintenance against a durable store: a
// retention-window purge of long-completed instances, generalized from
// cron/cron.go's rcron.Cron wrapper. It does not scan for or log expired
// leases and does not fire timers; both stay with engine.Scheduler.
// This is a distinct role from the engine.Scheduler's own polling loop,
// which redispatches ready work on a tight interval; the sweeper runs
// coarse, low-frequency housekeeping on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/goliatone/go-durable/engine"

	rcron "github.com/robfig/cron/v3"
)

// Sweeper wraps a robfig/cron/v3 scheduler running one maintenance job.
type Sweeper struct {
	cron         *rcron.Cron
	client       *engine.Client
	logger       engine.Logger
	retentionAge time.Duration
	purgeCascade bool
	errorHandler func(error)
}

// Option customizes a Sweeper at construction.
type Option func(*Sweeper)

func WithLogger(l engine.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(s *Sweeper) {
		if h != nil {
			s.errorHandler = h
		}
	}
}

// New builds a Sweeper. retentionAge is how long a completed instance may
// sit before Purge; purgeCascade determines whether descendants are purged
// along with it.
func New(client *engine.Client, retentionAge time.Duration, purgeCascade bool, opts ...Option) *Sweeper {
	s := &Sweeper{
		cron:         rcron.New(),
		client:       client,
		logger:       engine.NewFmtLogger(nil),
		retentionAge: retentionAge,
		purgeCascade: purgeCascade,
		errorHandler: func(err error) { log.Printf("sweeper error: %v\n", err) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ScheduleRetentionSweep registers the retention-window purge job under a
// standard cron expression.
func (s *Sweeper) ScheduleRetentionSweep(expression string) error {
	_, err := s.cron.AddFunc(expression, func() {
		if err := s.RunRetentionSweep(context.Background()); err != nil {
			s.errorHandler(err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	return nil
}

// RunRetentionSweep purges every completed instance older than
// retentionAge. It runs as one dispatch cycle outside the regular poll
// loop.
func (s *Sweeper) RunRetentionSweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.retentionAge)

	for _, status := range []engine.Status{engine.StatusCompleted, engine.StatusFailed, engine.StatusTerminated} {
		instances, err := s.client.List(ctx, engine.ListFilter{Status: status, CreatedBefore: cutoff})
		if err != nil {
			return err
		}
		for _, inst := range instances {
			n, err := s.client.PurgeInstanceHistory(ctx, inst.InstanceID, s.purgeCascade)
			if err != nil {
				s.logger.Warn("retention purge failed instance=%s err=%v", inst.InstanceID, err)
				continue
			}
			s.logger.Info("retention purge instance=%s removed=%d", inst.InstanceID, n)
		}
	}
	return nil
}

// Start begins running scheduled jobs.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Sweeper) Stop() context.Context { return s.cron.Stop() }
