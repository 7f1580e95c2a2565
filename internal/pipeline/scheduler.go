package pipeline

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"optionflow/config"
	"optionflow/logger"
)

// Scheduler runs a job on a cron spec. A run that is still in progress when
// the next tick fires causes that tick to be skipped, so two cycles never
// overlap.
type Scheduler struct {
	cron *cron.Cron
	spec string
	log  *logger.Log
}

// cronLogger adapts the logrus wrapper to cron.Logger.
type cronLogger struct {
	entry *logger.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logger.Fields {
	fields := make(logger.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return fields
}

// NewScheduler registers job under spec. Each run receives a child of ctx
// bounded by timeout when timeout is positive.
func NewScheduler(ctx context.Context, spec string, timeout time.Duration, job func(context.Context) error) (*Scheduler, error) {
	log := logger.GetLogger()
	cl := cronLogger{entry: log.WithComponent("scheduler")}

	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)

	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		rctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := job(rctx); err != nil {
			cl.entry.WithError(err).Error("scheduled cycle failed")
		}
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{cron: c, spec: spec, log: log}, nil
}

// Start begins firing the job in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithComponent("scheduler").WithField("cron", s.spec).Info("scheduler started")
}

// Stop prevents further runs and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

// Next reports when the job fires next. It is zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
