// Package scheduler runs periodic maintenance jobs (token resets, expired
// idempotency cleanup) on robfig/cron. Jobs are named, context-aware and
// isolated: a panic or error in one run is logged and never stops the
// scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job is one run of a scheduled task.
type Job func(ctx context.Context) error

// ErrDuplicateName is returned by Add when a job with the same name exists.
var ErrDuplicateName = errors.New("scheduler: duplicate job name")

// Options configures a Scheduler.
type Options struct {
	// Location evaluates schedules; nil means UTC.
	Location *time.Location
	// Timeout bounds each run; zero means no timeout.
	Timeout time.Duration
	Log     *zerolog.Logger
}

type entry struct {
	id   cron.EntryID
	spec string
	job  Job
}

// Scheduler wraps cron.Cron.
type Scheduler struct {
	c       *cron.Cron
	parser  cron.Parser
	timeout time.Duration
	log     *zerolog.Logger

	mu      sync.Mutex
	entries map[string]entry
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns a stopped scheduler. Specs accept five fields (minute first)
// and descriptors such as "@monthly" or "@every 1h".
func New(opts Options) *Scheduler {
	lg := opts.Log
	if lg == nil {
		lg = &log.Logger
	}
	l := lg.With().Str("component", "scheduler").Logger()
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{&l})),
		),
		parser:  parser,
		timeout: opts.Timeout,
		log:     &l,
		entries: map[string]entry{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job under name. An empty spec disables the job and
// returns nil.
func (s *Scheduler) Add(name, spec string, job Job) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		s.log.Info().Str("job", name).Msg("job disabled (empty schedule)")
		return nil
	}
	if job == nil {
		return fmt.Errorf("scheduler: job %q is nil", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: job %q: invalid schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	id, err := s.c.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}
	s.entries[name] = entry{id: id, spec: spec, job: job}
	s.log.Info().Str("job", name).Str("schedule", spec).Msg("job registered")
	return nil
}

// Next returns the next activation time of the named job. It is zero
// before Start.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.c.Entry(e.id).Next, true
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(name, e.job)
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.c.Start()
	s.log.Info().Int("jobs", len(s.c.Entries())).Msg("scheduler started")
}

// Stop stops firing new runs, cancels in-flight ones and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop().Done()
	s.cancel()
	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(name string, job Job) (err error) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	lg := s.log.With().Str("job", name).Logger()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job %q panicked: %v", name, r)
			lg.Error().Interface("panic", r).Msg("job panicked")
		}
	}()

	if err = job(ctx); err != nil {
		lg.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		return err
	}
	lg.Info().Dur("elapsed", time.Since(start)).Msg("job finished")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l *zerolog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error().Err(err).Fields(kv).Msg(msg)
}
