// Package scheduler implements the Scheduler component: a cron-driven job
// table with at-most-one-concurrent-run-per-name enforcement. The worker
// semaphore is not a hard bound: when all of its slots are taken, a fire
// still runs inline, so runs across different names are not limited to the
// pool size.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/opsql/sqlalertd/internal/alertdef"
	"github.com/opsql/sqlalertd/internal/alertstate"
	"github.com/opsql/sqlalertd/internal/executor"
	"github.com/opsql/sqlalertd/internal/obsv"
)

// Config controls pool sizing; zero values fall back to DefaultConfig.
type Config struct {
	WorkerPoolSize int
}

func DefaultConfig() Config {
	return Config{WorkerPoolSize: 10}
}

func (c Config) withDefaults() Config {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}
	return c
}

// Runner executes one alert and returns its record; satisfied by
// *executor.Executor in production and a stub in tests.
type Runner interface {
	Execute(ctx context.Context, def alertdef.Definition, triggeredBy alertstate.TriggeredBy, opts executor.Options) alertstate.Record
}

// JobInfo is the introspection shape returned by Jobs().
type JobInfo struct {
	Name        string
	NextFireAt  time.Time
	Enabled     bool
}

type job struct {
	def      alertdef.Definition
	cronJob  cron.EntryID
	inFlight int32 // atomic; 1 means a run is currently executing
}

// Scheduler owns a robfig/cron instance, a worker semaphore, and the
// per-name in-flight tracking that implements "skip, don't queue" overlap
// handling.
type Scheduler struct {
	cfg     Config
	cron    *cron.Cron
	runner  Runner
	store   alertstate.Store
	metrics *obsv.Metrics

	mu       sync.Mutex
	jobs     map[string]*job
	stopping atomic.Bool

	sem chan struct{}
}

func New(cfg Config, runner Runner, store alertstate.Store, metrics *obsv.Metrics) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		runner:  runner,
		store:   store,
		metrics: metrics,
		jobs:    make(map[string]*job),
		sem:     make(chan struct{}, cfg.WorkerPoolSize),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// SetJobs is an idempotent diff: add jobs for new names, remove jobs for
// dropped names, replace-in-place jobs whose schedule or enabled flag
// changed. Calling SetJobs(D) twice with the same D leaves the scheduler in
// the same observable state as calling it once.
func (s *Scheduler) SetJobs(defs []alertdef.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]alertdef.Definition, len(defs))
	for _, d := range defs {
		wanted[d.Name] = d
	}

	for name, existing := range s.jobs {
		if _, ok := wanted[name]; !ok {
			s.cron.Remove(existing.cronJob)
			delete(s.jobs, name)
		}
	}

	for name, def := range wanted {
		existing, ok := s.jobs[name]
		if ok && existing.def.Schedule == def.Schedule && existing.def.Enabled == def.Enabled && existing.def.Timezone == def.Timezone {
			existing.def = def // refresh non-scheduling fields (query, notify, etc.) in place
			continue
		}
		if ok {
			s.cron.Remove(existing.cronJob)
			delete(s.jobs, name)
		}
		if !def.Enabled {
			s.jobs[name] = &job{def: def}
			continue
		}
		if err := s.schedule(def); err != nil {
			return fmt.Errorf("scheduler.SetJobs: alert %q: %w", name, err)
		}
	}

	if s.metrics != nil {
		enabledCount := 0
		for _, j := range s.jobs {
			if j.def.Enabled {
				enabledCount++
			}
		}
		s.metrics.SetScheduledJobs(enabledCount)
	}
	return nil
}

func (s *Scheduler) schedule(def alertdef.Definition) error {
	spec := cronSpec(def)
	j := &job{def: def}
	s.jobs[def.Name] = j

	entryID, err := s.cron.AddFunc(spec, func() {
		s.fire(def.Name, alertstate.TriggeredByCron)
	})
	if err != nil {
		delete(s.jobs, def.Name)
		return fmt.Errorf("parse schedule %q: %w", def.Schedule, err)
	}
	j.cronJob = entryID
	return nil
}

// cronSpec prefixes the schedule with "CRON_TZ=" so the cron library
// resolves next-fire times (and DST transitions) in the alert's declared
// timezone, rather than hand-rolling timezone math here.
func cronSpec(def alertdef.Definition) string {
	if def.Timezone == "" {
		return def.Schedule
	}
	return fmt.Sprintf("CRON_TZ=%s %s", def.Timezone, def.Schedule)
}

// fire is invoked by the cron library on each tick. It enforces at-most-one
// concurrent execution per name by CAS-ing an in-flight flag: if a run is
// already in progress, this fire is skipped (not queued), and a
// SKIPPED_OVERLAP record is synthesized directly without calling the
// Runner.
func (s *Scheduler) fire(name string, triggeredBy alertstate.TriggeredBy) {
	if s.stopping.Load() {
		return
	}

	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok || !j.def.Enabled {
		return
	}

	if !atomic.CompareAndSwapInt32(&j.inFlight, 0, 1) {
		s.recordSkippedOverlap(name, triggeredBy)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		// pool saturated: still run inline rather than queue, since an
		// overlapping fire should skip, not queue behind backpressure
		// that delays an unrelated alert's fire.
	}
	defer func() {
		select {
		case <-s.sem:
		default:
		}
		atomic.StoreInt32(&j.inFlight, 0)
	}()

	record := s.runner.Execute(context.Background(), j.def, triggeredBy, executor.Options{})
	_ = record
}

func (s *Scheduler) recordSkippedOverlap(name string, triggeredBy alertstate.TriggeredBy) {
	now := time.Now()
	record := alertstate.Record{
		ID:          ulid.Make().String(),
		AlertName:   name,
		ExecutedAt:  now,
		Outcome:     alertstate.OutcomeSkipped,
		ErrorKind:   alertstate.ErrorKindSkippedOverlap,
		TriggeredBy: triggeredBy,
	}
	if err := s.store.AppendHistory(record); err != nil {
		log.Error().Err(err).Str("alert", name).Msg("failed to record skipped-overlap history")
	}
}

// TriggerNow runs an alert out-of-band, for CLI/manual testing. It
// participates in the same overlap-skip logic as a cron fire.
func (s *Scheduler) TriggerNow(name string) (alertstate.Record, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return alertstate.Record{}, fmt.Errorf("scheduler: no job named %q", name)
	}

	if !atomic.CompareAndSwapInt32(&j.inFlight, 0, 1) {
		s.recordSkippedOverlap(name, alertstate.TriggeredByManual)
		return alertstate.Record{AlertName: name, Outcome: alertstate.OutcomeSkipped, ErrorKind: alertstate.ErrorKindSkippedOverlap}, nil
	}
	defer atomic.StoreInt32(&j.inFlight, 0)

	return s.runner.Execute(context.Background(), j.def, alertstate.TriggeredByManual, executor.Options{}), nil
}

// Jobs returns introspection data for every known job, including disabled
// ones, which have no cron entry and a zero NextFireAt.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []JobInfo
	entries := make(map[cron.EntryID]time.Time)
	for _, e := range s.cron.Entries() {
		entries[e.ID] = e.Next
	}
	for name, j := range s.jobs {
		info := JobInfo{Name: name, Enabled: j.def.Enabled}
		if next, ok := entries[j.cronJob]; ok {
			info.NextFireAt = next
		}
		out = append(out, info)
	}
	return out
}

// Stop rejects new triggers and waits up to drainDeadline for in-flight
// runs to finish.
func (s *Scheduler) Stop(drainDeadline time.Duration) {
	s.stopping.Store(true)
	ctx := s.cron.Stop()

	deadline := time.NewTimer(drainDeadline)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
	case <-deadline.C:
		log.Warn().Dur("deadline", drainDeadline).Msg("scheduler: drain deadline exceeded, shutting down with runs still in flight")
	}
}
