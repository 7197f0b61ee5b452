package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// AddSchedule registers job under name, replacing any schedule with the
// same name. Each trigger submits one engine task keyed by the name; a
// trigger that fires while the previous run is still busy is skipped.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if d.startupSpread > 0 {
		fields = append(fields, logx.Duration("spread", d.startupSpread))
	}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove drops the schedule called name. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i := range s.defs {
		if s.defs[i].name != name {
			continue
		}
		if s.c != nil && s.defs[i].entryID != 0 {
			s.c.Remove(s.defs[i].entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, run := d.name, d.timeout, d.job
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Key:     "schedule:" + name,
			Timeout: timeout,
			Run:     run,
			// the next trigger tries again
			Opt: engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		})
		if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
			s.reportEnqueueError(name, err)
		}
	})

	// Interval schedules get a startup spread so a restart does not fire
	// every interval job at the same instant.
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(dur, time.Now().In(s.locLocked()), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) locLocked() *time.Location {
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

// previewNextRunsLocked lists the next n run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if s.log.IsZero() || !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.locLocked())
	parts := make([]string, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format(time.DateTime))
	}
	return strings.Join(parts, ", ")
}

const enqueueWarnEvery = time.Minute

// reportEnqueueError logs enqueue failures at most once a minute per
// schedule; a full engine queue would otherwise flood the log.
func (s *Service) reportEnqueueError(name string, err error) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnEvery {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule enqueue failed", logx.String("name", name), logx.Err(err))
}
