// Package sched runs the relay's time-based work: one-shot reminders
// and recurring cron jobs. Due items are handed back from Tick and
// re-enter the daemon as synthetic inbound messages.
//
// The clock is injected so tests drive time explicitly. Tick is the only
// polling point; a paused job never fires, and resuming recomputes its
// next fire from the current time rather than replaying missed runs.
package sched

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relay-labs/relay/pkg/store"
)

var (
	// ErrNotFound is returned when an id does not name a live item.
	ErrNotFound = errors.New("no such scheduled item")
	// ErrNotYours is returned when a sender operates on another
	// sender's item without being the daemon owner.
	ErrNotYours = errors.New("not your scheduled item")
)

// DueItem is a fired reminder or cron job, ready for delivery.
type DueItem struct {
	Kind      string // "reminder" or "cron"
	ID        int64
	OwnerID   string
	Text      string
	FireAt    time.Time
	CreatedAt time.Time
}

type cronEntry struct {
	job      store.CronJob
	schedule Schedule
}

// Scheduler owns all reminders and cron jobs, persisting every change.
type Scheduler struct {
	mu        sync.Mutex
	db        *store.Store
	now       func() time.Time
	reminders map[int64]store.Reminder
	jobs      map[int64]*cronEntry
}

// New loads persisted reminders and jobs. A stored cron spec that no
// longer parses is a hard error rather than a silently dropped job.
// now may be nil, in which time.Now is used.
func New(db *store.Store, now func() time.Time) (*Scheduler, error) {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		db:        db,
		now:       now,
		reminders: make(map[int64]store.Reminder),
		jobs:      make(map[int64]*cronEntry),
	}

	reminders, err := db.ListReminders()
	if err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	for _, r := range reminders {
		s.reminders[r.ID] = r
	}

	jobs, err := db.ListCronJobs()
	if err != nil {
		return nil, fmt.Errorf("load cron jobs: %w", err)
	}
	for _, j := range jobs {
		schedule, err := ParseSchedule(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("cron job %d: %w", j.ID, err)
		}
		if j.NextFire.IsZero() {
			j.NextFire = schedule.Next(s.now())
			if err := db.UpdateCronJob(j.ID, j.State, j.NextFire); err != nil {
				return nil, err
			}
		}
		s.jobs[j.ID] = &cronEntry{job: j, schedule: schedule}
	}

	slog.Info("scheduler loaded", "reminders", len(s.reminders), "cron_jobs", len(s.jobs))
	return s, nil
}

// AddReminder registers a one-shot reminder. Fire times not strictly in
// the future are rejected.
func (s *Scheduler) AddReminder(ownerID string, fireAt time.Time, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !fireAt.After(s.now()) {
		return 0, fmt.Errorf("%w: fire time %s is not in the future", ErrInvalidSchedule, fireAt.UTC().Format(time.RFC3339))
	}
	id, err := s.db.InsertReminder(ownerID, fireAt.UTC(), text)
	if err != nil {
		return 0, err
	}
	s.reminders[id] = store.Reminder{ID: id, OwnerID: ownerID, FireAt: fireAt.UTC(), Message: text, CreatedAt: s.now().UTC()}
	slog.Info("reminder added", "id", id, "owner", ownerID, "fire_at", fireAt.UTC())
	return id, nil
}

// AddCron registers a recurring job from a schedule spec (cron pattern,
// "every <duration>", or "daily <HH:MM>").
func (s *Scheduler) AddCron(ownerID, spec, text string) (int64, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := schedule.Next(s.now())
	id, err := s.db.InsertCronJob(ownerID, schedule.String(), text, next)
	if err != nil {
		return 0, err
	}
	s.jobs[id] = &cronEntry{
		job: store.CronJob{
			ID: id, OwnerID: ownerID, Spec: schedule.String(), Message: text,
			State: "active", NextFire: next, CreatedAt: s.now().UTC(),
		},
		schedule: schedule,
	}
	slog.Info("cron job added", "id", id, "owner", ownerID, "spec", schedule.String(), "next_fire", next)
	return id, nil
}

// Tick returns every item due at or before now. Reminders fire once and
// are deleted; cron jobs get their next fire recomputed from now, never
// from the nominal time they missed. Items come back ordered by fire
// time, then by creation.
func (s *Scheduler) Tick(now time.Time) ([]DueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []DueItem

	for id, r := range s.reminders {
		if r.FireAt.After(now) {
			continue
		}
		due = append(due, DueItem{Kind: "reminder", ID: id, OwnerID: r.OwnerID, Text: r.Message, FireAt: r.FireAt, CreatedAt: r.CreatedAt})
		if err := s.db.DeleteReminder(id); err != nil {
			return nil, err
		}
		delete(s.reminders, id)
	}

	for id, e := range s.jobs {
		if e.job.State != "active" || e.job.NextFire.After(now) {
			continue
		}
		due = append(due, DueItem{Kind: "cron", ID: id, OwnerID: e.job.OwnerID, Text: e.job.Message, FireAt: e.job.NextFire, CreatedAt: e.job.CreatedAt})
		e.job.NextFire = e.schedule.Next(now)
		if err := s.db.UpdateCronJob(id, e.job.State, e.job.NextFire); err != nil {
			return nil, err
		}
	}

	// Ties on fire time break by creation order. Kind and id only
	// settle items created within the same stored second.
	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		if due[i].Kind != due[j].Kind {
			return due[i].Kind < due[j].Kind
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// CancelReminder removes a pending reminder. admin bypasses the
// ownership check.
func (s *Scheduler) CancelReminder(requester string, admin bool, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	if !admin && r.OwnerID != requester {
		return fmt.Errorf("reminder %d: %w", id, ErrNotYours)
	}
	if err := s.db.DeleteReminder(id); err != nil {
		return err
	}
	delete(s.reminders, id)
	slog.Info("reminder cancelled", "id", id, "by", requester)
	return nil
}

// CancelJob removes a cron job.
func (s *Scheduler) CancelJob(requester string, admin bool, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %d: %w", id, ErrNotFound)
	}
	if !admin && e.job.OwnerID != requester {
		return fmt.Errorf("cron job %d: %w", id, ErrNotYours)
	}
	if err := s.db.DeleteCronJob(id); err != nil {
		return err
	}
	delete(s.jobs, id)
	slog.Info("cron job cancelled", "id", id, "by", requester)
	return nil
}

// PauseJob stops a job from firing until resumed.
func (s *Scheduler) PauseJob(requester string, admin bool, id int64) error {
	return s.setJobState(requester, admin, id, "paused")
}

// ResumeJob reactivates a paused job. The next fire is computed from
// now; runs missed while paused are not replayed.
func (s *Scheduler) ResumeJob(requester string, admin bool, id int64) error {
	return s.setJobState(requester, admin, id, "active")
}

func (s *Scheduler) setJobState(requester string, admin bool, id int64, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %d: %w", id, ErrNotFound)
	}
	if !admin && e.job.OwnerID != requester {
		return fmt.Errorf("cron job %d: %w", id, ErrNotYours)
	}
	if e.job.State == state {
		return nil
	}
	e.job.State = state
	if state == "active" {
		e.job.NextFire = e.schedule.Next(s.now())
	}
	if err := s.db.UpdateCronJob(id, e.job.State, e.job.NextFire); err != nil {
		return err
	}
	slog.Info("cron job state changed", "id", id, "state", state, "by", requester)
	return nil
}

// Reminders lists pending reminders visible to the requester, soonest
// first. admin sees everyone's.
func (s *Scheduler) Reminders(requester string, admin bool) []store.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Reminder
	for _, r := range s.reminders {
		if admin || r.OwnerID == requester {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Jobs lists cron jobs visible to the requester, by id.
func (s *Scheduler) Jobs(requester string, admin bool) []store.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.CronJob
	for _, e := range s.jobs {
		if admin || e.job.OwnerID == requester {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports pending reminder and job totals, for the stats
// endpoint.
func (s *Scheduler) Counts() (reminders, jobs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reminders), len(s.jobs)
}
