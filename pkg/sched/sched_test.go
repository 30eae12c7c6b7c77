package sched

import (
	"errors"
	"testing"
	"time"

	"github.com/relay-labs/relay/pkg/store"

	_ "modernc.org/sqlite"
)

// fakeClock is an adjustable clock for driving Tick deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestScheduler(t *testing.T) (*Scheduler, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := New(db, clk.now)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, clk, dir
}

func TestReminderFiresExactlyOnce(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	if _, err := s.AddReminder("@owner", clk.t.Add(5*time.Minute), "Check oven"); err != nil {
		t.Fatalf("add: %v", err)
	}

	due, err := s.Tick(clk.t)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("fired early: %+v", due)
	}

	clk.advance(5 * time.Minute)
	due, err = s.Tick(clk.t)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(due) != 1 || due[0].Text != "Check oven" || due[0].Kind != "reminder" {
		t.Fatalf("due = %+v, want one reminder", due)
	}

	// Consumed: never fires again, nothing remains listed.
	due, _ = s.Tick(clk.t.Add(time.Hour))
	if len(due) != 0 {
		t.Errorf("reminder fired twice: %+v", due)
	}
	if got := s.Reminders("@owner", false); len(got) != 0 {
		t.Errorf("reminders remaining = %d, want 0", len(got))
	}
}

func TestAddReminderRejectsPast(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	_, err := s.AddReminder("@owner", clk.t.Add(-time.Minute), "too late")
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
	_, err = s.AddReminder("@owner", clk.t, "right now")
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestCronRecomputesFromNowNoCatchUp(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	if _, err := s.AddCron("@owner", "every 10m", "pulse"); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Sleep through six nominal runs: exactly one fire, and the next
	// one is scheduled an hour-and-ten from the original base, not a
	// burst of missed runs.
	clk.advance(time.Hour)
	due, err := s.Tick(clk.t)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d items, want 1 (no catch-up burst)", len(due))
	}

	due, _ = s.Tick(clk.t.Add(9 * time.Minute))
	if len(due) != 0 {
		t.Errorf("fired before recomputed next: %+v", due)
	}
	due, _ = s.Tick(clk.t.Add(10 * time.Minute))
	if len(due) != 1 {
		t.Errorf("due = %d items at recomputed next, want 1", len(due))
	}
}

func TestPausedJobNeverFires(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	id, err := s.AddCron("@owner", "every 10m", "pulse")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.PauseJob("@owner", false, id); err != nil {
		t.Fatalf("pause: %v", err)
	}

	clk.advance(2 * time.Hour)
	due, _ := s.Tick(clk.t)
	if len(due) != 0 {
		t.Fatalf("paused job fired: %+v", due)
	}

	// Resume schedules from now, not from the backlog.
	if err := s.ResumeJob("@owner", false, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	due, _ = s.Tick(clk.t)
	if len(due) != 0 {
		t.Errorf("resume fired immediately: %+v", due)
	}
	due, _ = s.Tick(clk.t.Add(10 * time.Minute))
	if len(due) != 1 {
		t.Errorf("due after resume+interval = %d, want 1", len(due))
	}
}

func TestTickOrderingDeterministic(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	s.AddReminder("@owner", clk.t.Add(2*time.Minute), "second")
	s.AddReminder("@owner", clk.t.Add(1*time.Minute), "first")
	s.AddReminder("@owner", clk.t.Add(2*time.Minute), "third") // same fire time as "second", created later

	clk.advance(5 * time.Minute)
	due, err := s.Tick(clk.t)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("due = %d, want 3", len(due))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if due[i].Text != w {
			t.Errorf("due[%d] = %q, want %q", i, due[i].Text, w)
		}
	}
}

func TestTickTieBreaksByCreationAcrossKinds(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	// Reminder created before the cron job; both fire at the same
	// instant, so creation order decides.
	s.AddReminder("@owner", clk.t.Add(10*time.Minute), "made first")
	clk.advance(1 * time.Minute)
	s.AddCron("@owner", "every 9m", "made second")

	clk.advance(9 * time.Minute)
	due, err := s.Tick(clk.t)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	if due[0].Text != "made first" || due[1].Text != "made second" {
		t.Errorf("order = %q, %q; want creation order", due[0].Text, due[1].Text)
	}
}

func TestOwnershipChecks(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	rid, _ := s.AddReminder("@alice", clk.t.Add(time.Hour), "hers")
	jid, _ := s.AddCron("@alice", "daily 08:00", "hers too")

	if err := s.CancelReminder("@bob", false, rid); !errors.Is(err, ErrNotYours) {
		t.Errorf("cancel reminder err = %v, want ErrNotYours", err)
	}
	if err := s.PauseJob("@bob", false, jid); !errors.Is(err, ErrNotYours) {
		t.Errorf("pause err = %v, want ErrNotYours", err)
	}
	if err := s.CancelReminder("@bob", false, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing err = %v, want ErrNotFound", err)
	}

	// The daemon owner may act on anyone's items.
	if err := s.CancelReminder("@owner", true, rid); err != nil {
		t.Errorf("admin cancel: %v", err)
	}
	if err := s.CancelJob("@owner", true, jid); err != nil {
		t.Errorf("admin cancel job: %v", err)
	}

	// Listing is scoped the same way.
	s.AddReminder("@alice", clk.t.Add(time.Hour), "scoped")
	if got := s.Reminders("@bob", false); len(got) != 0 {
		t.Errorf("bob sees %d reminders, want 0", len(got))
	}
	if got := s.Reminders("@owner", true); len(got) != 1 {
		t.Errorf("admin sees %d reminders, want 1", len(got))
	}
}

func TestSchedulerSurvivesRestart(t *testing.T) {
	s, clk, dir := newTestScheduler(t)

	s.AddReminder("@owner", clk.t.Add(time.Hour), "persisted")
	s.AddCron("@owner", "daily 23:00", "nightly")

	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db.Close()

	s2, err := New(db, clk.now)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	reminders, jobs := s2.Counts()
	if reminders != 1 || jobs != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", reminders, jobs)
	}

	clk.advance(time.Hour)
	due, err := s2.Tick(clk.t)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(due) != 1 || due[0].Text != "persisted" {
		t.Errorf("due after restart = %+v", due)
	}
}
