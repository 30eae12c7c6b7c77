package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/relay-labs/relay/pkg/store"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T, cfg Config) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, dir
}

func TestRecordExchangeAccumulatesCost(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	if _, err := s.RecordExchange("@a", "hi", "hello", 1500, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.RecordExchange("@a", "more", "sure", 2500, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	snap, err := s.Status("@a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.CostMicros != 4000 {
		t.Errorf("cost = %d, want 4000", snap.CostMicros)
	}
	if snap.Exchanges != 2 {
		t.Errorf("exchanges = %d, want 2", snap.Exchanges)
	}
}

func TestResetPreservesCostAndPins(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	s.RecordExchange("@a", "hi", "hello", 3000, false)
	if err := s.Pin("@a", "intro"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	s.HoldRemainder("@a", []string{"tail"})

	if err := s.Reset("@a"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	snap, _ := s.Status("@a")
	if snap.Exchanges != 0 {
		t.Errorf("exchanges after reset = %d, want 0", snap.Exchanges)
	}
	if snap.Remainder != 0 {
		t.Errorf("remainder after reset = %d, want 0", snap.Remainder)
	}
	if snap.CostMicros != 3000 {
		t.Errorf("cost after reset = %d, want 3000", snap.CostMicros)
	}
	if _, err := s.Recall("@a", "intro"); err != nil {
		t.Errorf("pin lost on reset: %v", err)
	}
}

func TestHistoryEvictionDropsWholeExchanges(t *testing.T) {
	s, _ := newTestStore(t, Config{HistoryBudget: 100})

	long := strings.Repeat("x", 40)
	s.RecordExchange("@a", "first", long, 0, false)
	s.RecordExchange("@a", "second", long, 0, false)
	s.RecordExchange("@a", "third", long, 0, false)

	history, err := s.History("@a")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) == 0 {
		t.Fatal("history empty")
	}
	// The newest exchange always survives; the oldest is gone whole.
	if history[len(history)-1].Prompt != "third" {
		t.Errorf("newest prompt = %q, want third", history[len(history)-1].Prompt)
	}
	for _, e := range history {
		if e.Prompt == "first" {
			t.Error("oldest exchange should have been evicted")
		}
		if e.Reply != long {
			t.Error("exchange truncated mid-reply")
		}
	}
}

func TestSetModel(t *testing.T) {
	s, _ := newTestStore(t, Config{DefaultModel: "sonnet"})

	if err := s.SetModel("@a", "opus"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	model, _ := s.Model("@a")
	if model != "opus" {
		t.Errorf("model = %q, want opus", model)
	}

	err := s.SetModel("@a", "gpt-9")
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
	model, _ = s.Model("@a")
	if model != "opus" {
		t.Errorf("model after bad set = %q, want opus", model)
	}
}

func TestPinOverwriteAndRecall(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	s.RecordExchange("@a", "alpha", "one", 0, false)
	if err := s.Pin("@a", "notes"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	s.RecordExchange("@a", "beta", "two", 0, false)
	if err := s.Pin("@a", "notes"); err != nil {
		t.Fatalf("re-pin: %v", err)
	}

	content, err := s.Recall("@a", "notes")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !strings.Contains(content, "beta") {
		t.Errorf("re-pin did not overwrite: %q", content)
	}

	if _, err := s.Recall("@a", "missing"); !errors.Is(err, ErrPinNotFound) {
		t.Errorf("err = %v, want ErrPinNotFound", err)
	}

	labels, _ := s.PinLabels("@a")
	if len(labels) != 1 || labels[0] != "notes" {
		t.Errorf("labels = %v", labels)
	}
}

func TestMoreConsumesChunksInOrder(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	s.HoldRemainder("@a", []string{"two", "three"})

	chunk, ok, err := s.More("@a")
	if err != nil || !ok || chunk != "two" {
		t.Fatalf("first more = %q/%v/%v, want two", chunk, ok, err)
	}
	chunk, ok, _ = s.More("@a")
	if !ok || chunk != "three" {
		t.Fatalf("second more = %q/%v, want three", chunk, ok)
	}
	_, ok, _ = s.More("@a")
	if ok {
		t.Error("third more should report nothing pending")
	}
}

func TestNewReplyDropsStaleRemainder(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	s.HoldRemainder("@a", []string{"old tail"})

	// A short reply arrives: nothing to hold, and the old tail must
	// not survive it.
	if _, err := s.RecordExchange("@a", "next question", "short answer", 10, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, ok, _ := s.More("@a"); ok {
		t.Error("more served a chunk of a superseded reply")
	}

	// Synthetic fires are not replies and leave the remainder alone.
	s.HoldRemainder("@a", []string{"held"})
	if _, err := s.RecordExchange("@a", "⏰ ping", "", 0, true); err != nil {
		t.Fatalf("record synthetic: %v", err)
	}
	if chunk, ok, _ := s.More("@a"); !ok || chunk != "held" {
		t.Errorf("more = %q/%v, want held chunk intact", chunk, ok)
	}
}

func TestOverCapFlagged(t *testing.T) {
	s, _ := newTestStore(t, Config{CapMicros: 1000})

	over, err := s.RecordExchange("@a", "cheap", "ok", 500, false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if over {
		t.Error("500 under a 1000 cap flagged")
	}

	over, err = s.RecordExchange("@a", "pricey", "ok", 5000, false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !over {
		t.Error("5000 over a 1000 cap not flagged")
	}

	snap, _ := s.Status("@a")
	if snap.OverCap != 1 {
		t.Errorf("over-cap count = %d, want 1", snap.OverCap)
	}
	if snap.CostMicros != 5500 {
		t.Errorf("cost = %d, want 5500 (cap is advisory)", snap.CostMicros)
	}
}

func TestMemory(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	s.Remember("@a", "likes tea")
	s.Remember("@a", "timezone UTC")
	memory, _ := s.Memory("@a")
	if memory != "likes tea\ntimezone UTC" {
		t.Errorf("memory = %q", memory)
	}

	if err := s.Forget("@a"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	memory, _ = s.Memory("@a")
	if memory != "" {
		t.Errorf("memory after forget = %q", memory)
	}
}

func TestSessionsSurviveRestart(t *testing.T) {
	s, dir := newTestStore(t, Config{DefaultModel: "sonnet"})

	s.SetModel("@a", "haiku")
	s.RecordExchange("@a", "hi", "hello", 7000, false)
	s.Pin("@a", "greeting")
	s.Remember("@a", "speaks french")
	s.HoldRemainder("@a", []string{"rest"})

	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db.Close()
	s2, err := NewStore(db, Config{DefaultModel: "sonnet"})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	snap, err := s2.Status("@a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Model != "haiku" {
		t.Errorf("model = %q, want haiku", snap.Model)
	}
	if snap.CostMicros != 7000 {
		t.Errorf("cost = %d, want 7000", snap.CostMicros)
	}
	if snap.Memory != "speaks french" {
		t.Errorf("memory = %q", snap.Memory)
	}
	if chunk, ok, _ := s2.More("@a"); !ok || chunk != "rest" {
		t.Errorf("remainder = %q/%v, want rest", chunk, ok)
	}
	if _, err := s2.Recall("@a", "greeting"); err != nil {
		t.Errorf("pin lost across restart: %v", err)
	}
}
