// Package session maintains per-sender conversational state: model
// selection, bounded history, cumulative cost, pins, memory, and the
// held-back remainder of split responses.
//
// Sessions are created lazily on first approved contact and never expire.
// Every mutation is written through to the store so cumulative cost and
// history survive restarts. Callers are responsible for per-sender
// serialization of exchanges; the internal locks only protect against
// cross-sender readers such as the stats endpoint.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relay-labs/relay/pkg/store"
)

var (
	// ErrUnknownModel is returned by SetModel for names outside the
	// fixed alias set.
	ErrUnknownModel = errors.New("unknown model")
	// ErrPinNotFound is returned by Recall for an unknown label.
	ErrPinNotFound = errors.New("no pin with that label")
)

// ModelAliases is the fixed set of user-selectable model names.
var ModelAliases = []string{"opus", "sonnet", "haiku"}

// pinExchangeCount is how many recent exchanges a pin snapshots.
const pinExchangeCount = 10

// Exchange is one prompt/reply pair in a session's history.
type Exchange struct {
	Prompt     string    `json:"prompt"`
	Reply      string    `json:"reply"`
	CostMicros int64     `json:"cost_micros"`
	Synthetic  bool      `json:"synthetic,omitempty"`
	At         time.Time `json:"at"`
}

// Session is one sender's conversational state.
type Session struct {
	mu sync.Mutex

	senderID   string
	sessionID  string
	model      string
	costMicros int64
	overCap    int
	history    []Exchange
	pins       map[string]string
	memory     string
	remainder  []string
	createdAt  time.Time
}

// Snapshot is a read-only view of a session for /status and the stats
// endpoint.
type Snapshot struct {
	SenderID   string
	SessionID  string
	Model      string
	CostMicros int64
	OverCap    int
	Exchanges  int
	Pins       int
	Remainder  int
	Memory     string
	CreatedAt  time.Time
}

// Store manages all sessions, keyed by sender id.
type Store struct {
	mu sync.RWMutex

	db            *store.Store
	defaultModel  string
	historyBudget int   // total chars of history kept in context
	capMicros     int64 // advisory per-message spend cap, 0 disables
	sessions      map[string]*Session
}

// Config controls session defaults.
type Config struct {
	DefaultModel  string
	HistoryBudget int
	CapMicros     int64
}

// NewStore loads persisted sessions from the database. A session row
// that fails to decode is a hard error: running with silently emptied
// history would lose cumulative cost.
func NewStore(db *store.Store, cfg Config) (*Store, error) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "sonnet"
	}
	if cfg.HistoryBudget <= 0 {
		cfg.HistoryBudget = 64 * 1024
	}

	s := &Store{
		db:            db,
		defaultModel:  cfg.DefaultModel,
		historyBudget: cfg.HistoryBudget,
		capMicros:     cfg.CapMicros,
		sessions:      make(map[string]*Session),
	}

	rows, err := db.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, row := range rows {
		sess, err := decodeSession(row)
		if err != nil {
			return nil, fmt.Errorf("decode session for %s: %w", row.SenderID, err)
		}
		s.sessions[row.SenderID] = sess
	}

	slog.Info("sessions loaded", "count", len(s.sessions))
	return s, nil
}

func decodeSession(row store.SessionRecord) (*Session, error) {
	sess := &Session{
		senderID:   row.SenderID,
		sessionID:  row.SessionID,
		model:      row.Model,
		costMicros: row.CostMicros,
		overCap:    row.OverCap,
		pins:       make(map[string]string),
		createdAt:  row.CreatedAt,
	}
	if row.History != "" {
		if err := json.Unmarshal([]byte(row.History), &sess.history); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
	}
	if row.Pins != "" {
		if err := json.Unmarshal([]byte(row.Pins), &sess.pins); err != nil {
			return nil, fmt.Errorf("pins: %w", err)
		}
	}
	if row.Remainder != "" {
		if err := json.Unmarshal([]byte(row.Remainder), &sess.remainder); err != nil {
			return nil, fmt.Errorf("remainder: %w", err)
		}
	}
	sess.memory = row.Memory
	return sess, nil
}

// persist writes a session through to the database. Caller holds sess.mu.
func (s *Store) persist(sess *Session) error {
	history, err := json.Marshal(sess.history)
	if err != nil {
		return err
	}
	pins, err := json.Marshal(sess.pins)
	if err != nil {
		return err
	}
	remainder, err := json.Marshal(sess.remainder)
	if err != nil {
		return err
	}
	return s.db.SaveSession(store.SessionRecord{
		SenderID:   sess.senderID,
		SessionID:  sess.sessionID,
		Model:      sess.model,
		CostMicros: sess.costMicros,
		OverCap:    sess.overCap,
		History:    string(history),
		Pins:       string(pins),
		Memory:     sess.memory,
		Remainder:  string(remainder),
		CreatedAt:  sess.createdAt,
	})
}

// getOrCreate returns the sender's session, creating and persisting a
// fresh one on first use.
func (s *Store) getOrCreate(senderID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[senderID]; ok {
		return sess, nil
	}
	sess := &Session{
		senderID:  senderID,
		sessionID: uuid.NewString(),
		model:     s.defaultModel,
		pins:      make(map[string]string),
		createdAt: time.Now().UTC(),
	}
	sess.mu.Lock()
	err := s.persist(sess)
	sess.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", senderID, err)
	}
	s.sessions[senderID] = sess
	slog.Info("session created", "sender", senderID, "model", sess.model)
	return sess, nil
}

// Model returns the sender's active model alias, creating the session
// if needed.
func (s *Store) Model(senderID string) (string, error) {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return "", err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.model, nil
}

// SetModel switches the sender's model. Only names in ModelAliases are
// accepted.
func (s *Store) SetModel(senderID, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	valid := false
	for _, alias := range ModelAliases {
		if name == alias {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %q (choose one of %s)", ErrUnknownModel, name, strings.Join(ModelAliases, ", "))
	}

	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.model = name
	return s.persist(sess)
}

// History returns a copy of the in-context history, oldest first.
func (s *Store) History(senderID string) ([]Exchange, error) {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Exchange, len(sess.history))
	copy(out, sess.history)
	return out, nil
}

// Memory returns the sender's free-text memory blob.
func (s *Store) Memory(senderID string) (string, error) {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return "", err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.memory, nil
}

// Remember appends a fact to the sender's memory blob.
func (s *Store) Remember(senderID, fact string) error {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.memory == "" {
		sess.memory = fact
	} else {
		sess.memory += "\n" + fact
	}
	return s.persist(sess)
}

// Forget clears the sender's memory blob.
func (s *Store) Forget(senderID string) error {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.memory = ""
	return s.persist(sess)
}

// RecordExchange appends a completed exchange, accumulates cost, and
// evicts oldest whole exchanges while the history exceeds the character
// budget. The exchange is also appended to the searchable archive.
// Returns true when the exchange cost exceeded the advisory per-message
// cap.
func (s *Store) RecordExchange(senderID, prompt, reply string, costMicros int64, synthetic bool) (bool, error) {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.history = append(sess.history, Exchange{
		Prompt:     prompt,
		Reply:      reply,
		CostMicros: costMicros,
		Synthetic:  synthetic,
		At:         time.Now().UTC(),
	})
	sess.costMicros += costMicros

	// A new reply supersedes any held-back chunks; /more must never
	// serve the tail of an older response. Synthetic fires are not
	// replies and leave the remainder alone.
	if !synthetic {
		sess.remainder = nil
	}

	overCap := s.capMicros > 0 && costMicros > s.capMicros
	if overCap {
		sess.overCap++
		slog.Warn("exchange over spend cap",
			"sender", senderID,
			"cost_micros", costMicros,
			"cap_micros", s.capMicros,
		)
	}

	// Whole-exchange eviction: drop from the front until under budget,
	// but always keep the exchange just recorded.
	for len(sess.history) > 1 && historyChars(sess.history) > s.historyBudget {
		sess.history = sess.history[1:]
	}

	if err := s.persist(sess); err != nil {
		return overCap, err
	}
	if _, err := s.db.AppendExchange(senderID, prompt, reply, costMicros); err != nil {
		return overCap, fmt.Errorf("archive exchange: %w", err)
	}
	return overCap, nil
}

func historyChars(history []Exchange) int {
	n := 0
	for _, e := range history {
		n += len(e.Prompt) + len(e.Reply)
	}
	return n
}

// Reset clears history and any pending remainder and starts a fresh
// session id. Cumulative cost, pins, and memory are billing/reference
// records and survive.
func (s *Store) Reset(senderID string) error {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = nil
	sess.remainder = nil
	sess.sessionID = uuid.NewString()
	slog.Info("session reset", "sender", senderID, "session", sess.sessionID)
	return s.persist(sess)
}

// Pin snapshots the most recent exchanges under the given label.
// Re-pinning a label overwrites it.
func (s *Store) Pin(senderID, label string) error {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.history) == 0 {
		return fmt.Errorf("nothing to pin yet")
	}
	start := len(sess.history) - pinExchangeCount
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, e := range sess.history[start:] {
		fmt.Fprintf(&b, "> %s\n%s\n\n", e.Prompt, e.Reply)
	}
	sess.pins[label] = strings.TrimRight(b.String(), "\n")
	return s.persist(sess)
}

// Recall returns the pinned content for a label.
func (s *Store) Recall(senderID, label string) (string, error) {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return "", err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	content, ok := sess.pins[label]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrPinNotFound, label)
	}
	return content, nil
}

// PinLabels returns the session's pin labels, sorted.
func (s *Store) PinLabels(senderID string) ([]string, error) {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	labels := make([]string, 0, len(sess.pins))
	for label := range sess.pins {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels, nil
}

// HoldRemainder stores the undelivered chunks of a split response,
// replacing any previous remainder.
func (s *Store) HoldRemainder(senderID string, chunks []string) error {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.remainder = append([]string(nil), chunks...)
	return s.persist(sess)
}

// More consumes and returns the next held-back chunk, or false when
// nothing is pending.
func (s *Store) More(senderID string) (string, bool, error) {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return "", false, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.remainder) == 0 {
		return "", false, nil
	}
	chunk := sess.remainder[0]
	sess.remainder = sess.remainder[1:]
	if err := s.persist(sess); err != nil {
		return "", false, err
	}
	return chunk, true, nil
}

// Status returns a snapshot of a sender's session.
func (s *Store) Status(senderID string) (Snapshot, error) {
	sess, err := s.getOrCreate(senderID)
	if err != nil {
		return Snapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Snapshot{
		SenderID:   sess.senderID,
		SessionID:  sess.sessionID,
		Model:      sess.model,
		CostMicros: sess.costMicros,
		OverCap:    sess.overCap,
		Exchanges:  len(sess.history),
		Pins:       len(sess.pins),
		Remainder:  len(sess.remainder),
		Memory:     sess.memory,
		CreatedAt:  sess.createdAt,
	}, nil
}

// Snapshots returns a snapshot of every live session, for the stats
// endpoint. Order is unspecified.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	senders := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		senders = append(senders, id)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(senders))
	for _, id := range senders {
		snap, err := s.Status(id)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// CapMicros returns the advisory per-message spend cap, 0 if disabled.
func (s *Store) CapMicros() int64 {
	return s.capMicros
}
