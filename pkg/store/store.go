// Package store provides the relay daemon's persistent state: the sender
// registry, per-sender sessions, scheduler items, and the audit log.
//
// Everything lives in a single SQLite database (relay.db) opened in WAL
// mode. The store must round-trip across process restarts: approved and
// revoked senders, pending scheduler items, and cumulative cost all
// survive. A database that exists but cannot be loaded is a fatal
// condition for the daemon, never silently replaced by an empty one.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store wraps the relay SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

const timeFormat = "2006-01-02 15:04:05"

// Open opens (or creates) the relay database under dir and applies the
// schema. The directory is created if missing.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	dbPath := filepath.Join(dir, "relay.db")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping relay db: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	slog.Info("store opened", "path", dbPath)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// parseTime parses a datetime string from SQLite, handling the formats
// different writers may have used.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
		timeFormat,
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// --- Senders ---

// Sender is a persisted sender registry row.
type Sender struct {
	ID          string
	State       string // owner, approved, pending, revoked
	DisplayName string
	RoomID      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertSender inserts or updates a sender row.
func (s *Store) UpsertSender(sd Sender) error {
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO senders (id, state, display_name, room_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			display_name = excluded.display_name,
			room_id = excluded.room_id,
			updated_at = excluded.updated_at
	`, sd.ID, sd.State, sd.DisplayName, sd.RoomID, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert sender %s: %w", sd.ID, err)
	}
	return nil
}

// ListSenders returns all sender rows.
func (s *Store) ListSenders() ([]Sender, error) {
	rows, err := s.db.Query(`SELECT id, state, display_name, room_id, created_at, updated_at FROM senders`)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	var senders []Sender
	for rows.Next() {
		var sd Sender
		var createdAt, updatedAt string
		if err := rows.Scan(&sd.ID, &sd.State, &sd.DisplayName, &sd.RoomID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan sender: %w", err)
		}
		sd.CreatedAt = parseTime(createdAt)
		sd.UpdatedAt = parseTime(updatedAt)
		senders = append(senders, sd)
	}
	return senders, rows.Err()
}

// --- Pending approvals ---

// PendingApproval is a persisted record of an unapproved sender.
type PendingApproval struct {
	SenderID        string
	DisplayName     string
	FirstSeen       time.Time
	BlockedAttempts int
}

// UpsertPending inserts a pending record, or increments its blocked
// counter if one already exists.
func (s *Store) UpsertPending(p PendingApproval) error {
	_, err := s.db.Exec(`
		INSERT INTO pending_approvals (sender_id, display_name, first_seen, blocked_attempts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sender_id) DO UPDATE SET
			blocked_attempts = pending_approvals.blocked_attempts + 1,
			display_name = excluded.display_name
	`, p.SenderID, p.DisplayName, p.FirstSeen.UTC().Format(timeFormat), p.BlockedAttempts)
	if err != nil {
		return fmt.Errorf("upsert pending %s: %w", p.SenderID, err)
	}
	return nil
}

// DeletePending removes a pending record.
func (s *Store) DeletePending(senderID string) error {
	_, err := s.db.Exec(`DELETE FROM pending_approvals WHERE sender_id = ?`, senderID)
	if err != nil {
		return fmt.Errorf("delete pending %s: %w", senderID, err)
	}
	return nil
}

// ListPending returns pending approvals, oldest first.
func (s *Store) ListPending() ([]PendingApproval, error) {
	rows, err := s.db.Query(`
		SELECT sender_id, display_name, first_seen, blocked_attempts
		FROM pending_approvals ORDER BY first_seen ASC, sender_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var pending []PendingApproval
	for rows.Next() {
		var p PendingApproval
		var firstSeen string
		if err := rows.Scan(&p.SenderID, &p.DisplayName, &firstSeen, &p.BlockedAttempts); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		p.FirstSeen = parseTime(firstSeen)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// --- Audit log ---

// AuditEntry is a persisted administrative-action record.
type AuditEntry struct {
	ID        int64
	Actor     string
	Action    string
	Target    string
	Outcome   string
	CreatedAt time.Time
}

// AppendAudit records an administrative action. The log is append-only.
func (s *Store) AppendAudit(actor, action, target, outcome string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (actor, action, target, outcome, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, actor, action, target, outcome, now())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, actor, action, target, outcome, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountAudit returns the total number of audit entries.
func (s *Store) CountAudit() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// --- Sessions ---

// SessionRecord is the persisted form of a sender's session.
type SessionRecord struct {
	SenderID   string
	SessionID  string
	Model      string
	CostMicros int64
	OverCap    int
	History    string // JSON-encoded exchange list
	Pins       string // JSON-encoded label → content map
	Memory     string
	Remainder  string // JSON-encoded pending /more chunks
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveSession writes a session record.
func (s *Store) SaveSession(r SessionRecord) error {
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO sessions (sender_id, session_id, model, cost_micros, over_cap,
			history, pins, memory, remainder, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sender_id) DO UPDATE SET
			session_id = excluded.session_id,
			model = excluded.model,
			cost_micros = excluded.cost_micros,
			over_cap = excluded.over_cap,
			history = excluded.history,
			pins = excluded.pins,
			memory = excluded.memory,
			remainder = excluded.remainder,
			updated_at = excluded.updated_at
	`, r.SenderID, r.SessionID, r.Model, r.CostMicros, r.OverCap,
		r.History, r.Pins, r.Memory, r.Remainder, ts, ts)
	if err != nil {
		return fmt.Errorf("save session %s: %w", r.SenderID, err)
	}
	return nil
}

// ListSessions returns all persisted sessions.
func (s *Store) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT sender_id, session_id, model, cost_micros, over_cap,
			history, pins, memory, remainder, created_at, updated_at
		FROM sessions
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&r.SenderID, &r.SessionID, &r.Model, &r.CostMicros, &r.OverCap,
			&r.History, &r.Pins, &r.Memory, &r.Remainder, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Exchange archive ---

// Exchange is an archived prompt/reply pair. The archive backs /search
// and the semantic embedding sync; it is independent of the bounded
// in-context session history.
type Exchange struct {
	ID         int64
	SenderID   string
	Prompt     string
	Reply      string
	CostMicros int64
	CreatedAt  time.Time
}

// AppendExchange archives a completed exchange.
func (s *Store) AppendExchange(senderID, prompt, reply string, costMicros int64) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO exchanges (sender_id, prompt, reply, cost_micros, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, senderID, prompt, reply, costMicros, now())
	if err != nil {
		return 0, fmt.Errorf("append exchange: %w", err)
	}
	id, _ := result.LastInsertId()
	return id, nil
}

// SearchExchanges runs an FTS5 keyword search over a sender's archive.
func (s *Store) SearchExchanges(senderID, query string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`
		SELECT e.id, e.sender_id, e.prompt, e.reply, e.cost_micros, e.created_at
		FROM exchanges e
		JOIN exchanges_fts fts ON e.id = fts.rowid
		WHERE exchanges_fts MATCH ? AND e.sender_id = ?
		ORDER BY e.id DESC LIMIT ?
	`, ftsQuote(query), senderID, limit)
	if err != nil {
		return nil, fmt.Errorf("search exchanges: %w", err)
	}
	defer rows.Close()
	return scanExchanges(rows)
}

// GetExchangesByIDs fetches exchanges for a list of ids, restricted to a
// sender. Order follows the input ids.
func (s *Store) GetExchangesByIDs(senderID string, ids []int64) ([]Exchange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, senderID)

	query := fmt.Sprintf(`
		SELECT id, sender_id, prompt, reply, cost_micros, created_at
		FROM exchanges WHERE id IN (%s) AND sender_id = ?
	`, strings.Join(placeholders, ","))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get exchanges by ids: %w", err)
	}
	defer rows.Close()
	found, err := scanExchanges(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]Exchange, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	ordered := make([]Exchange, 0, len(found))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

// ExchangeRef is a lightweight reference used by the embedding sync
// worker to detect un-embedded or stale archive entries.
type ExchangeRef struct {
	ID       int64
	SenderID string
	Content  string
}

// AllExchangeRefs returns ids and content for every archived exchange.
func (s *Store) AllExchangeRefs() ([]ExchangeRef, error) {
	rows, err := s.db.Query(`SELECT id, sender_id, prompt || ' ' || reply FROM exchanges`)
	if err != nil {
		return nil, fmt.Errorf("exchange refs: %w", err)
	}
	defer rows.Close()

	var refs []ExchangeRef
	for rows.Next() {
		var r ExchangeRef
		if err := rows.Scan(&r.ID, &r.SenderID, &r.Content); err != nil {
			return nil, fmt.Errorf("scan exchange ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func scanExchanges(rows *sql.Rows) ([]Exchange, error) {
	var exchanges []Exchange
	for rows.Next() {
		var e Exchange
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SenderID, &e.Prompt, &e.Reply, &e.CostMicros, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		exchanges = append(exchanges, e)
	}
	return exchanges, rows.Err()
}

// ftsQuote wraps each search term in double quotes so user input cannot
// inject FTS5 query syntax.
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}

// --- Reminders ---

// Reminder is a persisted one-shot scheduler item.
type Reminder struct {
	ID        int64
	OwnerID   string
	FireAt    time.Time
	Message   string
	CreatedAt time.Time
}

// InsertReminder persists a reminder and returns its id.
func (s *Store) InsertReminder(ownerID string, fireAt time.Time, message string) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO reminders (owner_id, fire_at, message, created_at)
		VALUES (?, ?, ?, ?)
	`, ownerID, fireAt.UTC().Format(timeFormat), message, now())
	if err != nil {
		return 0, fmt.Errorf("insert reminder: %w", err)
	}
	id, _ := result.LastInsertId()
	return id, nil
}

// DeleteReminder removes a reminder.
func (s *Store) DeleteReminder(id int64) error {
	_, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reminder %d: %w", id, err)
	}
	return nil
}

// ListReminders returns all reminders ordered by fire time, then id.
func (s *Store) ListReminders() ([]Reminder, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, fire_at, message, created_at
		FROM reminders ORDER BY fire_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var reminders []Reminder
	for rows.Next() {
		var r Reminder
		var fireAt, createdAt string
		if err := rows.Scan(&r.ID, &r.OwnerID, &fireAt, &r.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.FireAt = parseTime(fireAt)
		r.CreatedAt = parseTime(createdAt)
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// --- Cron jobs ---

// CronJob is a persisted recurring scheduler item. Spec holds the
// serialized schedule ("cron 0 9 * * 1", "every 2h", "daily 07:30").
type CronJob struct {
	ID        int64
	OwnerID   string
	Spec      string
	Message   string
	State     string // active, paused
	NextFire  time.Time
	CreatedAt time.Time
}

// InsertCronJob persists a cron job and returns its id.
func (s *Store) InsertCronJob(ownerID, spec, message string, nextFire time.Time) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO cron_jobs (owner_id, spec, message, state, next_fire, created_at)
		VALUES (?, ?, ?, 'active', ?, ?)
	`, ownerID, spec, message, nextFire.UTC().Format(timeFormat), now())
	if err != nil {
		return 0, fmt.Errorf("insert cron job: %w", err)
	}
	id, _ := result.LastInsertId()
	return id, nil
}

// UpdateCronJob writes a job's state and next fire time.
func (s *Store) UpdateCronJob(id int64, state string, nextFire time.Time) error {
	_, err := s.db.Exec(`
		UPDATE cron_jobs SET state = ?, next_fire = ? WHERE id = ?
	`, state, nextFire.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("update cron job %d: %w", id, err)
	}
	return nil
}

// DeleteCronJob removes a cron job.
func (s *Store) DeleteCronJob(id int64) error {
	_, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cron job %d: %w", id, err)
	}
	return nil
}

// ListCronJobs returns all cron jobs ordered by creation.
func (s *Store) ListCronJobs() ([]CronJob, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, spec, message, state, next_fire, created_at
		FROM cron_jobs ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []CronJob
	for rows.Next() {
		var j CronJob
		var nextFire, createdAt string
		if err := rows.Scan(&j.ID, &j.OwnerID, &j.Spec, &j.Message, &j.State, &nextFire, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		j.NextFire = parseTime(nextFire)
		j.CreatedAt = parseTime(createdAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- KV ---

// KVGet retrieves a value from the key-value store. Missing keys return
// an empty string with no error.
func (s *Store) KVGet(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// KVSet stores a value in the key-value store.
func (s *Store) KVSet(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now())
	return err
}

