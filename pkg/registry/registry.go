// Package registry tracks sender identities and their approval state.
//
// Every sender is exactly one of owner, approved, pending, or revoked.
// Unknown senders enter pending on first contact and stay there until the
// owner issues /allow. All administrative transitions are written to the
// append-only audit log, including the ones that fail.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relay-labs/relay/pkg/store"
)

// State is a sender's approval state.
type State string

const (
	StateOwner    State = "owner"
	StateApproved State = "approved"
	StatePending  State = "pending"
	StateRevoked  State = "revoked"
)

var (
	// ErrNotFound is returned when an operation targets an unseen sender.
	ErrNotFound = errors.New("sender not found")
	// ErrPermissionDenied is returned when a non-owner issues an
	// administrative command.
	ErrPermissionDenied = errors.New("permission denied: owner only")
)

// ApprovalRequest is emitted exactly once per unknown sender: a
// notification addressed to the owner containing the literal command
// needed to approve.
type ApprovalRequest struct {
	SenderID    string
	DisplayName string
	AllowHint   string // literal "/allow <id>" text
}

// Registry is the sender approval registry. Safe for concurrent use;
// writes go through the store before the in-memory view is updated.
type Registry struct {
	mu      sync.RWMutex
	store   *store.Store
	ownerID string
	senders map[string]store.Sender
	pending map[string]store.PendingApproval
}

// New loads the registry from the store and pins the owner identity.
// Exactly one owner exists; a previously persisted owner row for a
// different identity is demoted to approved.
func New(st *store.Store, ownerID string) (*Registry, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	r := &Registry{
		store:   st,
		ownerID: ownerID,
		senders: make(map[string]store.Sender),
		pending: make(map[string]store.PendingApproval),
	}

	senders, err := st.ListSenders()
	if err != nil {
		return nil, fmt.Errorf("load senders: %w", err)
	}
	for _, sd := range senders {
		if sd.State == string(StateOwner) && sd.ID != ownerID {
			slog.Warn("demoting stale owner row", "sender", sd.ID, "owner", ownerID)
			sd.State = string(StateApproved)
			if err := st.UpsertSender(sd); err != nil {
				return nil, err
			}
		}
		r.senders[sd.ID] = sd
	}

	owner, ok := r.senders[ownerID]
	if !ok || owner.State != string(StateOwner) {
		owner = store.Sender{ID: ownerID, State: string(StateOwner), DisplayName: owner.DisplayName, RoomID: owner.RoomID}
		if err := st.UpsertSender(owner); err != nil {
			return nil, fmt.Errorf("persist owner: %w", err)
		}
		r.senders[ownerID] = owner
	}

	pending, err := st.ListPending()
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	for _, p := range pending {
		r.pending[p.SenderID] = p
	}

	slog.Info("registry loaded",
		"owner", ownerID,
		"senders", len(r.senders),
		"pending", len(r.pending),
	)
	return r, nil
}

// OwnerID returns the owner sender identity.
func (r *Registry) OwnerID() string {
	return r.ownerID
}

// Classify returns the sender's approval state, creating a pending
// record on first contact. The returned ApprovalRequest is non-nil only
// for that first contact; repeat messages from a pending sender bump its
// blocked-attempt counter instead.
func (r *Registry) Classify(senderID, displayName, roomID string) (State, *ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sd, ok := r.senders[senderID]; ok {
		// Refresh best-effort metadata on every contact.
		changed := false
		if displayName != "" && sd.DisplayName != displayName {
			sd.DisplayName = displayName
			changed = true
		}
		if roomID != "" && sd.RoomID != roomID {
			sd.RoomID = roomID
			changed = true
		}
		if changed {
			if err := r.store.UpsertSender(sd); err != nil {
				return "", nil, err
			}
			r.senders[senderID] = sd
		}

		if sd.State == string(StatePending) {
			p := r.pending[senderID]
			p.BlockedAttempts++
			if err := r.store.UpsertPending(p); err != nil {
				return "", nil, err
			}
			r.pending[senderID] = p
		}
		return State(sd.State), nil, nil
	}

	// First contact: record as pending and notify the owner once.
	sd := store.Sender{ID: senderID, State: string(StatePending), DisplayName: displayName, RoomID: roomID}
	if err := r.store.UpsertSender(sd); err != nil {
		return "", nil, err
	}
	p := store.PendingApproval{
		SenderID:        senderID,
		DisplayName:     displayName,
		FirstSeen:       time.Now().UTC(),
		BlockedAttempts: 1,
	}
	if err := r.store.UpsertPending(p); err != nil {
		return "", nil, err
	}
	r.senders[senderID] = sd
	r.pending[senderID] = p

	slog.Info("unknown sender, approval requested", "sender", senderID, "name", displayName)
	return StatePending, &ApprovalRequest{
		SenderID:    senderID,
		DisplayName: displayName,
		AllowHint:   "/allow " + senderID,
	}, nil
}

// StateOf returns a sender's state without side effects.
func (r *Registry) StateOf(senderID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sd, ok := r.senders[senderID]
	if !ok {
		return "", false
	}
	return State(sd.State), true
}

// RoomOf returns the last known conversation for a sender. Used to
// deliver scheduler fires and owner notifications.
func (r *Registry) RoomOf(senderID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.senders[senderID].RoomID
}

// Allow transitions a sender to approved. Owner-only. Idempotent:
// allowing an already-approved sender is a no-op success. Every call is
// audited with its outcome.
func (r *Registry) Allow(actor, targetID string) error {
	return r.transition(actor, "allow", targetID, func(sd *store.Sender) (string, error) {
		switch State(sd.State) {
		case StateApproved, StateOwner:
			return "noop", nil
		case StatePending, StateRevoked:
			sd.State = string(StateApproved)
			return "ok", nil
		default:
			return "", fmt.Errorf("unexpected state %q", sd.State)
		}
	})
}

// Revoke transitions an approved sender to revoked. Owner-only. The
// sender's session data is retained for possible re-approval.
func (r *Registry) Revoke(actor, targetID string) error {
	return r.transition(actor, "revoke", targetID, func(sd *store.Sender) (string, error) {
		switch State(sd.State) {
		case StateRevoked:
			return "noop", nil
		case StateApproved, StatePending:
			sd.State = string(StateRevoked)
			return "ok", nil
		case StateOwner:
			return "", fmt.Errorf("cannot revoke the owner")
		default:
			return "", fmt.Errorf("unexpected state %q", sd.State)
		}
	})
}

// transition applies an audited owner-only state change.
func (r *Registry) transition(actor, action, targetID string, apply func(*store.Sender) (string, error)) error {
	if actor != r.ownerID {
		r.audit(actor, action, targetID, "denied")
		return ErrPermissionDenied
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sd, ok := r.senders[targetID]
	if !ok {
		r.audit(actor, action, targetID, "not_found")
		return fmt.Errorf("%s %s: %w", action, targetID, ErrNotFound)
	}

	outcome, err := apply(&sd)
	if err != nil {
		r.audit(actor, action, targetID, "error: "+err.Error())
		return err
	}

	if outcome == "ok" {
		if err := r.store.UpsertSender(sd); err != nil {
			return err
		}
		r.senders[targetID] = sd
		if State(sd.State) == StateApproved {
			if err := r.store.DeletePending(targetID); err != nil {
				return err
			}
			delete(r.pending, targetID)
		}
		slog.Info("sender state changed", "action", action, "target", targetID, "state", sd.State)
	}

	if err := r.store.AppendAudit(actor, action, targetID, outcome); err != nil {
		return err
	}
	return nil
}

// audit records a failed admin action. The caller's error is the one
// that matters, so a write failure here is logged rather than returned.
func (r *Registry) audit(actor, action, targetID, outcome string) {
	if err := r.store.AppendAudit(actor, action, targetID, outcome); err != nil {
		slog.Error("audit write failed", "actor", actor, "action", action, "target", targetID, "outcome", outcome, "error", err)
	}
}

// PendingList returns pending approvals, oldest first.
func (r *Registry) PendingList() []store.PendingApproval {
	pending, err := r.store.ListPending()
	if err != nil {
		slog.Warn("list pending failed", "error", err)
		return nil
	}
	return pending
}

// Audit returns recent audit entries, newest first.
func (r *Registry) Audit(limit int) []store.AuditEntry {
	entries, err := r.store.ListAudit(limit)
	if err != nil {
		slog.Warn("list audit failed", "error", err)
		return nil
	}
	return entries
}
