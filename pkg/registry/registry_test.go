package registry

import (
	"errors"
	"testing"

	"github.com/relay-labs/relay/pkg/store"

	_ "modernc.org/sqlite"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r, err := New(st, "@owner:example.org")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r, st
}

func TestClassifyUnknownSender(t *testing.T) {
	r, _ := newTestRegistry(t)

	state, req, err := r.Classify("@alice:example.org", "Alice", "!room")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if state != StatePending {
		t.Errorf("state = %q, want pending", state)
	}
	if req == nil {
		t.Fatal("expected approval request on first contact")
	}
	if req.AllowHint != "/allow @alice:example.org" {
		t.Errorf("allow hint = %q", req.AllowHint)
	}

	// A second message before approval bumps the counter but does not
	// notify again.
	state, req, err = r.Classify("@alice:example.org", "Alice", "!room")
	if err != nil {
		t.Fatalf("classify again: %v", err)
	}
	if state != StatePending {
		t.Errorf("state = %q, want pending", state)
	}
	if req != nil {
		t.Error("expected no second approval request")
	}

	pending := r.PendingList()
	if len(pending) != 1 {
		t.Fatalf("pending entries = %d, want 1", len(pending))
	}
	if pending[0].BlockedAttempts != 2 {
		t.Errorf("blocked attempts = %d, want 2", pending[0].BlockedAttempts)
	}
}

func TestOwnerClassifiedWithoutApproval(t *testing.T) {
	r, _ := newTestRegistry(t)

	state, req, err := r.Classify("@owner:example.org", "Owner", "!room")
	if err != nil {
		t.Fatalf("classify owner: %v", err)
	}
	if state != StateOwner {
		t.Errorf("state = %q, want owner", state)
	}
	if req != nil {
		t.Error("owner must not trigger an approval request")
	}
}

func TestAllowIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Classify("@alice:example.org", "Alice", "!room")

	if err := r.Allow("@owner:example.org", "@alice:example.org"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if state, _ := r.StateOf("@alice:example.org"); state != StateApproved {
		t.Errorf("state = %q, want approved", state)
	}
	if got := len(r.PendingList()); got != 0 {
		t.Errorf("pending entries = %d, want 0", got)
	}

	// Second allow is a no-op success, still audited.
	if err := r.Allow("@owner:example.org", "@alice:example.org"); err != nil {
		t.Fatalf("allow twice: %v", err)
	}
	if state, _ := r.StateOf("@alice:example.org"); state != StateApproved {
		t.Errorf("state after second allow = %q, want approved", state)
	}

	entries := r.Audit(10)
	var ok, noop int
	for _, e := range entries {
		if e.Action != "allow" {
			continue
		}
		switch e.Outcome {
		case "ok":
			ok++
		case "noop":
			noop++
		}
	}
	if ok != 1 || noop != 1 {
		t.Errorf("audit outcomes ok=%d noop=%d, want 1 and 1", ok, noop)
	}
}

func TestAllowRequiresOwner(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Classify("@alice:example.org", "Alice", "!room")
	r.Classify("@bob:example.org", "Bob", "!room")

	err := r.Allow("@alice:example.org", "@bob:example.org")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if state, _ := r.StateOf("@bob:example.org"); state != StatePending {
		t.Errorf("state = %q, want pending", state)
	}
	assertAuditOutcome(t, r, "denied")
}

func TestAllowUnknownSender(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Allow("@owner:example.org", "@ghost:example.org")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	assertAuditOutcome(t, r, "not_found")
}

// assertAuditOutcome requires at least one audit entry with the given
// outcome.
func assertAuditOutcome(t *testing.T, r *Registry, outcome string) {
	t.Helper()
	for _, e := range r.Audit(50) {
		if e.Outcome == outcome {
			return
		}
	}
	t.Errorf("no audit entry with outcome %q", outcome)
}

func TestDeniedStillReportedWhenAuditWriteFails(t *testing.T) {
	r, db := newTestRegistry(t)
	r.Classify("@bob:example.org", "Bob", "!room")
	db.Close()

	err := r.Allow("@alice:example.org", "@bob:example.org")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestRevoke(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Classify("@alice:example.org", "Alice", "!room")
	if err := r.Allow("@owner:example.org", "@alice:example.org"); err != nil {
		t.Fatalf("allow: %v", err)
	}

	if err := r.Revoke("@owner:example.org", "@alice:example.org"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if state, _ := r.StateOf("@alice:example.org"); state != StateRevoked {
		t.Errorf("state = %q, want revoked", state)
	}

	// Re-approval works after revocation.
	if err := r.Allow("@owner:example.org", "@alice:example.org"); err != nil {
		t.Fatalf("re-allow: %v", err)
	}
	if state, _ := r.StateOf("@alice:example.org"); state != StateApproved {
		t.Errorf("state = %q, want approved", state)
	}
}

func TestRevokeOwnerRejected(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Revoke("@owner:example.org", "@owner:example.org"); err == nil {
		t.Fatal("expected error revoking the owner")
	}
	if state, _ := r.StateOf("@owner:example.org"); state != StateOwner {
		t.Errorf("state = %q, want owner", state)
	}
}

func TestRegistrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	r, err := New(st, "@owner:example.org")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	r.Classify("@alice:example.org", "Alice", "!room")
	if err := r.Allow("@owner:example.org", "@alice:example.org"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	r.Classify("@bob:example.org", "Bob", "!room")
	st.Close()

	st, err = store.Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()

	r, err = New(st, "@owner:example.org")
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	if state, _ := r.StateOf("@alice:example.org"); state != StateApproved {
		t.Errorf("alice state = %q, want approved", state)
	}
	if state, _ := r.StateOf("@bob:example.org"); state != StatePending {
		t.Errorf("bob state = %q, want pending", state)
	}
	if got := len(r.PendingList()); got != 1 {
		t.Errorf("pending entries = %d, want 1", got)
	}
}
