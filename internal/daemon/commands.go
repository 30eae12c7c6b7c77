package daemon

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/relay-labs/relay/internal/command"
	"github.com/relay-labs/relay/pkg/bus"
	"github.com/relay-labs/relay/pkg/channel"
	"github.com/relay-labs/relay/pkg/semantic"
	"github.com/relay-labs/relay/pkg/store"
)

// executeCommand runs a parsed command and returns the reply text.
// Errors surface as chat-visible text; nothing here panics the loop.
func (d *Daemon) executeCommand(ctx context.Context, msg channel.Message, cmd command.Command) string {
	isOwner := msg.SenderID == d.registry.OwnerID()

	if command.AdminOnly(cmd.Name) && !isOwner {
		// Allow/revoke audit their own denials inside the registry;
		// the read-only admin commands are audited here.
		if cmd.Name == "pending" || cmd.Name == "audit" || cmd.Name == "export-config" {
			d.db.AppendAudit(msg.SenderID, cmd.Name, "", "denied")
		}
		if cmd.Name != "allow" && cmd.Name != "revoke" {
			return "That command is owner-only."
		}
	}

	switch cmd.Name {
	case "help":
		return command.HelpText

	case "status":
		return d.statusReply(msg.SenderID)

	case "reset":
		if err := d.sessions.Reset(msg.SenderID); err != nil {
			return "Reset failed: " + err.Error()
		}
		return "Conversation cleared. Cumulative cost and pins are kept."

	case "more":
		chunkText, ok, err := d.sessions.More(msg.SenderID)
		if err != nil {
			return "Could not fetch the next chunk: " + err.Error()
		}
		if !ok {
			return "Nothing held back — the last reply was delivered in full."
		}
		return chunkText

	case "model":
		if err := d.sessions.SetModel(msg.SenderID, cmd.Model); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Model switched to %s.", strings.ToLower(cmd.Model))

	case "memory":
		if cmd.Text != "" {
			if err := d.sessions.Remember(msg.SenderID, cmd.Text); err != nil {
				return "Could not save memory: " + err.Error()
			}
			return "Noted."
		}
		memory, err := d.sessions.Memory(msg.SenderID)
		if err != nil {
			return "Could not read memory: " + err.Error()
		}
		if memory == "" {
			return "No memory saved yet."
		}
		return "Saved memory:\n" + memory

	case "forget":
		if err := d.sessions.Forget(msg.SenderID); err != nil {
			return "Forget failed: " + err.Error()
		}
		return "Memory cleared."

	case "search":
		return d.searchReply(ctx, msg.SenderID, cmd.Query)

	case "export":
		return d.exportReply(msg.SenderID)

	case "usage":
		return d.usageReply(msg.SenderID)

	case "pin":
		if err := d.sessions.Pin(msg.SenderID, cmd.Label); err != nil {
			return "Pin failed: " + err.Error()
		}
		return fmt.Sprintf("Pinned recent context as %q.", cmd.Label)

	case "pins":
		labels, err := d.sessions.PinLabels(msg.SenderID)
		if err != nil {
			return "Could not list pins: " + err.Error()
		}
		if len(labels) == 0 {
			return "No pins yet. /pin <label> snapshots the recent conversation."
		}
		return "Pins: " + strings.Join(labels, ", ")

	case "recall":
		content, err := d.sessions.Recall(msg.SenderID, cmd.Label)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Pinned %q:\n%s", cmd.Label, content)

	case "remind":
		fireAt := d.now().Add(cmd.Duration)
		id, err := d.scheduler.AddReminder(msg.SenderID, fireAt, cmd.Text)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Reminder #%d set for %s.", id, fireAt.UTC().Format("2006-01-02 15:04 MST"))

	case "reminders":
		return d.remindersReply(msg.SenderID, isOwner)

	case "cancel":
		if err := d.scheduler.CancelReminder(msg.SenderID, isOwner, cmd.ID); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Reminder #%d cancelled.", cmd.ID)

	case "cron", "every", "daily":
		id, err := d.scheduler.AddCron(msg.SenderID, cmd.Spec, cmd.Text)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Job #%d scheduled (%s).", id, cmd.Spec)

	case "crons":
		return d.jobsReply(msg.SenderID, isOwner)

	case "cron-cancel":
		if err := d.scheduler.CancelJob(msg.SenderID, isOwner, cmd.ID); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Job #%d cancelled.", cmd.ID)

	case "cron-pause":
		if err := d.scheduler.PauseJob(msg.SenderID, isOwner, cmd.ID); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Job #%d paused.", cmd.ID)

	case "cron-resume":
		if err := d.scheduler.ResumeJob(msg.SenderID, isOwner, cmd.ID); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Job #%d resumed; next run computed from now.", cmd.ID)

	case "allow":
		if err := d.registry.Allow(msg.SenderID, cmd.TargetID); err != nil {
			return err.Error()
		}
		d.bus.Publish(bus.Event{Type: bus.EventApproval, Sender: cmd.TargetID, Detail: "approved"})
		return fmt.Sprintf("%s is approved.", cmd.TargetID)

	case "revoke":
		if err := d.registry.Revoke(msg.SenderID, cmd.TargetID); err != nil {
			return err.Error()
		}
		d.bus.Publish(bus.Event{Type: bus.EventApproval, Sender: cmd.TargetID, Detail: "revoked"})
		return fmt.Sprintf("%s is revoked. Session data is kept for re-approval.", cmd.TargetID)

	case "pending":
		return d.pendingReply()

	case "audit":
		return d.auditReply()

	case "export-config":
		return d.redactedConfig()

	default:
		// Parse already rejected unknown names; this is unreachable.
		return fmt.Sprintf("unhandled command /%s", cmd.Name)
	}
}

func (d *Daemon) statusReply(senderID string) string {
	snap, err := d.sessions.Status(senderID)
	if err != nil {
		return "Could not read session: " + err.Error()
	}
	state, _ := d.registry.StateOf(senderID)

	var b strings.Builder
	fmt.Fprintf(&b, "Sender: %s (%s)\n", senderID, string(state))
	fmt.Fprintf(&b, "Model: %s\n", snap.Model)
	fmt.Fprintf(&b, "Exchanges in context: %d\n", snap.Exchanges)
	fmt.Fprintf(&b, "Cumulative cost: %s\n", dollars(snap.CostMicros))
	if capMicros := d.sessions.CapMicros(); capMicros > 0 {
		fmt.Fprintf(&b, "Per-message guideline: %s (%d replies over)\n", dollars(capMicros), snap.OverCap)
	}
	if snap.Pins > 0 {
		fmt.Fprintf(&b, "Pins: %d\n", snap.Pins)
	}
	if snap.Remainder > 0 {
		fmt.Fprintf(&b, "Held-back chunks: %d (/more)\n", snap.Remainder)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) searchReply(ctx context.Context, senderID, query string) string {
	const limit = 5

	var (
		hits []store.Exchange
		err  error
	)
	if d.vectors != nil && d.tei != nil {
		hits, err = semantic.HybridSearch(ctx, d.db, d.vectors, d.tei, senderID, query, limit)
	} else {
		hits, err = d.db.SearchExchanges(senderID, query, limit)
	}
	if err != nil {
		return "Search failed: " + err.Error()
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No past exchanges match %q.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Matches for %q:\n", query)
	for _, e := range hits {
		fmt.Fprintf(&b, "\n[%s] %s\n%s\n",
			e.CreatedAt.Format("2006-01-02 15:04"),
			snippet(e.Prompt, 120),
			snippet(e.Reply, 240),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) exportReply(senderID string) string {
	history, err := d.sessions.History(senderID)
	if err != nil {
		return "Export failed: " + err.Error()
	}
	if len(history) == 0 {
		return "Nothing to export — the conversation is empty."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Transcript (%d exchanges):\n", len(history))
	for _, e := range history {
		fmt.Fprintf(&b, "\n[%s] > %s\n", e.At.Format("2006-01-02 15:04"), e.Prompt)
		if e.Reply != "" {
			fmt.Fprintf(&b, "%s\n", e.Reply)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) usageReply(senderID string) string {
	snap, err := d.sessions.Status(senderID)
	if err != nil {
		return "Could not read session: " + err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cumulative cost: %s\n", dollars(snap.CostMicros))
	fmt.Fprintf(&b, "Exchanges in context: %d\n", snap.Exchanges)
	if snap.OverCap > 0 {
		fmt.Fprintf(&b, "Replies over the per-message guideline: %d\n", snap.OverCap)
	}
	fmt.Fprintf(&b, "Session since: %s", snap.CreatedAt.Format("2006-01-02 15:04 MST"))
	return b.String()
}

func (d *Daemon) remindersReply(senderID string, isOwner bool) string {
	reminders := d.scheduler.Reminders(senderID, isOwner)
	if len(reminders) == 0 {
		return "No pending reminders."
	}
	var b strings.Builder
	b.WriteString("Pending reminders:\n")
	for _, r := range reminders {
		fmt.Fprintf(&b, "#%d — %s — %s\n", r.ID, r.FireAt.Format("2006-01-02 15:04 MST"), r.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) jobsReply(senderID string, isOwner bool) string {
	jobs := d.scheduler.Jobs(senderID, isOwner)
	if len(jobs) == 0 {
		return "No recurring jobs."
	}
	var b strings.Builder
	b.WriteString("Recurring jobs:\n")
	for _, j := range jobs {
		fmt.Fprintf(&b, "#%d [%s] %s — %s (next %s)\n",
			j.ID, j.State, j.Spec, j.Message, j.NextFire.Format("2006-01-02 15:04 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) pendingReply() string {
	pending := d.registry.PendingList()
	if len(pending) == 0 {
		return "No senders waiting for approval."
	}
	var b strings.Builder
	b.WriteString("Waiting for approval:\n")
	for _, p := range pending {
		fmt.Fprintf(&b, "%s (%s) — first seen %s, %d blocked message(s) — /allow %s\n",
			p.DisplayName, p.SenderID, p.FirstSeen.Format("2006-01-02 15:04"), p.BlockedAttempts, p.SenderID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) auditReply() string {
	entries := d.registry.Audit(20)
	if len(entries) == 0 {
		return "Audit log is empty."
	}
	var b strings.Builder
	b.WriteString("Recent admin actions:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s %s %s → %s\n",
			e.CreatedAt.Format("2006-01-02 15:04"), e.Actor, e.Action, e.Target, e.Outcome)
	}
	return strings.TrimRight(b.String(), "\n")
}

func snippet(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		return s[:n] + "…"
	}
	return s
}
