// Package command parses inbound chat text into relay commands.
//
// Parsing is a single-pass match on the first whitespace-delimited token
// when it starts with "/". Anything else is plain chat text for the AI
// path. An unrecognized "/word" is an error echoed back to the sender,
// never silently forwarded to the model.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnknownCommand is returned for a "/word" outside the command set.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUsage is returned when required arguments are missing or
	// malformed; the message names the expected syntax.
	ErrUsage = errors.New("usage")
)

// Command is a parsed command with its typed arguments. Only the fields
// relevant to Name are populated.
type Command struct {
	Name string

	Label    string        // pin, recall
	Query    string        // search
	Model    string        // model
	TargetID string        // allow, revoke
	ID       int64         // cancel, cron-cancel, cron-pause, cron-resume
	Duration time.Duration // remind
	Spec     string        // cron, every, daily (normalized schedule spec)
	Text     string        // remind, cron, every, daily, memory (payload)
}

// adminOnly lists commands restricted to the daemon owner.
var adminOnly = map[string]bool{
	"allow":         true,
	"revoke":        true,
	"pending":       true,
	"audit":         true,
	"export-config": true,
}

// AdminOnly reports whether a command requires the owner role.
func AdminOnly(name string) bool { return adminOnly[name] }

func usageErr(syntax string) error {
	return fmt.Errorf("%w: %s", ErrUsage, syntax)
}

// Parse examines text and returns (cmd, true, nil) for a recognized
// command, (zero, false, nil) for plain chat text, or an error for an
// unknown command or bad arguments.
func Parse(text string) (Command, bool, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false, nil
	}

	name, rest, _ := strings.Cut(trimmed, " ")
	name = strings.ToLower(strings.TrimPrefix(name, "/"))
	rest = strings.TrimSpace(rest)

	cmd := Command{Name: name}
	switch name {
	case "help", "status", "reset", "more", "forget", "export",
		"usage", "pins", "reminders", "crons", "pending", "audit",
		"export-config":
		return cmd, true, nil

	case "memory":
		// Bare form shows the blob, with trailing text appends a fact.
		cmd.Text = rest
		return cmd, true, nil

	case "model":
		if rest == "" {
			return cmd, true, usageErr("/model <opus|sonnet|haiku>")
		}
		cmd.Model = rest
		return cmd, true, nil

	case "search":
		if rest == "" {
			return cmd, true, usageErr("/search <query>")
		}
		cmd.Query = rest
		return cmd, true, nil

	case "pin", "recall":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return cmd, true, usageErr("/" + name + " <label>")
		}
		cmd.Label = rest
		return cmd, true, nil

	case "remind":
		dur, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return cmd, true, usageErr("/remind <duration> <text>  (e.g. /remind 5m Check oven)")
		}
		d, err := time.ParseDuration(dur)
		if err != nil || d <= 0 {
			return cmd, true, usageErr("/remind <duration> <text>: bad duration " + strconv.Quote(dur))
		}
		cmd.Duration = d
		cmd.Text = strings.TrimSpace(text)
		return cmd, true, nil

	case "cron":
		// Five schedule fields, then the message.
		fields := strings.Fields(rest)
		if len(fields) < 6 {
			return cmd, true, usageErr("/cron <m h dom mon dow> <text>  (e.g. /cron 0 8 * * * Morning brief)")
		}
		cmd.Spec = strings.Join(fields[:5], " ")
		cmd.Text = strings.Join(fields[5:], " ")
		return cmd, true, nil

	case "every":
		interval, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return cmd, true, usageErr("/every <interval> <text>  (e.g. /every 2h Stretch)")
		}
		cmd.Spec = "every " + interval
		cmd.Text = strings.TrimSpace(text)
		return cmd, true, nil

	case "daily":
		hhmm, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return cmd, true, usageErr("/daily <HH:MM> <text>  (e.g. /daily 08:30 Standup)")
		}
		cmd.Spec = "daily " + hhmm
		cmd.Text = strings.TrimSpace(text)
		return cmd, true, nil

	case "cancel", "cron-cancel", "cron-pause", "cron-resume":
		id, err := strconv.ParseInt(rest, 10, 64)
		if rest == "" || err != nil {
			return cmd, true, usageErr("/" + name + " <id>")
		}
		cmd.ID = id
		return cmd, true, nil

	case "allow", "revoke":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return cmd, true, usageErr("/" + name + " <sender-id>")
		}
		cmd.TargetID = rest
		return cmd, true, nil

	default:
		return cmd, true, fmt.Errorf("%w: /%s (try /help)", ErrUnknownCommand, name)
	}
}

// HelpText is the /help reply.
const HelpText = `Commands:
/status — session, model, and spend summary
/reset — clear conversation history (cost and pins kept)
/more — next chunk of the last long reply
/model <opus|sonnet|haiku> — switch model
/memory [fact] — show saved memory, or save a fact · /forget — clear it
/search <query> — search past exchanges
/pin <label> — snapshot recent context · /pins — list · /recall <label>
/remind <duration> <text> — one-shot reminder (/reminders, /cancel <id>)
/cron <m h dom mon dow> <text> — recurring job
/every <interval> <text> · /daily <HH:MM> <text>
/crons — list jobs · /cron-cancel, /cron-pause, /cron-resume <id>
/export — session transcript · /usage — cost breakdown
Owner only: /allow <id>, /revoke <id>, /pending, /audit, /export-config`
